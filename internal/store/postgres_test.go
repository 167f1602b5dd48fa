package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/creditledger/internal/domain"
)

func TestUniqueViolationCodes(t *testing.T) {
	cases := []struct {
		table string
		code  string
	}{
		{"settlements", domain.CodeAlreadySettled},
		{"redemption_requests", domain.CodeAlreadyRedeemed},
		{"deposits", domain.CodeConflict},
	}
	for _, tc := range cases {
		t.Run(tc.table, func(t *testing.T) {
			err := wrap(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", TableName: tc.table}), "row")
			require.ErrorIs(t, err, domain.ErrConflict)
			assert.Equal(t, tc.code, domain.CodeOf(err))
		})
	}
}

func TestWrap(t *testing.T) {
	assert.NoError(t, wrap(nil, "account"))

	err := wrap(pgx.ErrNoRows, "account")
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, "NOT_FOUND: account not found", err.Error())

	err = wrap(&pgconn.PgError{Code: "40001"}, "account")
	require.ErrorIs(t, err, domain.ErrConflict)

	boom := errors.New("connection reset")
	err = wrap(boom, "account")
	require.ErrorIs(t, err, boom)
	assert.Empty(t, domain.CodeOf(err))
}

func TestTranslateLeavesOtherErrors(t *testing.T) {
	fk := &pgconn.PgError{Code: "23503", TableName: "deposits"}
	assert.Same(t, error(fk), translate(fk))

	already := domain.NotFound("transfer not found")
	assert.Same(t, already, translate(already))
}

func TestSchemaEmbedded(t *testing.T) {
	for _, table := range []string{"ledger_accounts", "deposits", "redemption_tokens", "redemption_requests",
		"ledger_entries", "settlements", "refunds", "transfer_requests", "transfers", "currency_units"} {
		assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
}
