// Package legacy reads payouts from the old payment database, which predates
// the multi forwarder and is only reachable with a plain Postgres driver.
package legacy

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/punchamoorthee/creditledger/internal/domain"
)

type Config struct {
	DSN string
	// MinHeight skips rows from before reference based payouts existed.
	MinHeight int64
}

// Ledger opens a fresh connection per call; reconciliation runs rarely and
// the legacy server limits idle connections.
type Ledger struct {
	cfg    Config
	open   func(dsn string) (*sql.DB, error)
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Ledger {
	return &Ledger{
		cfg:    cfg,
		open:   func(dsn string) (*sql.DB, error) { return sql.Open("postgres", dsn) },
		logger: logger,
	}
}

func paymentsQuery(minHeight int64) string {
	return fmt.Sprintf(`
		SELECT tx_to, tx_params, tx_hash, amount
		FROM finance.transactions
		WHERE UPPER(tx_type) = 'SEND'
		  AND UPPER(status) = 'OK'
		  AND height > %d
		  AND tx_params LIKE $1
		  AND NOT (tx_params = ANY($2))`, minHeight)
}

// FetchPayments returns sent payments whose params start with prefix,
// excluding the references in known.
func (l *Ledger) FetchPayments(ctx context.Context, prefix string, known []string) ([]domain.ExternalPayment, error) {
	db, err := l.open(l.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open legacy db: %w", err)
	}
	defer db.Close()

	if known == nil {
		known = []string{}
	}
	rows, err := db.QueryContext(ctx, paymentsQuery(l.cfg.MinHeight), prefix+"%", pq.Array(known))
	if err != nil {
		return nil, fmt.Errorf("query legacy payments: %w", err)
	}
	defer rows.Close()

	var out []domain.ExternalPayment
	for rows.Next() {
		var p domain.ExternalPayment
		if err := rows.Scan(&p.Address, &p.Params, &p.Hash, &p.Amount); err != nil {
			return nil, fmt.Errorf("scan legacy payment: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read legacy payments: %w", err)
	}
	l.logger.Debug("legacy payments fetched", zap.String("prefix", prefix), zap.Int("rows", len(out)))
	return out, nil
}
