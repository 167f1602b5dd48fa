package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/creditledger/internal/domain"
)

const transferJoin = `
	SELECT t.id, t.transfer_request_id, t.transfer_ref, t.status, t.tx_hash, t.from_address, t.amount,
		t.amount_currency_unit_id, t.is_active, t.updated_at,
		tr.id, tr.public_id, tr.status, tr.actor_address, tr.robust_address, tr.wallet_address,
		tr.amount, tr.receiver_email, tr.program_visibility, tr.created_at
	FROM transfers t
	JOIN transfer_requests tr ON tr.id = t.transfer_request_id`

func scanTransfer(row pgx.Row) (domain.Transfer, error) {
	var t domain.Transfer
	q := &t.Request
	err := row.Scan(&t.ID, &t.TransferRequestID, &t.TransferRef, &t.Status, &t.TxHash, &t.From, &t.Amount,
		&t.AmountCurrencyUnitID, &t.IsActive, &t.UpdatedAt,
		&q.ID, &q.PublicID, &q.Status, &q.ActorAddress, &q.RobustAddress, &q.WalletAddress,
		&q.Amount, &q.ReceiverEmail, &q.ProgramVisibility, &q.CreatedAt)
	return t, err
}

func (r *repo) ListSettledTransferRefs(ctx context.Context, prefix string) ([]string, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT DISTINCT transfer_ref FROM transfers
		WHERE status = 'SUCCESS' AND starts_with(transfer_ref, $1)
		ORDER BY transfer_ref`, prefix)
	if err != nil {
		return nil, wrap(err, "transfer refs")
	}
	return collect(rows, scanString)
}

func (r *repo) ListOpenTransferRefs(ctx context.Context, prefix string) ([]string, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT DISTINCT transfer_ref FROM transfers
		WHERE status IN ('PENDING', 'SUCCESS') AND starts_with(transfer_ref, $1)
		ORDER BY transfer_ref`, prefix)
	if err != nil {
		return nil, wrap(err, "transfer refs")
	}
	return collect(rows, scanString)
}

func scanString(row pgx.Row) (string, error) {
	var v string
	err := row.Scan(&v)
	return v, err
}

// FindPendingTransferByRef locks the transfer and its request.
func (r *repo) FindPendingTransferByRef(ctx context.Context, ref string) (*domain.Transfer, error) {
	t, err := scanTransfer(r.tx.QueryRow(ctx, transferJoin+`
		WHERE t.transfer_ref = $1 AND t.status = 'PENDING' AND t.is_active
		ORDER BY t.id LIMIT 1
		FOR UPDATE`, ref))
	if err != nil {
		return nil, wrap(err, "transfer")
	}
	return &t, nil
}

func (r *repo) HasConfirmedTransfer(ctx context.Context, ref, txHash, from string) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM transfers
			WHERE transfer_ref = $1 AND tx_hash = $2
			  AND (status = 'SUCCESS' OR (status = 'PENDING' AND from_address = $3)))`,
		ref, txHash, from).Scan(&exists)
	return exists, wrap(err, "transfer")
}

func (r *repo) ListPendingTransfers(ctx context.Context, ref, txHash string) ([]domain.Transfer, error) {
	rows, err := r.tx.Query(ctx, transferJoin+`
		WHERE t.transfer_ref = $1 AND t.tx_hash = $2 AND t.status = 'PENDING' AND t.is_active
		ORDER BY t.id`, ref, txHash)
	if err != nil {
		return nil, wrap(err, "transfers")
	}
	return collect(rows, scanTransfer)
}

func (r *repo) AssignTransferHash(ctx context.Context, ref, txHash, from string) (int64, error) {
	tag, err := r.tx.Exec(ctx, `
		UPDATE transfers SET tx_hash = $2, from_address = $3, updated_at = now()
		WHERE transfer_ref = $1 AND status = 'PENDING' AND is_active AND tx_hash = ''
		  AND (from_address = '' OR from_address = $3)`, ref, txHash, from)
	if err != nil {
		return 0, wrap(err, "transfer")
	}
	return tag.RowsAffected(), nil
}

func (r *repo) MarkTransferSuccess(ctx context.Context, id int64, txHash, amount string, currencyUnitID *int64) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE transfers
		SET status = 'SUCCESS', tx_hash = $2, amount = $3, amount_currency_unit_id = $4, updated_at = now()
		WHERE id = $1 AND status <> 'SUCCESS' AND is_active`, id, txHash, amount, currencyUnitID)
	return expectOne(tag, err, "transfer", domain.NotFound("transfer not found"))
}

func (r *repo) MarkTransferRequestPaid(ctx context.Context, requestID int64) error {
	tag, err := r.tx.Exec(ctx,
		"UPDATE transfer_requests SET status = 'PAID' WHERE id = $1 AND status = 'APPROVED'", requestID)
	return expectOne(tag, err, "transfer request", domain.NotFound("transfer request not found"))
}

func (r *repo) AddTransferHistory(ctx context.Context, h domain.TransferRequestHistory) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO transfer_request_history (transfer_request_id, field, old_value, new_value, user_role_id)
		VALUES ($1, $2, $3, $4, $5)`,
		h.TransferRequestID, h.Field, h.OldValue, h.NewValue, h.UserRoleID)
	return wrap(err, "transfer history")
}

func (r *repo) FindCurrencyUnit(ctx context.Context, name string) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, "SELECT id FROM currency_units WHERE name = $1", name).Scan(&id)
	return id, wrap(err, "currency unit")
}

func (r *repo) ListStaleTransferHashes(ctx context.Context, before time.Time, after string, limit int) ([]string, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT DISTINCT tx_hash FROM transfers
		WHERE status = 'PENDING' AND is_active AND tx_hash <> '' AND updated_at < $1 AND tx_hash > $2
		ORDER BY tx_hash
		LIMIT $3`, before, after, limit)
	if err != nil {
		return nil, wrap(err, "transfer hashes")
	}
	return collect(rows, scanString)
}

func (r *repo) FailTransfersByHash(ctx context.Context, txHash string) ([]domain.Transfer, error) {
	rows, err := r.tx.Query(ctx, `
		WITH failed AS (
			UPDATE transfers SET status = 'FAILED', is_active = FALSE, updated_at = now()
			WHERE tx_hash = $1 AND status = 'PENDING'
			RETURNING *
		)
		SELECT t.id, t.transfer_request_id, t.transfer_ref, t.status, t.tx_hash, t.from_address, t.amount,
			t.amount_currency_unit_id, t.is_active, t.updated_at,
			tr.id, tr.public_id, tr.status, tr.actor_address, tr.robust_address, tr.wallet_address,
			tr.amount, tr.receiver_email, tr.program_visibility, tr.created_at
		FROM failed t
		JOIN transfer_requests tr ON tr.id = t.transfer_request_id
		ORDER BY t.id`, txHash)
	if err != nil {
		return nil, wrap(err, "transfers")
	}
	return collect(rows, scanTransfer)
}

func (r *repo) GetTransferRequests(ctx context.Context, publicIDs []string) ([]domain.TransferRequest, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT id, public_id, status, actor_address, robust_address, wallet_address,
			amount, receiver_email, program_visibility, created_at
		FROM transfer_requests WHERE public_id = ANY($1)
		ORDER BY id
		FOR UPDATE`, publicIDs)
	if err != nil {
		return nil, wrap(err, "transfer requests")
	}
	return collect(rows, func(row pgx.Row) (domain.TransferRequest, error) {
		var q domain.TransferRequest
		err := row.Scan(&q.ID, &q.PublicID, &q.Status, &q.ActorAddress, &q.RobustAddress, &q.WalletAddress,
			&q.Amount, &q.ReceiverEmail, &q.ProgramVisibility, &q.CreatedAt)
		return q, err
	})
}

// GetActiveTransfer returns nil, nil when the request has no active transfer.
func (r *repo) GetActiveTransfer(ctx context.Context, requestID int64) (*domain.Transfer, error) {
	t, err := scanTransfer(r.tx.QueryRow(ctx, transferJoin+`
		WHERE t.transfer_request_id = $1 AND t.is_active`, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(err, "transfer")
	}
	return &t, nil
}

func (r *repo) CreateTransfer(ctx context.Context, t *domain.Transfer) error {
	err := r.tx.QueryRow(ctx, `
		INSERT INTO transfers (transfer_request_id, transfer_ref, status, tx_hash, from_address, amount, is_active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		t.TransferRequestID, t.TransferRef, t.Status, t.TxHash, t.From, t.Amount, t.IsActive, t.UpdatedAt).Scan(&t.ID)
	return wrap(err, "transfer")
}

func (r *repo) TouchTransfer(ctx context.Context, id int64) error {
	tag, err := r.tx.Exec(ctx, "UPDATE transfers SET updated_at = now() WHERE id = $1", id)
	return expectOne(tag, err, "transfer", domain.NotFound("transfer not found"))
}

func (r *repo) DeactivateTransfer(ctx context.Context, id int64) error {
	tag, err := r.tx.Exec(ctx, "UPDATE transfers SET is_active = FALSE, updated_at = now() WHERE id = $1", id)
	return expectOne(tag, err, "transfer", domain.NotFound("transfer not found"))
}
