package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/creditledger/internal/domain"
)

const accountColumns = `id, user_id, receiver_id, contract_address, total_height, total_withdrawals, total_refunds,
	withdraw_starts_at, withdraw_expires_at, refund_starts_at, current_token_id`

func scanAccount(row pgx.Row) (*domain.LedgerAccount, error) {
	var a domain.LedgerAccount
	err := row.Scan(&a.ID, &a.UserID, &a.ReceiverID, &a.ContractAddress, &a.TotalHeight, &a.TotalWithdrawals,
		&a.TotalRefunds, &a.WithdrawStartsAt, &a.WithdrawExpiresAt, &a.RefundStartsAt, &a.CurrentTokenID)
	if err != nil {
		return nil, wrap(err, "account")
	}
	return &a, nil
}

// UpsertAccount returns the account for the triple, creating it on first
// sight. The no-op update makes RETURNING see the existing row.
func (r *repo) UpsertAccount(ctx context.Context, userID, receiverID int64, contract string) (*domain.LedgerAccount, error) {
	return scanAccount(r.tx.QueryRow(ctx, `
		INSERT INTO ledger_accounts (user_id, receiver_id, contract_address)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, receiver_id, contract_address) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING `+accountColumns,
		userID, receiverID, strings.ToLower(contract)))
}

func (r *repo) GetAccount(ctx context.Context, id int64) (*domain.LedgerAccount, error) {
	return scanAccount(r.tx.QueryRow(ctx, "SELECT "+accountColumns+" FROM ledger_accounts WHERE id = $1", id))
}

// LockAccount serializes every writer of one account's totals.
func (r *repo) LockAccount(ctx context.Context, id int64) (*domain.LedgerAccount, error) {
	return scanAccount(r.tx.QueryRow(ctx, "SELECT "+accountColumns+" FROM ledger_accounts WHERE id = $1 FOR UPDATE", id))
}

func (r *repo) UpdateAccount(ctx context.Context, a *domain.LedgerAccount) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE ledger_accounts
		SET total_height = $2, total_withdrawals = $3, total_refunds = $4,
			withdraw_starts_at = $5, withdraw_expires_at = $6, refund_starts_at = $7,
			current_token_id = $8, updated_at = now()
		WHERE id = $1`,
		a.ID, a.TotalHeight, a.TotalWithdrawals, a.TotalRefunds,
		a.WithdrawStartsAt, a.WithdrawExpiresAt, a.RefundStartsAt, a.CurrentTokenID)
	return expectOne(tag, err, "account", domain.NotFound("account not found"))
}

const depositColumns = "id, account_id, tx_hash, amount, status, fail_reason, block_number, created_at"

func scanDeposit(row pgx.Row) (domain.DepositRecord, error) {
	var d domain.DepositRecord
	err := row.Scan(&d.ID, &d.AccountID, &d.TxHash, &d.Amount, &d.Status, &d.FailReason, &d.BlockNumber, &d.CreatedAt)
	return d, err
}

func (r *repo) CreateDeposit(ctx context.Context, d *domain.DepositRecord) error {
	err := r.tx.QueryRow(ctx, `
		INSERT INTO deposits (account_id, tx_hash, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		d.AccountID, d.TxHash, d.Amount, d.Status, d.CreatedAt).Scan(&d.ID)
	return wrap(err, "deposit")
}

func (r *repo) GetDepositByHash(ctx context.Context, txHash string) (*domain.DepositRecord, error) {
	d, err := scanDeposit(r.tx.QueryRow(ctx, "SELECT "+depositColumns+" FROM deposits WHERE tx_hash = $1", txHash))
	if err != nil {
		return nil, wrap(err, "deposit")
	}
	return &d, nil
}

func (r *repo) ListPendingDeposits(ctx context.Context, since time.Time, afterID int64, limit int) ([]domain.DepositRecord, error) {
	rows, err := r.tx.Query(ctx, "SELECT "+depositColumns+`
		FROM deposits WHERE status = 'PENDING' AND created_at >= $1 AND id > $2
		ORDER BY id LIMIT $3`, since, afterID, limit)
	if err != nil {
		return nil, wrap(err, "pending deposits")
	}
	return collect(rows, scanDeposit)
}

func (r *repo) HasSuccessfulDeposit(ctx context.Context, accountID int64) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM deposits WHERE account_id = $1 AND status = 'SUCCESS')", accountID).Scan(&exists)
	return exists, wrap(err, "deposit")
}

func (r *repo) CompleteDeposit(ctx context.Context, id int64, status domain.Status, reason string, block *uint64) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE deposits SET status = $2, fail_reason = $3, block_number = $4
		WHERE id = $1 AND status = 'PENDING'`, id, status, reason, block)
	return expectOne(tag, err, "deposit", domain.Conflict(domain.CodeConflict, "deposit is not pending"))
}

const tokenColumns = "id, public_id, account_id, height, amount, token, redeemable, created_at"

func (r *repo) CreateToken(ctx context.Context, t *domain.RedemptionToken) error {
	err := r.tx.QueryRow(ctx, `
		INSERT INTO redemption_tokens (public_id, account_id, height, amount, token, redeemable, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		t.PublicID, t.AccountID, t.Height, t.Amount, t.Token, t.Redeemable, t.CreatedAt).Scan(&t.ID)
	return wrap(err, "token")
}

func (r *repo) LockTokenByPublicID(ctx context.Context, publicID string) (*domain.RedemptionToken, error) {
	var t domain.RedemptionToken
	err := r.tx.QueryRow(ctx, "SELECT "+tokenColumns+" FROM redemption_tokens WHERE public_id = $1 FOR UPDATE", publicID).
		Scan(&t.ID, &t.PublicID, &t.AccountID, &t.Height, &t.Amount, &t.Token, &t.Redeemable, &t.CreatedAt)
	if err != nil {
		return nil, wrap(err, "token")
	}
	return &t, nil
}

func (r *repo) ConsumeToken(ctx context.Context, id int64) error {
	tag, err := r.tx.Exec(ctx, "UPDATE redemption_tokens SET redeemable = FALSE WHERE id = $1 AND redeemable", id)
	return expectOne(tag, err, "token", domain.Conflict(domain.CodeAlreadyRedeemed, "token already redeemed"))
}

func (r *repo) RevokeTokens(ctx context.Context, accountID int64) (int64, error) {
	tag, err := r.tx.Exec(ctx, "UPDATE redemption_tokens SET redeemable = FALSE WHERE account_id = $1 AND redeemable", accountID)
	if err != nil {
		return 0, wrap(err, "token")
	}
	return tag.RowsAffected(), nil
}

func (r *repo) FindStorageProvider(ctx context.Context, wallet string) (*domain.StorageProvider, error) {
	var sp domain.StorageProvider
	err := r.tx.QueryRow(ctx,
		"SELECT id, wallet_address FROM storage_providers WHERE lower(wallet_address) = lower($1)", wallet).
		Scan(&sp.ID, &sp.WalletAddress)
	if err != nil {
		return nil, wrap(err, "storage provider")
	}
	return &sp, nil
}

const redemptionColumns = "id, token_id, account_id, storage_provider_id, wallet_address, height, amount, created_at"

func scanRedemption(row pgx.Row) (domain.RedemptionRequest, error) {
	var q domain.RedemptionRequest
	err := row.Scan(&q.ID, &q.TokenID, &q.AccountID, &q.StorageProviderID, &q.WalletAddress, &q.Height, &q.Amount, &q.CreatedAt)
	return q, err
}

// LatestRedemption returns nil, nil for accounts never redeemed.
func (r *repo) LatestRedemption(ctx context.Context, accountID int64) (*domain.RedemptionRequest, error) {
	q, err := scanRedemption(r.tx.QueryRow(ctx, "SELECT "+redemptionColumns+`
		FROM redemption_requests WHERE account_id = $1 ORDER BY id DESC LIMIT 1`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(err, "redemption request")
	}
	return &q, nil
}

func (r *repo) CreateRedemption(ctx context.Context, q *domain.RedemptionRequest) error {
	err := r.tx.QueryRow(ctx, `
		INSERT INTO redemption_requests (token_id, account_id, storage_provider_id, wallet_address, height, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		q.TokenID, q.AccountID, q.StorageProviderID, q.WalletAddress, q.Height, q.Amount, q.CreatedAt).Scan(&q.ID)
	return wrap(err, "redemption request")
}

func (r *repo) GetRedemption(ctx context.Context, id int64) (*domain.RedemptionRequest, error) {
	q, err := scanRedemption(r.tx.QueryRow(ctx, "SELECT "+redemptionColumns+" FROM redemption_requests WHERE id = $1", id))
	if err != nil {
		return nil, wrap(err, "redemption request")
	}
	return &q, nil
}

func (r *repo) ListUnsettledRedemptions(ctx context.Context, limit int) ([]domain.RedemptionRequest, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT rr.id, rr.token_id, rr.account_id, rr.storage_provider_id, rr.wallet_address, rr.height, rr.amount, rr.created_at
		FROM redemption_requests rr
		LEFT JOIN settlements s ON s.redemption_request_id = rr.id
		WHERE s.id IS NULL
		ORDER BY rr.id LIMIT $1`, limit)
	if err != nil {
		return nil, wrap(err, "redemption requests")
	}
	return collect(rows, scanRedemption)
}

func (r *repo) AddLedgerEntry(ctx context.Context, e domain.LedgerEntry) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO ledger_entries (account_id, type, amount, reference, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.AccountID, e.Type, e.Amount, e.Reference, e.CreatedAt)
	return wrap(err, "ledger entry")
}

func (r *repo) ListLedgerEntries(ctx context.Context, accountID int64) ([]domain.LedgerEntry, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT account_id, type, amount, reference, created_at
		FROM ledger_entries WHERE account_id = $1 ORDER BY id`, accountID)
	if err != nil {
		return nil, wrap(err, "ledger entries")
	}
	return collect(rows, func(row pgx.Row) (domain.LedgerEntry, error) {
		var e domain.LedgerEntry
		err := row.Scan(&e.AccountID, &e.Type, &e.Amount, &e.Reference, &e.CreatedAt)
		return e, err
	})
}

const settlementColumns = `id, redemption_request_id, account_id, contract_address, to_address, amount, tx_hash,
	status, fail_reason, created_at`

func scanSettlement(row pgx.Row) (domain.Settlement, error) {
	var s domain.Settlement
	err := row.Scan(&s.ID, &s.RedemptionRequestID, &s.AccountID, &s.ContractAddress, &s.ToAddress, &s.Amount,
		&s.TxHash, &s.Status, &s.FailReason, &s.CreatedAt)
	return s, err
}

func (r *repo) CreateSettlement(ctx context.Context, s *domain.Settlement) error {
	err := r.tx.QueryRow(ctx, `
		INSERT INTO settlements (redemption_request_id, account_id, contract_address, to_address, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		s.RedemptionRequestID, s.AccountID, s.ContractAddress, s.ToAddress, s.Amount, s.Status, s.CreatedAt).Scan(&s.ID)
	return wrap(err, "settlement")
}

func (r *repo) UpdateSettlement(ctx context.Context, id int64, from, to domain.Status, txHash, reason string) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE settlements
		SET status = $3, tx_hash = CASE WHEN $4 = '' THEN tx_hash ELSE $4 END, fail_reason = $5
		WHERE id = $1 AND status = $2`, id, from, to, txHash, reason)
	return expectOne(tag, err, "settlement", domain.Conflict(domain.CodeConflict, "settlement changed concurrently"))
}

func (r *repo) ListPendingSettlements(ctx context.Context, afterID int64, limit int) ([]domain.Settlement, error) {
	rows, err := r.tx.Query(ctx, "SELECT "+settlementColumns+`
		FROM settlements WHERE status = 'PENDING' AND tx_hash <> '' AND id > $1
		ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, wrap(err, "settlements")
	}
	return collect(rows, scanSettlement)
}

const refundColumns = "id, account_id, tx_hash, amount, status, fail_reason, block_number, created_at"

func scanRefund(row pgx.Row) (domain.RefundRecord, error) {
	var f domain.RefundRecord
	err := row.Scan(&f.ID, &f.AccountID, &f.TxHash, &f.Amount, &f.Status, &f.FailReason, &f.BlockNumber, &f.CreatedAt)
	return f, err
}

func (r *repo) CreateRefund(ctx context.Context, f *domain.RefundRecord) error {
	err := r.tx.QueryRow(ctx, `
		INSERT INTO refunds (account_id, tx_hash, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		f.AccountID, f.TxHash, f.Amount, f.Status, f.CreatedAt).Scan(&f.ID)
	return wrap(err, "refund")
}

func (r *repo) GetRefundByHash(ctx context.Context, txHash string) (*domain.RefundRecord, error) {
	f, err := scanRefund(r.tx.QueryRow(ctx, "SELECT "+refundColumns+" FROM refunds WHERE tx_hash = $1", txHash))
	if err != nil {
		return nil, wrap(err, "refund")
	}
	return &f, nil
}

func (r *repo) ListPendingRefunds(ctx context.Context, since time.Time, afterID int64, limit int) ([]domain.RefundRecord, error) {
	rows, err := r.tx.Query(ctx, "SELECT "+refundColumns+`
		FROM refunds WHERE status = 'PENDING' AND created_at >= $1 AND id > $2
		ORDER BY id LIMIT $3`, since, afterID, limit)
	if err != nil {
		return nil, wrap(err, "refunds")
	}
	return collect(rows, scanRefund)
}

func (r *repo) CompleteRefund(ctx context.Context, id int64, status domain.Status, reason string, block *uint64) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE refunds SET status = $2, fail_reason = $3, block_number = $4
		WHERE id = $1 AND status = 'PENDING'`, id, status, reason, block)
	return expectOne(tag, err, "refund", domain.Conflict(domain.CodeConflict, "refund is not pending"))
}

// collect drains rows through scan. pgx.Rows satisfies pgx.Row.
func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, wrap(err, "row")
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "rows")
	}
	return out, nil
}
