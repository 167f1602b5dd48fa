package service

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/height"
	"github.com/punchamoorthee/creditledger/internal/notify"
)

// Store runs fn inside one database transaction. fn's error rolls back.
type Store interface {
	InTx(ctx context.Context, fn func(Repo) error) error
}

// Repo is the transactional view of the ledger tables. Mutations carry their
// own row preconditions and return domain ConflictError or NotFoundError when
// no row matched.
type Repo interface {
	LedgerRepo
	DisbursementRepo
}

type LedgerRepo interface {
	UpsertAccount(ctx context.Context, userID, receiverID int64, contract string) (*domain.LedgerAccount, error)
	GetAccount(ctx context.Context, id int64) (*domain.LedgerAccount, error)
	LockAccount(ctx context.Context, id int64) (*domain.LedgerAccount, error)
	UpdateAccount(ctx context.Context, acct *domain.LedgerAccount) error

	CreateDeposit(ctx context.Context, d *domain.DepositRecord) error
	GetDepositByHash(ctx context.Context, txHash string) (*domain.DepositRecord, error)
	ListPendingDeposits(ctx context.Context, since time.Time, afterID int64, limit int) ([]domain.DepositRecord, error)
	HasSuccessfulDeposit(ctx context.Context, accountID int64) (bool, error)
	CompleteDeposit(ctx context.Context, id int64, status domain.Status, reason string, block *uint64) error

	CreateToken(ctx context.Context, t *domain.RedemptionToken) error
	LockTokenByPublicID(ctx context.Context, publicID string) (*domain.RedemptionToken, error)
	ConsumeToken(ctx context.Context, id int64) error
	RevokeTokens(ctx context.Context, accountID int64) (int64, error)

	FindStorageProvider(ctx context.Context, wallet string) (*domain.StorageProvider, error)
	LatestRedemption(ctx context.Context, accountID int64) (*domain.RedemptionRequest, error)
	CreateRedemption(ctx context.Context, r *domain.RedemptionRequest) error
	GetRedemption(ctx context.Context, id int64) (*domain.RedemptionRequest, error)
	ListUnsettledRedemptions(ctx context.Context, limit int) ([]domain.RedemptionRequest, error)

	AddLedgerEntry(ctx context.Context, e domain.LedgerEntry) error
	ListLedgerEntries(ctx context.Context, accountID int64) ([]domain.LedgerEntry, error)

	CreateSettlement(ctx context.Context, s *domain.Settlement) error
	UpdateSettlement(ctx context.Context, id int64, from, to domain.Status, txHash, reason string) error
	ListPendingSettlements(ctx context.Context, afterID int64, limit int) ([]domain.Settlement, error)

	CreateRefund(ctx context.Context, r *domain.RefundRecord) error
	GetRefundByHash(ctx context.Context, txHash string) (*domain.RefundRecord, error)
	ListPendingRefunds(ctx context.Context, since time.Time, afterID int64, limit int) ([]domain.RefundRecord, error)
	CompleteRefund(ctx context.Context, id int64, status domain.Status, reason string, block *uint64) error
}

type DisbursementRepo interface {
	ListSettledTransferRefs(ctx context.Context, prefix string) ([]string, error)
	// ListOpenTransferRefs covers PENDING and SUCCESS transfers.
	ListOpenTransferRefs(ctx context.Context, prefix string) ([]string, error)
	FindPendingTransferByRef(ctx context.Context, ref string) (*domain.Transfer, error)
	HasConfirmedTransfer(ctx context.Context, ref, txHash, from string) (bool, error)
	ListPendingTransfers(ctx context.Context, ref, txHash string) ([]domain.Transfer, error)
	AssignTransferHash(ctx context.Context, ref, txHash, from string) (int64, error)
	MarkTransferSuccess(ctx context.Context, id int64, txHash, amount string, currencyUnitID *int64) error
	MarkTransferRequestPaid(ctx context.Context, requestID int64) error
	AddTransferHistory(ctx context.Context, h domain.TransferRequestHistory) error
	FindCurrencyUnit(ctx context.Context, name string) (int64, error)
	ListStaleTransferHashes(ctx context.Context, before time.Time, after string, limit int) ([]string, error)
	FailTransfersByHash(ctx context.Context, txHash string) ([]domain.Transfer, error)

	GetTransferRequests(ctx context.Context, publicIDs []string) ([]domain.TransferRequest, error)
	GetActiveTransfer(ctx context.Context, requestID int64) (*domain.Transfer, error)
	CreateTransfer(ctx context.Context, t *domain.Transfer) error
	TouchTransfer(ctx context.Context, id int64) error
	DeactivateTransfer(ctx context.Context, id int64) error
}

// ReceiptSource returns nil, nil for transactions that are not mined yet.
type ReceiptSource interface {
	Receipt(ctx context.Context, txHash string) (*types.Receipt, error)
}

type WithdrawalSubmitter interface {
	SubmitWithdrawal(ctx context.Context, contract, recipient string, amount *big.Int) (string, error)
}

type LegacyLedger interface {
	FetchPayments(ctx context.Context, prefix string, known []string) ([]domain.ExternalPayment, error)
}

type TokenIssuer interface {
	Issue(subjectID, issuer string, issuedAt, expiresAt time.Time, h height.Height) (string, error)
}

type Notifier interface {
	Notify(ctx context.Context, msg notify.Message) error
}

// Cipher protects PII columns (amounts, emails) at rest.
type Cipher interface {
	Encrypt(plain string) (string, error)
	Decrypt(encoded string) (string, error)
}
