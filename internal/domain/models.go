package domain

import (
	"strings"
	"time"

	"github.com/punchamoorthee/creditledger/internal/height"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

type TransferRequestStatus string

const (
	RequestApproved TransferRequestStatus = "APPROVED"
	RequestPaid     TransferRequestStatus = "PAID"
	RequestFailed   TransferRequestStatus = "FAILED"
)

type Visibility string

const (
	VisibilityExternal Visibility = "EXTERNAL"
	VisibilityInternal Visibility = "INTERNAL"
)

type EntryType string

const (
	EntryDeposit    EntryType = "DEPOSIT"
	EntryWithdrawal EntryType = "WITHDRAWAL"
	EntryRefund     EntryType = "REFUND"
)

// LedgerAccount tracks credit between one user and one receiver on one
// payment channel contract.
type LedgerAccount struct {
	ID                int64         `json:"id"`
	UserID            int64         `json:"user_id"`
	ReceiverID        int64         `json:"receiver_id"`
	ContractAddress   string        `json:"contract_address"`
	TotalHeight       height.Height `json:"total_height"`
	TotalWithdrawals  height.Height `json:"total_withdrawals"`
	TotalRefunds      height.Height `json:"total_refunds"`
	WithdrawStartsAt  *time.Time    `json:"withdraw_starts_at,omitempty"`
	WithdrawExpiresAt *time.Time    `json:"withdraw_expires_at,omitempty"`
	RefundStartsAt    *time.Time    `json:"refund_starts_at,omitempty"`
	CurrentTokenID    *int64        `json:"current_token_id,omitempty"`
}

// Redeemed is the part of the total height already released.
func (a *LedgerAccount) Redeemed() height.Height {
	return a.TotalWithdrawals.Add(a.TotalRefunds)
}

func (a *LedgerAccount) Remaining() (height.Height, error) {
	return height.Remaining(a.TotalHeight, a.TotalWithdrawals, a.TotalRefunds)
}

// CheckInvariant reports withdrawals + refunds exceeding the total height.
func (a *LedgerAccount) CheckInvariant() error {
	if _, err := a.Remaining(); err != nil {
		return Corruption("account totals exceed height", err)
	}
	return nil
}

type DepositRecord struct {
	ID          int64         `json:"id"`
	AccountID   int64         `json:"account_id"`
	TxHash      string        `json:"tx_hash"`
	Amount      height.Height `json:"amount"`
	Status      Status        `json:"status"`
	FailReason  string        `json:"fail_reason,omitempty"`
	BlockNumber *uint64       `json:"block_number,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

type RedemptionToken struct {
	ID         int64         `json:"id"`
	PublicID   string        `json:"public_id"`
	AccountID  int64         `json:"account_id"`
	Height     height.Height `json:"height"`
	Amount     height.Height `json:"amount"`
	Token      string        `json:"token"`
	Redeemable bool          `json:"redeemable"`
	CreatedAt  time.Time     `json:"created_at"`
}

type RedemptionRequest struct {
	ID                int64         `json:"id"`
	TokenID           int64         `json:"token_id"`
	AccountID         int64         `json:"account_id"`
	StorageProviderID int64         `json:"storage_provider_id"`
	WalletAddress     string        `json:"wallet_address"`
	Height            height.Height `json:"height"`
	Amount            height.Height `json:"amount"`
	CreatedAt         time.Time     `json:"created_at"`
}

type StorageProvider struct {
	ID            int64  `json:"id"`
	WalletAddress string `json:"wallet_address"`
}

type Settlement struct {
	ID                  int64         `json:"id"`
	RedemptionRequestID int64         `json:"redemption_request_id"`
	AccountID           int64         `json:"account_id"`
	ContractAddress     string        `json:"contract_address"`
	ToAddress           string        `json:"to_address"`
	Amount              height.Height `json:"amount"`
	TxHash              string        `json:"tx_hash,omitempty"`
	Status              Status        `json:"status"`
	FailReason          string        `json:"fail_reason,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
}

type RefundRecord struct {
	ID          int64         `json:"id"`
	AccountID   int64         `json:"account_id"`
	TxHash      string        `json:"tx_hash"`
	Amount      height.Height `json:"amount"`
	Status      Status        `json:"status"`
	FailReason  string        `json:"fail_reason,omitempty"`
	BlockNumber *uint64       `json:"block_number,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

type LedgerEntry struct {
	AccountID int64         `json:"account_id"`
	Type      EntryType     `json:"type"`
	Amount    height.Height `json:"amount"`
	Reference string        `json:"reference"`
	CreatedAt time.Time     `json:"created_at"`
}

// TransferRequest amount and receiver email are stored encrypted.
type TransferRequest struct {
	ID                int64                 `json:"id"`
	PublicID          string                `json:"public_id"`
	Status            TransferRequestStatus `json:"status"`
	ActorAddress      string                `json:"actor_address"`
	RobustAddress     string                `json:"robust_address"`
	WalletAddress     string                `json:"wallet_address"`
	Amount            string                `json:"-"`
	ReceiverEmail     string                `json:"-"`
	ProgramVisibility Visibility            `json:"program_visibility"`
	CreatedAt         time.Time             `json:"created_at"`
}

// RecipientMatches compares addr against all addresses the receiver may be
// paid at, ignoring case.
func (r *TransferRequest) RecipientMatches(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}
	for _, candidate := range []string{r.ActorAddress, r.RobustAddress, r.WalletAddress} {
		if candidate != "" && strings.EqualFold(candidate, addr) {
			return true
		}
	}
	return false
}

type Transfer struct {
	ID                   int64           `json:"id"`
	TransferRequestID    int64           `json:"transfer_request_id"`
	TransferRef          string          `json:"transfer_ref"`
	Status               Status          `json:"status"`
	TxHash               string          `json:"tx_hash,omitempty"`
	From                 string          `json:"from,omitempty"`
	Amount               string          `json:"-"`
	AmountCurrencyUnitID *int64          `json:"amount_currency_unit_id,omitempty"`
	IsActive             bool            `json:"is_active"`
	UpdatedAt            time.Time       `json:"updated_at"`
	Request              TransferRequest `json:"request"`
}

type TransferRequestHistory struct {
	TransferRequestID int64  `json:"transfer_request_id"`
	Field             string `json:"field"`
	OldValue          string `json:"old_value"`
	NewValue          string `json:"new_value"`
	UserRoleID        int64  `json:"user_role_id"`
}

// ExternalPayment is one row of the legacy payment ledger.
type ExternalPayment struct {
	Address string `json:"address"`
	Params  string `json:"params"`
	Hash    string `json:"hash"`
	Amount  string `json:"amount"`
}

// ForwardEvent is a decoded multi-forwarder payout.
type ForwardEvent struct {
	ID     string          `json:"id"`
	From   string          `json:"from"`
	To     []string        `json:"to"`
	Value  []height.Height `json:"value"`
	TxHash string          `json:"transaction_hash"`
}

type ReconcileResult struct {
	Found     int `json:"found"`
	Updated   int `json:"updated"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}
