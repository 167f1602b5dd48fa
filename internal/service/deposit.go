package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/punchamoorthee/creditledger/internal/chain"
	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/height"
)

// WindowPolicy decides the withdraw and refund windows after a deposit.
type WindowPolicy struct {
	WithdrawPeriod time.Duration
	LockPeriod     time.Duration
	GracePeriod    time.Duration
	// Deposits below MinExtensionAmount leave an open window untouched.
	// Zero means every deposit extends.
	MinExtensionAmount height.Height
}

func DefaultWindowPolicy() WindowPolicy {
	return WindowPolicy{
		WithdrawPeriod: 30 * 24 * time.Hour,
		LockPeriod:     24 * time.Hour,
		GracePeriod:    24 * time.Hour,
	}
}

type Window struct {
	StartsAt       time.Time
	ExpiresAt      time.Time
	RefundStartsAt time.Time
}

// Next returns the window in force once amount has been credited to acct.
// hasPrior reports whether acct already had a successful deposit.
func (p WindowPolicy) Next(acct *domain.LedgerAccount, hasPrior bool, amount height.Height, now time.Time) Window {
	fresh := !hasPrior ||
		acct.WithdrawExpiresAt == nil ||
		acct.RefundStartsAt == nil ||
		!now.Before(*acct.RefundStartsAt)
	if fresh {
		expires := now.Add(p.WithdrawPeriod)
		return Window{
			StartsAt:       now,
			ExpiresAt:      expires,
			RefundStartsAt: expires.Add(p.LockPeriod + p.GracePeriod),
		}
	}

	start := now
	if acct.WithdrawStartsAt != nil {
		start = *acct.WithdrawStartsAt
	}
	if amount.Cmp(p.MinExtensionAmount) < 0 {
		return Window{StartsAt: start, ExpiresAt: *acct.WithdrawExpiresAt, RefundStartsAt: *acct.RefundStartsAt}
	}
	expires := acct.WithdrawExpiresAt.Add(p.WithdrawPeriod)
	return Window{
		StartsAt:       start,
		ExpiresAt:      expires,
		RefundStartsAt: expires.Add(p.GracePeriod),
	}
}

type DepositConfig struct {
	Issuer     string
	StaleAfter time.Duration
	BatchSize  int
	Windows    WindowPolicy
}

func (c *DepositConfig) applyDefaults() {
	if c.StaleAfter <= 0 {
		c.StaleAfter = 24 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Windows.WithdrawPeriod <= 0 {
		c.Windows = DefaultWindowPolicy()
	}
}

// DepositIntent registers a deposit transaction the user has broadcast.
// Amount is optional; when set the on-chain amount must equal it.
type DepositIntent struct {
	UserID     int64         `json:"user_id"`
	ReceiverID int64         `json:"receiver_id"`
	Contract   string        `json:"contract_address"`
	TxHash     string        `json:"tx_hash"`
	Amount     height.Height `json:"amount"`
}

type DepositService struct {
	store    Store
	receipts ReceiptSource
	issuer   TokenIssuer
	cfg      DepositConfig
	options
}

func NewDepositService(store Store, receipts ReceiptSource, issuer TokenIssuer, cfg DepositConfig, opts ...Option) *DepositService {
	cfg.applyDefaults()
	return &DepositService{store: store, receipts: receipts, issuer: issuer, cfg: cfg, options: buildOptions(opts)}
}

func validTxHash(h string) bool {
	b, err := hexutil.Decode(h)
	return err == nil && len(b) == common.HashLength
}

// Register records a PENDING deposit. Registering the same hash twice returns
// the first record.
func (s *DepositService) Register(ctx context.Context, in DepositIntent) (*domain.DepositRecord, error) {
	if in.UserID <= 0 || in.ReceiverID <= 0 {
		return nil, domain.Invalid("user and receiver are required", nil)
	}
	if !common.IsHexAddress(in.Contract) {
		return nil, domain.Invalid("contract address is invalid", nil)
	}
	if !validTxHash(in.TxHash) {
		return nil, domain.Invalid("transaction hash is invalid", nil)
	}
	txHash := strings.ToLower(in.TxHash)
	contract := strings.ToLower(in.Contract)

	var out *domain.DepositRecord
	err := s.store.InTx(ctx, func(r Repo) error {
		acct, err := r.UpsertAccount(ctx, in.UserID, in.ReceiverID, contract)
		if err != nil {
			return err
		}
		existing, err := r.GetDepositByHash(ctx, txHash)
		switch {
		case err == nil:
			if existing.AccountID != acct.ID {
				return domain.Conflict(domain.CodeConflict, "transaction already registered for another account")
			}
			out = existing
			return nil
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}

		d := &domain.DepositRecord{
			AccountID: acct.ID,
			TxHash:    txHash,
			Amount:    in.Amount,
			Status:    domain.StatusPending,
			CreatedAt: s.now(),
		}
		if err := r.CreateDeposit(ctx, d); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ProcessPending advances every recent PENDING deposit from its chain
// receipt, BatchSize records at a time.
func (s *DepositService) ProcessPending(ctx context.Context) (BatchResult, error) {
	since := s.now().Add(-s.cfg.StaleAfter)
	t := &tally{}
	found, err := walk(ctx, s.cfg.BatchSize,
		func(after int64) ([]domain.DepositRecord, error) {
			var page []domain.DepositRecord
			err := s.store.InTx(ctx, func(r Repo) error {
				var err error
				page, err = r.ListPendingDeposits(ctx, since, after, s.cfg.BatchSize)
				return err
			})
			return page, err
		},
		func(d domain.DepositRecord) int64 { return d.ID },
		func(page []domain.DepositRecord) {
			fanOut(ctx, s.parallelism, page, func(ctx context.Context, d domain.DepositRecord) {
				o := s.processDeposit(ctx, d)
				depositsProcessed.WithLabelValues(o.String()).Inc()
				t.add(o)
			})
		})
	t.res.Found = found
	if err != nil {
		return t.res, fmt.Errorf("list pending deposits: %w", err)
	}
	return t.res, nil
}

func (s *DepositService) processDeposit(ctx context.Context, d domain.DepositRecord) outcome {
	log := s.logger.With(zap.Int64("deposit_id", d.ID), zap.String("tx_hash", d.TxHash))

	// 1. Receipt
	receipt, err := s.receipts.Receipt(ctx, d.TxHash)
	if err != nil {
		log.Warn("receipt lookup failed", zap.Error(err))
		return outcomeErrored
	}
	if receipt == nil {
		return outcomeSkipped
	}
	block := blockNumber(receipt)

	// 2. Reverted transactions are terminal
	if receipt.Status != types.ReceiptStatusSuccessful {
		if err := s.failDeposit(ctx, d, "transaction reverted", block); err != nil {
			log.Error("failed to mark deposit failed", zap.Error(err))
			return outcomeErrored
		}
		log.Info("deposit failed on chain")
		return outcomeFailed
	}

	now := s.now()
	var failReason string
	err = s.store.InTx(ctx, func(r Repo) error {
		acct, err := r.LockAccount(ctx, d.AccountID)
		if err != nil {
			return err
		}

		// 3. Decode the credited amount
		ev, err := chain.DecodeDeposit(receipt, acct.ContractAddress)
		if err != nil {
			failReason = err.Error()
			return r.CompleteDeposit(ctx, d.ID, domain.StatusFailed, failReason, block)
		}
		if ev.Amount.IsZero() {
			failReason = "deposit amount is zero"
			return r.CompleteDeposit(ctx, d.ID, domain.StatusFailed, failReason, block)
		}
		if !d.Amount.IsZero() && d.Amount.Cmp(ev.Amount) != 0 {
			failReason = fmt.Sprintf("amount mismatch: expected %s, received %s", d.Amount, ev.Amount)
			return r.CompleteDeposit(ctx, d.ID, domain.StatusFailed, failReason, block)
		}
		newTotal := acct.TotalHeight.Add(ev.Amount)

		// 4. Window
		hasPrior, err := r.HasSuccessfulDeposit(ctx, acct.ID)
		if err != nil {
			return err
		}
		win := s.cfg.Windows.Next(acct, hasPrior, ev.Amount, now)

		// 5. Commit the credit
		if err := r.CompleteDeposit(ctx, d.ID, domain.StatusSuccess, "", block); err != nil {
			return err
		}
		redeemable, err := newTotal.Sub(acct.Redeemed())
		if err != nil {
			return domain.Corruption("redeemed exceeds new height", err)
		}
		tok := &domain.RedemptionToken{
			PublicID:   uuid.NewString(),
			AccountID:  acct.ID,
			Height:     newTotal,
			Amount:     redeemable,
			Redeemable: true,
			CreatedAt:  now,
		}
		tok.Token, err = s.issuer.Issue(tok.PublicID, s.cfg.Issuer, win.StartsAt, win.ExpiresAt, newTotal)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		if err := r.CreateToken(ctx, tok); err != nil {
			return err
		}
		if err := r.AddLedgerEntry(ctx, domain.LedgerEntry{
			AccountID: acct.ID,
			Type:      domain.EntryDeposit,
			Amount:    ev.Amount,
			Reference: d.TxHash,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		acct.TotalHeight = newTotal
		acct.WithdrawStartsAt = &win.StartsAt
		acct.WithdrawExpiresAt = &win.ExpiresAt
		acct.RefundStartsAt = &win.RefundStartsAt
		acct.CurrentTokenID = &tok.ID
		if err := acct.CheckInvariant(); err != nil {
			return err
		}
		return r.UpdateAccount(ctx, acct)
	})
	if err != nil {
		if errors.Is(err, domain.ErrCorruption) {
			corruptionTotal.Inc()
			log.Error("deposit left account inconsistent", zap.Error(err))
		} else {
			log.Warn("deposit ingestion aborted", zap.Error(err))
		}
		return outcomeErrored
	}
	if failReason != "" {
		log.Info("deposit rejected", zap.String("reason", failReason))
		return outcomeFailed
	}
	log.Info("deposit credited", zap.Int64("account_id", d.AccountID))
	return outcomeSucceeded
}

func (s *DepositService) failDeposit(ctx context.Context, d domain.DepositRecord, reason string, block *uint64) error {
	return s.store.InTx(ctx, func(r Repo) error {
		return r.CompleteDeposit(ctx, d.ID, domain.StatusFailed, reason, block)
	})
}

func blockNumber(r *types.Receipt) *uint64 {
	if r.BlockNumber == nil {
		return nil
	}
	n := r.BlockNumber.Uint64()
	return &n
}
