package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/punchamoorthee/creditledger/internal/chain"
	"github.com/punchamoorthee/creditledger/internal/domain"
)

type RefundConfig struct {
	StaleAfter time.Duration
	BatchSize  int
}

// RefundService returns unredeemed credit to the depositor once the refund
// window opens.
type RefundService struct {
	store    Store
	receipts ReceiptSource
	cfg      RefundConfig
	options
}

func NewRefundService(store Store, receipts ReceiptSource, cfg RefundConfig, opts ...Option) *RefundService {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &RefundService{store: store, receipts: receipts, cfg: cfg, options: buildOptions(opts)}
}

// Request records the depositor's refund transaction. The refund claims the
// whole remaining height.
func (s *RefundService) Request(ctx context.Context, accountID int64, txHash string) (*domain.RefundRecord, error) {
	if !validTxHash(txHash) {
		return nil, domain.Invalid("transaction hash is invalid", nil)
	}
	txHash = strings.ToLower(txHash)
	now := s.now()

	var out *domain.RefundRecord
	err := s.store.InTx(ctx, func(r Repo) error {
		existing, err := r.GetRefundByHash(ctx, txHash)
		switch {
		case err == nil:
			if existing.AccountID != accountID {
				return domain.Conflict(domain.CodeConflict, "transaction already registered for another account")
			}
			out = existing
			return nil
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}

		acct, err := r.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if acct.RefundStartsAt == nil || now.Before(*acct.RefundStartsAt) {
			return domain.Conflict(domain.CodeRefundNotOpen, "refund window is not open yet")
		}
		remaining, err := acct.Remaining()
		if err != nil {
			return domain.Corruption("account totals exceed height", err)
		}
		if remaining.IsZero() {
			return domain.Conflict(domain.CodeNothingToRefund, "nothing left to refund")
		}
		rec := &domain.RefundRecord{
			AccountID: acct.ID,
			TxHash:    txHash,
			Amount:    remaining,
			Status:    domain.StatusPending,
			CreatedAt: now,
		}
		if err := r.CreateRefund(ctx, rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ConfirmPending applies refunds whose transactions have been mined.
func (s *RefundService) ConfirmPending(ctx context.Context) (BatchResult, error) {
	since := s.now().Add(-s.cfg.StaleAfter)
	t := &tally{}
	found, err := walk(ctx, s.cfg.BatchSize,
		func(after int64) ([]domain.RefundRecord, error) {
			var page []domain.RefundRecord
			err := s.store.InTx(ctx, func(r Repo) error {
				var err error
				page, err = r.ListPendingRefunds(ctx, since, after, s.cfg.BatchSize)
				return err
			})
			return page, err
		},
		func(rec domain.RefundRecord) int64 { return rec.ID },
		func(page []domain.RefundRecord) {
			fanOut(ctx, s.parallelism, page, func(ctx context.Context, rec domain.RefundRecord) {
				t.add(s.confirm(ctx, rec))
			})
		})
	t.res.Found = found
	if err != nil {
		return t.res, fmt.Errorf("list pending refunds: %w", err)
	}
	return t.res, nil
}

func (s *RefundService) confirm(ctx context.Context, rec domain.RefundRecord) outcome {
	log := s.logger.With(zap.Int64("refund_id", rec.ID), zap.String("tx_hash", rec.TxHash))
	receipt, err := s.receipts.Receipt(ctx, rec.TxHash)
	if err != nil {
		log.Warn("receipt lookup failed", zap.Error(err))
		return outcomeErrored
	}
	if receipt == nil {
		return outcomeSkipped
	}
	block := blockNumber(receipt)

	if receipt.Status != types.ReceiptStatusSuccessful {
		if err := s.store.InTx(ctx, func(r Repo) error {
			return r.CompleteRefund(ctx, rec.ID, domain.StatusFailed, "transaction reverted", block)
		}); err != nil {
			log.Warn("refund update failed", zap.Error(err))
			return outcomeErrored
		}
		return outcomeFailed
	}

	now := s.now()
	var failReason string
	err = s.store.InTx(ctx, func(r Repo) error {
		acct, err := r.LockAccount(ctx, rec.AccountID)
		if err != nil {
			return err
		}
		ev, err := chain.DecodeRefund(receipt, acct.ContractAddress)
		if err != nil {
			failReason = err.Error()
			return r.CompleteRefund(ctx, rec.ID, domain.StatusFailed, failReason, block)
		}
		remaining, err := acct.Remaining()
		if err != nil {
			return domain.Corruption("account totals exceed height", err)
		}
		if ev.Amount.Cmp(remaining) > 0 {
			return domain.Corruption(fmt.Sprintf("refund of %s exceeds remaining %s", ev.Amount, remaining), nil)
		}

		if err := r.CompleteRefund(ctx, rec.ID, domain.StatusSuccess, "", block); err != nil {
			return err
		}
		acct.TotalRefunds = acct.TotalRefunds.Add(ev.Amount)
		if err := acct.CheckInvariant(); err != nil {
			return err
		}
		if err := r.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		if err := r.AddLedgerEntry(ctx, domain.LedgerEntry{
			AccountID: acct.ID,
			Type:      domain.EntryRefund,
			Amount:    ev.Amount,
			Reference: rec.TxHash,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		_, err = r.RevokeTokens(ctx, acct.ID)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrCorruption) {
			corruptionTotal.Inc()
			log.Error("refund blocked by ledger corruption", zap.Error(err))
		} else {
			log.Warn("refund confirmation aborted", zap.Error(err))
		}
		return outcomeErrored
	}
	if failReason != "" {
		log.Info("refund rejected", zap.String("reason", failReason))
		return outcomeFailed
	}
	log.Info("refund applied", zap.Int64("account_id", rec.AccountID))
	return outcomeSucceeded
}
