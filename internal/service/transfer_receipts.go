package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/punchamoorthee/creditledger/internal/chain"
	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/notify"
)

type TransferReceiptConfig struct {
	// SettleDelay is how long a hashed transfer may stay PENDING before its
	// receipt is checked directly.
	SettleDelay      time.Duration
	BatchSize        int
	ControllerEmails []string
}

// TransferReceiptService recovers transfers whose forward event never arrived.
type TransferReceiptService struct {
	store     Store
	receipts  ReceiptSource
	confirmer *ConfirmService
	notifier  Notifier
	cfg       TransferReceiptConfig
	options
}

func NewTransferReceiptService(store Store, receipts ReceiptSource, confirmer *ConfirmService, notifier Notifier, cfg TransferReceiptConfig, opts ...Option) *TransferReceiptService {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &TransferReceiptService{
		store:     store,
		receipts:  receipts,
		confirmer: confirmer,
		notifier:  notifier,
		cfg:       cfg,
		options:   buildOptions(opts),
	}
}

func (s *TransferReceiptService) CheckPending(ctx context.Context) (BatchResult, error) {
	before := s.now().Add(-s.cfg.SettleDelay)
	var (
		mu     sync.Mutex
		failed []domain.Transfer
	)
	t := &tally{}
	found, err := walk(ctx, s.cfg.BatchSize,
		func(after string) ([]string, error) {
			var page []string
			err := s.store.InTx(ctx, func(r Repo) error {
				var err error
				page, err = r.ListStaleTransferHashes(ctx, before, after, s.cfg.BatchSize)
				return err
			})
			return page, err
		},
		func(hash string) string { return hash },
		func(page []string) {
			fanOut(ctx, s.parallelism, page, func(ctx context.Context, hash string) {
				o, ts := s.check(ctx, hash)
				if len(ts) > 0 {
					mu.Lock()
					failed = append(failed, ts...)
					mu.Unlock()
				}
				t.add(o)
			})
		})
	t.res.Found = found

	if len(failed) > 0 {
		s.alertControllers(ctx, failed)
	}
	if err != nil {
		return t.res, fmt.Errorf("list pending transfer hashes: %w", err)
	}
	return t.res, nil
}

func (s *TransferReceiptService) check(ctx context.Context, hash string) (outcome, []domain.Transfer) {
	log := s.logger.With(zap.String("tx_hash", hash))
	receipt, err := s.receipts.Receipt(ctx, hash)
	if err != nil {
		log.Warn("receipt lookup failed", zap.Error(err))
		return outcomeErrored, nil
	}
	if receipt == nil {
		return outcomeSkipped, nil
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		var ts []domain.Transfer
		if err := s.store.InTx(ctx, func(r Repo) error {
			var err error
			ts, err = r.FailTransfersByHash(ctx, hash)
			return err
		}); err != nil {
			log.Warn("failed to mark transfers failed", zap.Error(err))
			return outcomeErrored, nil
		}
		log.Info("transfer transaction reverted", zap.Int("transfers", len(ts)))
		return outcomeFailed, ts
	}

	events, err := chain.DecodeForwards(receipt)
	if err != nil {
		log.Warn("forward events undecodable", zap.Error(err))
		return outcomeErrored, nil
	}
	if len(events) == 0 {
		log.Warn("successful transfer transaction carries no forward event")
		return outcomeSkipped, nil
	}
	for _, ev := range events {
		if _, err := s.confirmer.Resume(ctx, ev); err != nil {
			log.Warn("forward event not applied", zap.String("ref", ev.ID), zap.Error(err))
			return outcomeErrored, nil
		}
	}
	return outcomeSucceeded, nil
}

func (s *TransferReceiptService) alertControllers(ctx context.Context, failed []domain.Transfer) {
	if len(s.cfg.ControllerEmails) == 0 {
		s.logger.Warn("transfers failed and no controller to notify", zap.Int("transfers", len(failed)))
		return
	}
	requests := make([]string, 0, len(failed))
	hashes := make([]string, 0, len(failed))
	seen := map[string]bool{}
	for _, t := range failed {
		requests = append(requests, t.Request.PublicID)
		if !seen[t.TxHash] {
			seen[t.TxHash] = true
			hashes = append(hashes, t.TxHash)
		}
	}
	if err := s.notifier.Notify(ctx, notify.Message{
		Kind:    notify.KindTransferFailed,
		To:      s.cfg.ControllerEmails,
		Subject: "Transfers failed on chain",
		Data: map[string]string{
			"transfer_requests": strings.Join(requests, ","),
			"tx_hashes":         strings.Join(hashes, ","),
		},
	}); err != nil {
		s.logger.Warn("controller notification failed", zap.Error(err))
	}
}
