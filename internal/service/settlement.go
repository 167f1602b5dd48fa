package service

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/punchamoorthee/creditledger/internal/chain"
	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/notify"
)

type SettlementConfig struct {
	BatchSize      int
	OperatorEmails []string
}

// SettlementService releases redeemed credit on chain.
type SettlementService struct {
	store     Store
	submitter WithdrawalSubmitter
	receipts  ReceiptSource
	notifier  Notifier
	cfg       SettlementConfig
	options
}

func NewSettlementService(store Store, submitter WithdrawalSubmitter, receipts ReceiptSource, notifier Notifier, cfg SettlementConfig, opts ...Option) *SettlementService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &SettlementService{
		store:     store,
		submitter: submitter,
		receipts:  receipts,
		notifier:  notifier,
		cfg:       cfg,
		options:   buildOptions(opts),
	}
}

// Settle submits the withdrawal for one RedemptionRequest. The settlement row
// is reserved before submission; a second call returns ALREADY_SETTLED
// without touching the chain.
func (s *SettlementService) Settle(ctx context.Context, requestID int64) (*domain.Settlement, error) {
	var st *domain.Settlement
	err := s.store.InTx(ctx, func(r Repo) error {
		req, err := r.GetRedemption(ctx, requestID)
		if err != nil {
			return err
		}
		acct, err := r.GetAccount(ctx, req.AccountID)
		if err != nil {
			return err
		}
		st = &domain.Settlement{
			RedemptionRequestID: req.ID,
			AccountID:           acct.ID,
			ContractAddress:     acct.ContractAddress,
			ToAddress:           req.WalletAddress,
			Amount:              req.Amount,
			Status:              domain.StatusPending,
			CreatedAt:           s.now(),
		}
		return r.CreateSettlement(ctx, st)
	})
	if err != nil {
		return nil, err
	}

	log := s.logger.With(zap.Int64("settlement_id", st.ID), zap.Int64("redemption_id", requestID))
	hash, err := s.submitter.SubmitWithdrawal(ctx, st.ContractAddress, st.ToAddress, st.Amount.Big())
	if err != nil {
		log.Error("withdrawal submission failed", zap.Error(err))
		st.Status = domain.StatusFailed
		st.FailReason = err.Error()
		if uerr := s.store.InTx(ctx, func(r Repo) error {
			return r.UpdateSettlement(ctx, st.ID, domain.StatusPending, domain.StatusFailed, "", st.FailReason)
		}); uerr != nil {
			log.Error("failed to record submission failure", zap.Error(uerr))
		}
		s.alert(ctx, st)
		return st, domain.Unavailable("submit withdrawal", err)
	}

	st.TxHash = hash
	if err := s.store.InTx(ctx, func(r Repo) error {
		return r.UpdateSettlement(ctx, st.ID, domain.StatusPending, domain.StatusPending, hash, "")
	}); err != nil {
		// The transaction is on its way; only the bookkeeping is missing.
		log.Error("withdrawal submitted but hash not recorded", zap.String("tx_hash", hash), zap.Error(err))
		return st, err
	}
	log.Info("withdrawal pending", zap.String("tx_hash", hash))
	return st, nil
}

// SettlePending submits withdrawals for redemptions without a settlement.
// Submissions are sequential since they share one signing nonce.
func (s *SettlementService) SettlePending(ctx context.Context) (BatchResult, error) {
	var reqs []domain.RedemptionRequest
	if err := s.store.InTx(ctx, func(r Repo) error {
		var err error
		reqs, err = r.ListUnsettledRedemptions(ctx, s.cfg.BatchSize)
		return err
	}); err != nil {
		return BatchResult{}, fmt.Errorf("list unsettled redemptions: %w", err)
	}

	res := BatchResult{Found: len(reqs)}
	for _, req := range reqs {
		if ctx.Err() != nil {
			break
		}
		st, err := s.Settle(ctx, req.ID)
		switch {
		case err == nil:
			res.Succeeded++
		case st != nil && st.Status == domain.StatusFailed:
			res.Failed++
		case domain.CodeOf(err) == domain.CodeAlreadySettled:
			res.Skipped++
		default:
			s.logger.Warn("settlement aborted", zap.Int64("redemption_id", req.ID), zap.Error(err))
			res.Errored++
		}
	}
	return res, nil
}

// ConfirmPending polls receipts of submitted withdrawals. A reverted
// withdrawal is marked FAILED for operator follow-up; the redeemed height is
// not returned to the account.
func (s *SettlementService) ConfirmPending(ctx context.Context) (BatchResult, error) {
	t := &tally{}
	found, err := walk(ctx, s.cfg.BatchSize,
		func(after int64) ([]domain.Settlement, error) {
			var page []domain.Settlement
			err := s.store.InTx(ctx, func(r Repo) error {
				var err error
				page, err = r.ListPendingSettlements(ctx, after, s.cfg.BatchSize)
				return err
			})
			return page, err
		},
		func(st domain.Settlement) int64 { return st.ID },
		func(page []domain.Settlement) {
			fanOut(ctx, s.parallelism, page, func(ctx context.Context, st domain.Settlement) {
				t.add(s.confirm(ctx, st))
			})
		})
	t.res.Found = found
	if err != nil {
		return t.res, fmt.Errorf("list pending settlements: %w", err)
	}
	return t.res, nil
}

func (s *SettlementService) confirm(ctx context.Context, st domain.Settlement) outcome {
	log := s.logger.With(zap.Int64("settlement_id", st.ID), zap.String("tx_hash", st.TxHash))
	receipt, err := s.receipts.Receipt(ctx, st.TxHash)
	if err != nil {
		log.Warn("receipt lookup failed", zap.Error(err))
		return outcomeErrored
	}
	if receipt == nil {
		return outcomeSkipped
	}

	status, reason, o := domain.StatusSuccess, "", outcomeSucceeded
	if receipt.Status != types.ReceiptStatusSuccessful {
		status, reason, o = domain.StatusFailed, "transaction reverted", outcomeFailed
	} else if reason = withdrawalMismatch(receipt, &st); reason != "" {
		status, o = domain.StatusFailed, outcomeFailed
	}
	if err := s.store.InTx(ctx, func(r Repo) error {
		return r.UpdateSettlement(ctx, st.ID, domain.StatusPending, status, "", reason)
	}); err != nil {
		log.Warn("settlement update failed", zap.Error(err))
		return outcomeErrored
	}
	if o == outcomeFailed {
		st.Status, st.FailReason = status, reason
		log.Error("withdrawal not confirmed on chain", zap.String("reason", reason))
		s.alert(ctx, &st)
	} else {
		log.Info("withdrawal confirmed")
	}
	return o
}

// withdrawalMismatch reports why a mined receipt does not prove the
// settlement, or "" when it carries the expected WithdrawalMade log.
func withdrawalMismatch(receipt *types.Receipt, st *domain.Settlement) string {
	ev, err := chain.DecodeWithdrawal(receipt, st.ContractAddress)
	if err != nil {
		return err.Error()
	}
	if ev.Amount.Cmp(st.Amount) != 0 {
		return fmt.Sprintf("amount mismatch: expected %s, withdrawn %s", st.Amount, ev.Amount)
	}
	return ""
}

func (s *SettlementService) alert(ctx context.Context, st *domain.Settlement) {
	if len(s.cfg.OperatorEmails) == 0 {
		return
	}
	err := s.notifier.Notify(ctx, notify.Message{
		Kind:    notify.KindSettlementFailed,
		To:      s.cfg.OperatorEmails,
		Subject: "Withdrawal settlement failed",
		Data: map[string]string{
			"settlement_id": strconv.FormatInt(st.ID, 10),
			"redemption_id": strconv.FormatInt(st.RedemptionRequestID, 10),
			"tx_hash":       st.TxHash,
			"reason":        st.FailReason,
		},
	})
	if err != nil {
		s.logger.Warn("operator alert not sent", zap.Error(err))
	}
}
