package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/height"
)

type ConfirmResult struct {
	Noop    bool `json:"noop"`
	Matched int  `json:"matched"`
	Updated int  `json:"updated"`
	Failed  int  `json:"failed"`
}

// ConfirmService settles transfers paid through the multi forwarder.
type ConfirmService struct {
	store Store
	pay   *payments
	options
}

func NewConfirmService(store Store, cipher Cipher, notifier Notifier, cfg PaymentConfig, opts ...Option) *ConfirmService {
	o := buildOptions(opts)
	return &ConfirmService{
		store:   store,
		pay:     &payments{cipher: cipher, notifier: notifier, cfg: cfg, logger: o.logger},
		options: o,
	}
}

func validateForward(ev domain.ForwardEvent) error {
	if ev.ID == "" || ev.TxHash == "" || ev.From == "" {
		return domain.Invalid("event id, from and transaction hash are required", nil)
	}
	if len(ev.To) != len(ev.Value) {
		return domain.Invalid("recipients and values differ in length", nil)
	}
	return nil
}

// Confirm handles a freshly observed forward event. Redelivery of an event
// that was already applied is a no-op.
func (s *ConfirmService) Confirm(ctx context.Context, ev domain.ForwardEvent) (ConfirmResult, error) {
	if err := validateForward(ev); err != nil {
		return ConfirmResult{}, err
	}
	from := strings.ToLower(ev.From)

	var pending []domain.Transfer
	noop := false
	err := s.store.InTx(ctx, func(r Repo) error {
		seen, err := r.HasConfirmedTransfer(ctx, ev.ID, ev.TxHash, from)
		if err != nil {
			return err
		}
		if seen {
			noop = true
			return nil
		}
		n, err := r.AssignTransferHash(ctx, ev.ID, ev.TxHash, from)
		if err != nil {
			return err
		}
		if n == 0 {
			noop = true
			return nil
		}
		pending, err = r.ListPendingTransfers(ctx, ev.ID, ev.TxHash)
		return err
	})
	if err != nil {
		return ConfirmResult{}, err
	}
	if noop {
		s.logger.Debug("forward event already handled", zap.String("ref", ev.ID), zap.String("tx_hash", ev.TxHash))
		return ConfirmResult{Noop: true}, nil
	}
	return s.process(ctx, ev, pending), nil
}

// Resume settles PENDING transfers that already carry the event's hash.
func (s *ConfirmService) Resume(ctx context.Context, ev domain.ForwardEvent) (ConfirmResult, error) {
	if err := validateForward(ev); err != nil {
		return ConfirmResult{}, err
	}
	var pending []domain.Transfer
	if err := s.store.InTx(ctx, func(r Repo) error {
		var err error
		pending, err = r.ListPendingTransfers(ctx, ev.ID, ev.TxHash)
		return err
	}); err != nil {
		return ConfirmResult{}, err
	}
	if len(pending) == 0 {
		return ConfirmResult{Noop: true}, nil
	}
	return s.process(ctx, ev, pending), nil
}

func (s *ConfirmService) process(ctx context.Context, ev domain.ForwardEvent, transfers []domain.Transfer) ConfirmResult {
	var res ConfirmResult
	used := make(map[int64]bool, len(transfers))

	for i, to := range ev.To {
		paid := ev.Value[i]
		for j := range transfers {
			t := &transfers[j]
			if used[t.ID] || !t.Request.RecipientMatches(to) {
				continue
			}
			if !s.amountMatches(t, paid) {
				continue
			}
			used[t.ID] = true
			res.Matched++

			log := s.logger.With(zap.Int64("transfer_id", t.ID), zap.String("tx_hash", ev.TxHash))
			err := s.store.InTx(ctx, func(r Repo) error {
				return s.pay.markPaid(ctx, r, t, ev.TxHash, paid.String())
			})
			if err != nil {
				log.Warn("transfer not confirmed", zap.Error(err))
				res.Failed++
				continue
			}
			res.Updated++
			// Paying yourself does not warrant an email.
			if !strings.EqualFold(ev.From, to) {
				s.pay.notifyPaid(ctx, t, ev.TxHash)
			}
			break
		}
	}
	s.logger.Info("forward event processed",
		zap.String("ref", ev.ID),
		zap.Int("matched", res.Matched),
		zap.Int("updated", res.Updated),
		zap.Int("failed", res.Failed))
	return res
}

func (s *ConfirmService) amountMatches(t *domain.Transfer, paid height.Height) bool {
	plain, err := s.pay.cipher.Decrypt(t.Amount)
	if err != nil {
		s.logger.Warn("transfer amount unreadable", zap.Int64("transfer_id", t.ID), zap.Error(err))
		return false
	}
	want, err := height.Parse(strings.TrimSpace(plain))
	if err != nil {
		s.logger.Warn("transfer amount invalid", zap.Int64("transfer_id", t.ID), zap.Error(err))
		return false
	}
	return want.Cmp(paid) == 0
}
