package service

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/notify"
)

type ReconcileConfig struct {
	RefPrefix string
	// AlertEmails receive the unmatched payment report.
	AlertEmails []string
	PaymentConfig
}

// ReconcileService matches legacy ledger payments to pending transfers.
type ReconcileService struct {
	store    Store
	legacy   LegacyLedger
	pay      *payments
	notifier Notifier
	prefix   string
	alertTo  []string
	options
}

func NewReconcileService(store Store, legacy LegacyLedger, cipher Cipher, notifier Notifier, cfg ReconcileConfig, opts ...Option) *ReconcileService {
	o := buildOptions(opts)
	return &ReconcileService{
		store:    store,
		legacy:   legacy,
		pay:      &payments{cipher: cipher, notifier: notifier, cfg: cfg.PaymentConfig, logger: o.logger},
		notifier: notifier,
		prefix:   cfg.RefPrefix,
		alertTo:  cfg.AlertEmails,
		options:  o,
	}
}

// Run reconciles every legacy row carrying the reference prefix that is not
// settled locally yet.
func (s *ReconcileService) Run(ctx context.Context) (domain.ReconcileResult, error) {
	var known []string
	if err := s.store.InTx(ctx, func(r Repo) error {
		var err error
		known, err = r.ListSettledTransferRefs(ctx, s.prefix)
		return err
	}); err != nil {
		return domain.ReconcileResult{}, err
	}

	rows, err := s.legacy.FetchPayments(ctx, s.prefix, known)
	if err != nil {
		return domain.ReconcileResult{}, domain.Unavailable("legacy payment ledger", err)
	}

	var (
		mu  sync.Mutex
		res = domain.ReconcileResult{Found: len(rows)}
	)
	fanOut(ctx, s.parallelism, rows, func(ctx context.Context, row domain.ExternalPayment) {
		// Rows not attempted before cancellation stay in Remaining.
		if ctx.Err() != nil {
			return
		}
		ok := s.reconcileRow(ctx, row)
		mu.Lock()
		defer mu.Unlock()
		if ok {
			res.Updated++
			reconcileRows.WithLabelValues("updated").Inc()
		} else {
			res.Failed++
			reconcileRows.WithLabelValues("failed").Inc()
		}
	})
	res.Remaining = res.Found - res.Updated - res.Failed

	log := s.logger.With(
		zap.Int("found", res.Found),
		zap.Int("updated", res.Updated),
		zap.Int("failed", res.Failed),
		zap.Int("remaining", res.Remaining))
	if res.Found > 0 && res.Failed == res.Found {
		log.Warn("every legacy payment failed to reconcile")
	} else {
		log.Info("legacy reconciliation finished")
	}
	return res, nil
}

func (s *ReconcileService) reconcileRow(ctx context.Context, row domain.ExternalPayment) bool {
	log := s.logger.With(zap.String("ref", row.Params), zap.String("tx_hash", row.Hash))
	var paid *domain.Transfer
	err := s.store.InTx(ctx, func(r Repo) error {
		t, err := r.FindPendingTransferByRef(ctx, row.Params)
		if err != nil {
			return err
		}
		if !t.Request.RecipientMatches(row.Address) {
			return domain.Invalid("payment address does not match receiver", nil)
		}
		if err := s.pay.markPaid(ctx, r, t, row.Hash, row.Amount); err != nil {
			return err
		}
		paid = t
		return nil
	})
	if err != nil {
		log.Warn("legacy payment not reconciled", zap.String("address", row.Address), zap.Error(err))
		return false
	}
	s.pay.notifyPaid(ctx, paid, row.Hash)
	return true
}

// Verify reports legacy payments carrying the prefix that no PENDING or
// SUCCESS transfer knows about. Money left the wallet for them, so operators
// are alerted.
func (s *ReconcileService) Verify(ctx context.Context) ([]domain.ExternalPayment, error) {
	var known []string
	if err := s.store.InTx(ctx, func(r Repo) error {
		var err error
		known, err = r.ListOpenTransferRefs(ctx, s.prefix)
		return err
	}); err != nil {
		return nil, err
	}

	rows, err := s.legacy.FetchPayments(ctx, s.prefix, known)
	if err != nil {
		return nil, domain.Unavailable("legacy payment ledger", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	refs := make([]string, 0, len(rows))
	for _, row := range rows {
		refs = append(refs, row.Params)
	}
	s.logger.Warn("legacy payments without transfer", zap.Strings("refs", refs))
	if len(s.alertTo) == 0 {
		return rows, nil
	}
	if err := s.notifier.Notify(ctx, notify.Message{
		Kind:    notify.KindUnmatchedPayment,
		To:      s.alertTo,
		Subject: "Unmatched legacy payments",
		Data:    map[string]string{"refs": strings.Join(refs, ",")},
	}); err != nil {
		s.logger.Warn("unmatched payment alert failed", zap.Error(err))
	}
	return rows, nil
}
