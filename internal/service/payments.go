package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/notify"
)

// PaymentConfig is shared by every pipeline that marks transfers paid.
type PaymentConfig struct {
	CurrencyUnit string
	SystemRoleID int64
}

// payments settles one transfer and tells the receiver about it.
type payments struct {
	cipher   Cipher
	notifier Notifier
	cfg      PaymentConfig
	logger   *zap.Logger
}

// markPaid runs inside the caller's transaction.
func (p *payments) markPaid(ctx context.Context, r Repo, t *domain.Transfer, txHash, amount string) error {
	unitID, err := r.FindCurrencyUnit(ctx, p.cfg.CurrencyUnit)
	if err != nil {
		return fmt.Errorf("currency unit %q: %w", p.cfg.CurrencyUnit, err)
	}
	sealed, err := p.cipher.Encrypt(amount)
	if err != nil {
		return fmt.Errorf("encrypt amount: %w", err)
	}
	if err := r.MarkTransferSuccess(ctx, t.ID, txHash, sealed, &unitID); err != nil {
		return err
	}
	if err := r.MarkTransferRequestPaid(ctx, t.TransferRequestID); err != nil {
		return err
	}
	return r.AddTransferHistory(ctx, domain.TransferRequestHistory{
		TransferRequestID: t.TransferRequestID,
		Field:             "status",
		OldValue:          string(domain.RequestApproved),
		NewValue:          string(domain.RequestPaid),
		UserRoleID:        p.cfg.SystemRoleID,
	})
}

// notifyPaid never fails the caller; delivery problems are logged.
func (p *payments) notifyPaid(ctx context.Context, t *domain.Transfer, txHash string) {
	if t.Request.ProgramVisibility == domain.VisibilityInternal {
		return
	}
	log := p.logger.With(zap.String("transfer_request", t.Request.PublicID))
	email, err := p.cipher.Decrypt(t.Request.ReceiverEmail)
	if err != nil || email == "" {
		log.Warn("receiver email unavailable", zap.Error(err))
		return
	}
	if err := p.notifier.Notify(ctx, notify.Message{
		Kind:    notify.KindTransferPaid,
		To:      []string{email},
		Subject: "Your payment was sent",
		Data: map[string]string{
			"transfer_request": t.Request.PublicID,
			"tx_hash":          txHash,
		},
	}); err != nil {
		log.Warn("payment notification failed", zap.Error(err))
	}
}
