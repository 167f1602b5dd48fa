package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/token"
)

type TokenVerifier interface {
	Verify(raw, expectedIssuer string) (*token.Claims, error)
}

type RedemptionService struct {
	store    Store
	verifier TokenVerifier
	issuer   string
	options
}

func NewRedemptionService(store Store, verifier TokenVerifier, issuer string, opts ...Option) *RedemptionService {
	return &RedemptionService{store: store, verifier: verifier, issuer: issuer, options: buildOptions(opts)}
}

// Redeem exchanges a redemption token for a RedemptionRequest paying the
// storage provider at wallet. Either every step commits or none does.
func (s *RedemptionService) Redeem(ctx context.Context, raw, wallet string) (*domain.RedemptionRequest, error) {
	req, err := s.redeem(ctx, raw, strings.TrimSpace(wallet))
	result := "ok"
	if err != nil {
		result = domain.CodeOf(err)
		if result == "" {
			result = "error"
		}
	}
	redemptionsTotal.WithLabelValues(result).Inc()
	return req, err
}

func (s *RedemptionService) redeem(ctx context.Context, raw, wallet string) (*domain.RedemptionRequest, error) {
	if raw == "" || wallet == "" {
		return nil, domain.Invalid("token and wallet address are required", nil)
	}

	// 1. Signature, expiry, issuer
	claims, err := s.verifier.Verify(raw, s.issuer)
	if err != nil {
		return nil, domain.Invalid("token verification failed", err)
	}

	now := s.now()
	var out *domain.RedemptionRequest
	err = s.store.InTx(ctx, func(r Repo) error {
		// 2. Token state
		tok, err := r.LockTokenByPublicID(ctx, claims.Subject)
		if err != nil {
			return err
		}
		if !tok.Redeemable {
			return domain.Conflict(domain.CodeAlreadyRedeemed, "token already redeemed")
		}
		if tok.Height.Cmp(claims.Height) != 0 {
			return domain.Invalid("token height does not match ledger", nil)
		}
		acct, err := r.LockAccount(ctx, tok.AccountID)
		if err != nil {
			return err
		}
		if acct.WithdrawExpiresAt == nil || now.After(*acct.WithdrawExpiresAt) {
			return domain.Conflict(domain.CodeExpired, "withdraw window has expired")
		}

		// 3. Counterparty
		sp, err := r.FindStorageProvider(ctx, wallet)
		if err != nil {
			return err
		}

		// 4. Monotonicity
		prior, err := r.LatestRedemption(ctx, acct.ID)
		if err != nil {
			return err
		}
		if prior != nil && prior.Height.Cmp(tok.Height) >= 0 {
			return domain.Conflict(domain.CodeStaleToken, "a bigger token was already redeemed")
		}
		redeemed := acct.Redeemed()
		if tok.Height.Cmp(redeemed) <= 0 {
			return domain.Conflict(domain.CodeStaleToken, "token height already released")
		}
		amount, err := tok.Height.Sub(redeemed)
		if err != nil {
			return domain.Corruption("release amount underflow", err)
		}

		// 5. Overflow
		withdrawals := acct.TotalWithdrawals.Add(amount)
		if withdrawals.Add(acct.TotalRefunds).Cmp(acct.TotalHeight) > 0 {
			return domain.Corruption("withdrawals would exceed total height", nil)
		}

		// 6. Mutate
		if err := r.ConsumeToken(ctx, tok.ID); err != nil {
			return err
		}
		acct.TotalWithdrawals = withdrawals
		if err := acct.CheckInvariant(); err != nil {
			return err
		}
		if err := r.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		req := &domain.RedemptionRequest{
			TokenID:           tok.ID,
			AccountID:         acct.ID,
			StorageProviderID: sp.ID,
			WalletAddress:     sp.WalletAddress,
			Height:            tok.Height,
			Amount:            amount,
			CreatedAt:         now,
		}
		if err := r.CreateRedemption(ctx, req); err != nil {
			return err
		}
		if err := r.AddLedgerEntry(ctx, domain.LedgerEntry{
			AccountID: acct.ID,
			Type:      domain.EntryWithdrawal,
			Amount:    amount,
			Reference: tok.PublicID,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		out = req
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrCorruption) {
			corruptionTotal.Inc()
			s.logger.Error("redemption blocked by ledger corruption",
				zap.String("token", claims.Subject), zap.Error(err))
		}
		return nil, err
	}

	s.logger.Info("token redeemed",
		zap.Int64("account_id", out.AccountID),
		zap.Int64("redemption_id", out.ID),
		zap.String("amount", out.Amount.String()))
	return out, nil
}
