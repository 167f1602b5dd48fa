package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/height"
)

func TestRefundWindow(t *testing.T) {
	f := newLedgerFixture(t)
	f.deposit(1000)
	acct := f.account()

	_, err := f.refunds.Request(context.Background(), acct.ID, txHash(500))
	require.Equal(t, domain.CodeRefundNotOpen, domain.CodeOf(err))

	f.clock.Advance(32 * 24 * time.Hour)
	rec, err := f.refunds.Request(context.Background(), acct.ID, txHash(500))
	require.NoError(t, err)
	require.Equal(t, "1000", rec.Amount.String())

	again, err := f.refunds.Request(context.Background(), acct.ID, txHash(500))
	require.NoError(t, err)
	require.Equal(t, rec.ID, again.ID)
}

func TestRefundConfirm(t *testing.T) {
	f := newLedgerFixture(t)
	f.deposit(1000)
	f.deposit(500)
	_, err := f.redeemer.Redeem(context.Background(), f.currentToken().Token, testWallet)
	require.NoError(t, err)
	f.deposit(300)
	acct := f.account()
	f.clock.Advance(acct.RefundStartsAt.Sub(f.clock.Now()))

	rec, err := f.refunds.Request(context.Background(), acct.ID, txHash(600))
	require.NoError(t, err)
	require.Equal(t, "300", rec.Amount.String())

	res, err := f.refunds.ConfirmPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, BatchResult{Found: 1, Skipped: 1}, res)

	f.receipts.set(rec.TxHash, refundReceipt(t, rec.Amount))
	res, err = f.refunds.ConfirmPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, BatchResult{Found: 1, Succeeded: 1}, res)

	acct = f.account()
	require.Equal(t, "300", acct.TotalRefunds.String())
	remaining, err := acct.Remaining()
	require.NoError(t, err)
	require.True(t, remaining.IsZero())
	require.False(t, f.currentToken().Redeemable)

	_, err = f.refunds.Request(context.Background(), acct.ID, txHash(601))
	require.Equal(t, domain.CodeNothingToRefund, domain.CodeOf(err))
}

func TestRefundExceedingRemainingIsCorruption(t *testing.T) {
	f := newLedgerFixture(t)
	f.deposit(100)
	f.clock.Advance(33 * 24 * time.Hour)
	acct := f.account()
	rec, err := f.refunds.Request(context.Background(), acct.ID, txHash(700))
	require.NoError(t, err)

	f.receipts.set(rec.TxHash, refundReceipt(t, height.FromUint64(101)))
	res, err := f.refunds.ConfirmPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Errored)
	require.True(t, f.account().TotalRefunds.IsZero())
	f.store.view(func(st *memState) {
		require.Equal(t, domain.StatusPending, st.refunds[rec.ID].Status)
	})
}

func TestRefundReverted(t *testing.T) {
	f := newLedgerFixture(t)
	f.deposit(100)
	f.clock.Advance(33 * 24 * time.Hour)
	rec, err := f.refunds.Request(context.Background(), f.account().ID, txHash(800))
	require.NoError(t, err)
	f.receipts.set(rec.TxHash, revertedReceipt())

	res, err := f.refunds.ConfirmPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.True(t, f.account().TotalRefunds.IsZero())
}
