package service

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/creditledger/internal/chain"
	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/height"
	"github.com/punchamoorthee/creditledger/internal/notify"
	"github.com/punchamoorthee/creditledger/internal/pii"
	"github.com/punchamoorthee/creditledger/internal/token"
)

const (
	testIssuer   = "credit-ledger"
	testContract = "0x00000000000000000000000000000000000000c1"
	testWallet   = "0x00000000000000000000000000000000000000b2"
	testPIIKey   = "0123456789abcdef0123456789abcdef"
)

var (
	t0         = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	oracleAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func txHash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

type fakeReceipts struct {
	mu       sync.Mutex
	receipts map[string]*types.Receipt
	errs     map[string]error
	calls    int
}

func newFakeReceipts() *fakeReceipts {
	return &fakeReceipts{receipts: map[string]*types.Receipt{}, errs: map[string]error{}}
}

func (f *fakeReceipts) Receipt(_ context.Context, hash string) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[hash]; err != nil {
		return nil, err
	}
	return f.receipts[hash], nil
}

func (f *fakeReceipts) set(hash string, r *types.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[hash] = r
}

func (f *fakeReceipts) fail(hash string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[hash] = err
}

func receiptWith(t *testing.T, status uint64, name string, contract string, args ...interface{}) *types.Receipt {
	t.Helper()
	r := &types.Receipt{Status: status, BlockNumber: big.NewInt(100)}
	if name != "" {
		lg, err := chain.EncodeEvent(name, common.HexToAddress(contract), args...)
		require.NoError(t, err)
		r.Logs = []*types.Log{lg}
	}
	return r
}

func depositReceipt(t *testing.T, amount height.Height) *types.Receipt {
	return receiptWith(t, types.ReceiptStatusSuccessful, "DepositMade", testContract,
		oracleAddr, common.HexToAddress(testWallet), amount.Big(), big.NewInt(0))
}

func refundReceipt(t *testing.T, amount height.Height) *types.Receipt {
	return receiptWith(t, types.ReceiptStatusSuccessful, "RefundMade", testContract,
		oracleAddr, common.HexToAddress(testWallet), amount.Big())
}

func revertedReceipt() *types.Receipt {
	return &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(100)}
}

type fakeSubmitter struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeSubmitter) SubmitWithdrawal(_ context.Context, contract, recipient string, amount *big.Int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, fmt.Sprintf("%s:%s:%s", contract, recipient, amount))
	return txHash(9000 + len(f.calls)), nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return n.err
}

func (n *recordingNotifier) sent() []notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Message(nil), n.msgs...)
}

func newTestCipher(t *testing.T) *pii.Cipher {
	t.Helper()
	c, err := pii.New(testPIIKey)
	require.NoError(t, err)
	return c
}

func seal(t *testing.T, c Cipher, plain string) string {
	t.Helper()
	s, err := c.Encrypt(plain)
	require.NoError(t, err)
	return s
}

// ledgerFixture wires deposit ingestion, redemption, settlement and refunds
// over one memStore and one clock.
type ledgerFixture struct {
	t        *testing.T
	store    *memStore
	clock    *testClock
	receipts *fakeReceipts
	codec    *token.Codec
	deposits *DepositService
	redeemer *RedemptionService
	refunds  *RefundService
	nextHash int
	userID   int64
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	clock := &testClock{t: t0}
	codec, err := token.NewHMAC([]byte("test-secret"), token.WithClock(clock.Now))
	require.NoError(t, err)
	f := &ledgerFixture{
		t:        t,
		store:    newMemStore(),
		clock:    clock,
		receipts: newFakeReceipts(),
		codec:    codec,
		userID:   1,
	}
	f.deposits = NewDepositService(f.store, f.receipts, codec, DepositConfig{Issuer: testIssuer}, WithClock(clock.Now))
	f.redeemer = NewRedemptionService(f.store, codec, testIssuer, WithClock(clock.Now))
	f.refunds = NewRefundService(f.store, f.receipts, RefundConfig{}, WithClock(clock.Now))
	f.store.seed(func(st *memState) {
		id := st.id()
		st.providers[id] = domain.StorageProvider{ID: id, WalletAddress: testWallet}
	})
	return f
}

// register adds a PENDING deposit and, when mined is true, its receipt.
func (f *ledgerFixture) register(amount uint64, mined bool) *domain.DepositRecord {
	f.t.Helper()
	f.nextHash++
	hash := txHash(f.nextHash)
	d, err := f.deposits.Register(context.Background(), DepositIntent{
		UserID: f.userID, ReceiverID: 2, Contract: testContract, TxHash: hash,
	})
	require.NoError(f.t, err)
	if mined {
		f.receipts.set(hash, depositReceipt(f.t, height.FromUint64(amount)))
	}
	return d
}

func (f *ledgerFixture) ingest() BatchResult {
	f.t.Helper()
	res, err := f.deposits.ProcessPending(context.Background())
	require.NoError(f.t, err)
	return res
}

func (f *ledgerFixture) deposit(amount uint64) {
	f.t.Helper()
	f.register(amount, true)
	res := f.ingest()
	require.Equal(f.t, 1, res.Succeeded)
}

func (f *ledgerFixture) account() domain.LedgerAccount {
	f.t.Helper()
	var out domain.LedgerAccount
	f.store.view(func(st *memState) {
		require.Len(f.t, st.accounts, 1)
		for _, a := range st.accounts {
			out = a
		}
	})
	return out
}

func (f *ledgerFixture) findAccount() (domain.LedgerAccount, bool) {
	var (
		out domain.LedgerAccount
		ok  bool
	)
	f.store.view(func(st *memState) {
		for _, a := range st.accounts {
			out, ok = a, true
		}
	})
	return out, ok
}

func (f *ledgerFixture) currentToken() domain.RedemptionToken {
	f.t.Helper()
	acct := f.account()
	require.NotNil(f.t, acct.CurrentTokenID)
	var out domain.RedemptionToken
	f.store.view(func(st *memState) {
		out = st.tokens[*acct.CurrentTokenID]
	})
	return out
}
