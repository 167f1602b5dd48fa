package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/punchamoorthee/creditledger/internal/domain"
)

const (
	refPrefix   = "PLREF"
	currencyFIL = "FIL"
	systemRole  = int64(99)
)

type fakeLegacy struct {
	mu    sync.Mutex
	rows  []domain.ExternalPayment
	err   error
	calls int
}

// FetchPayments mimics the legacy query: prefix match minus known refs.
func (f *fakeLegacy) FetchPayments(_ context.Context, prefix string, known []string) ([]domain.ExternalPayment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	skip := map[string]bool{}
	for _, k := range known {
		skip[k] = true
	}
	var out []domain.ExternalPayment
	for _, r := range f.rows {
		if strings.HasPrefix(r.Params, prefix) && !skip[r.Params] {
			out = append(out, r)
		}
	}
	return out, nil
}

var errLegacyDown = errors.New("connection refused")

type disbursementFixture struct {
	t        *testing.T
	store    *memStore
	cipher   Cipher
	notifier *recordingNotifier
	clock    *testClock
}

func newDisbursementFixture(t *testing.T) *disbursementFixture {
	f := &disbursementFixture{
		t:        t,
		store:    newMemStore(),
		cipher:   newTestCipher(t),
		notifier: &recordingNotifier{},
		clock:    &testClock{t: t0},
	}
	f.store.seed(func(st *memState) {
		st.currencies[currencyFIL] = 7
	})
	return f
}

type requestFields struct {
	publicID   string
	actor      string
	robust     string
	wallet     string
	amount     string
	email      string
	visibility domain.Visibility
}

// addRequest stores an APPROVED request and returns its id.
func (f *disbursementFixture) addRequest(in requestFields) int64 {
	f.t.Helper()
	if in.visibility == "" {
		in.visibility = domain.VisibilityExternal
	}
	if in.email == "" {
		in.email = in.publicID + "@example.com"
	}
	req := domain.TransferRequest{
		PublicID:          in.publicID,
		Status:            domain.RequestApproved,
		ActorAddress:      in.actor,
		RobustAddress:     in.robust,
		WalletAddress:     in.wallet,
		Amount:            seal(f.t, f.cipher, in.amount),
		ReceiverEmail:     seal(f.t, f.cipher, in.email),
		ProgramVisibility: in.visibility,
		CreatedAt:         t0,
	}
	var id int64
	f.store.seed(func(st *memState) {
		id = st.id()
		req.ID = id
		st.requests[id] = req
	})
	return id
}

// addTransfer stores a PENDING active transfer for requestID.
func (f *disbursementFixture) addTransfer(requestID int64, ref, hash, from string) int64 {
	f.t.Helper()
	var id int64
	f.store.seed(func(st *memState) {
		id = st.id()
		st.transfers[id] = domain.Transfer{
			ID:                id,
			TransferRequestID: requestID,
			TransferRef:       ref,
			Status:            domain.StatusPending,
			TxHash:            hash,
			From:              from,
			Amount:            st.requests[requestID].Amount,
			IsActive:          true,
			UpdatedAt:         t0,
		}
	})
	return id
}

func (f *disbursementFixture) transfer(id int64) domain.Transfer {
	var t domain.Transfer
	f.store.view(func(st *memState) { t = st.transfers[id] })
	return t
}

func (f *disbursementFixture) request(id int64) domain.TransferRequest {
	var r domain.TransferRequest
	f.store.view(func(st *memState) { r = st.requests[id] })
	return r
}

func (f *disbursementFixture) paymentConfig() PaymentConfig {
	return PaymentConfig{CurrencyUnit: currencyFIL, SystemRoleID: systemRole}
}
