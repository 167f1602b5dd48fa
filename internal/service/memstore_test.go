package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/punchamoorthee/creditledger/internal/domain"
)

// memStore is a transactional in-memory Store. Each InTx works on a copy of
// the state and publishes it only when fn succeeds, one transaction at a time.
type memStore struct {
	mu sync.Mutex
	st *memState
}

type memState struct {
	nextID      int64
	accounts    map[int64]domain.LedgerAccount
	deposits    map[int64]domain.DepositRecord
	tokens      map[int64]domain.RedemptionToken
	providers   map[int64]domain.StorageProvider
	redemptions map[int64]domain.RedemptionRequest
	entries     []domain.LedgerEntry
	settlements map[int64]domain.Settlement
	refunds     map[int64]domain.RefundRecord
	requests    map[int64]domain.TransferRequest
	transfers   map[int64]domain.Transfer
	history     []domain.TransferRequestHistory
	currencies  map[string]int64
}

func newMemStore() *memStore {
	return &memStore{st: &memState{
		accounts:    map[int64]domain.LedgerAccount{},
		deposits:    map[int64]domain.DepositRecord{},
		tokens:      map[int64]domain.RedemptionToken{},
		providers:   map[int64]domain.StorageProvider{},
		redemptions: map[int64]domain.RedemptionRequest{},
		settlements: map[int64]domain.Settlement{},
		refunds:     map[int64]domain.RefundRecord{},
		requests:    map[int64]domain.TransferRequest{},
		transfers:   map[int64]domain.Transfer{},
		currencies:  map[string]int64{},
	}}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *memState) clone() *memState {
	return &memState{
		nextID:      s.nextID,
		accounts:    cloneMap(s.accounts),
		deposits:    cloneMap(s.deposits),
		tokens:      cloneMap(s.tokens),
		providers:   cloneMap(s.providers),
		redemptions: cloneMap(s.redemptions),
		entries:     append([]domain.LedgerEntry(nil), s.entries...),
		settlements: cloneMap(s.settlements),
		refunds:     cloneMap(s.refunds),
		requests:    cloneMap(s.requests),
		transfers:   cloneMap(s.transfers),
		history:     append([]domain.TransferRequestHistory(nil), s.history...),
		currencies:  cloneMap(s.currencies),
	}
}

func (s *memState) id() int64 {
	s.nextID++
	return s.nextID
}

func (m *memStore) InTx(ctx context.Context, fn func(Repo) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.st.clone()
	if err := fn(&memRepo{st: work}); err != nil {
		return err
	}
	m.st = work
	return nil
}

// view runs fn against the committed state, for assertions.
func (m *memStore) view(fn func(st *memState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.st)
}

func (m *memStore) seed(fn func(st *memState)) {
	m.view(fn)
}

func sortedIDs[V any](m map[int64]V) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type memRepo struct {
	st *memState
}

func (r *memRepo) UpsertAccount(_ context.Context, userID, receiverID int64, contract string) (*domain.LedgerAccount, error) {
	for _, id := range sortedIDs(r.st.accounts) {
		a := r.st.accounts[id]
		if a.UserID == userID && a.ReceiverID == receiverID && strings.EqualFold(a.ContractAddress, contract) {
			return &a, nil
		}
	}
	a := domain.LedgerAccount{ID: r.st.id(), UserID: userID, ReceiverID: receiverID, ContractAddress: contract}
	r.st.accounts[a.ID] = a
	return &a, nil
}

func (r *memRepo) GetAccount(_ context.Context, id int64) (*domain.LedgerAccount, error) {
	a, ok := r.st.accounts[id]
	if !ok {
		return nil, domain.NotFound("account not found")
	}
	return &a, nil
}

func (r *memRepo) LockAccount(ctx context.Context, id int64) (*domain.LedgerAccount, error) {
	return r.GetAccount(ctx, id)
}

func (r *memRepo) UpdateAccount(_ context.Context, acct *domain.LedgerAccount) error {
	if _, ok := r.st.accounts[acct.ID]; !ok {
		return domain.NotFound("account not found")
	}
	r.st.accounts[acct.ID] = *acct
	return nil
}

func (r *memRepo) CreateDeposit(_ context.Context, d *domain.DepositRecord) error {
	for _, existing := range r.st.deposits {
		if existing.TxHash == d.TxHash {
			return domain.Conflict(domain.CodeConflict, "deposit already registered")
		}
	}
	d.ID = r.st.id()
	r.st.deposits[d.ID] = *d
	return nil
}

func (r *memRepo) GetDepositByHash(_ context.Context, txHash string) (*domain.DepositRecord, error) {
	for _, d := range r.st.deposits {
		if d.TxHash == txHash {
			return &d, nil
		}
	}
	return nil, domain.NotFound("deposit not found")
}

func (r *memRepo) ListPendingDeposits(_ context.Context, since time.Time, afterID int64, limit int) ([]domain.DepositRecord, error) {
	var out []domain.DepositRecord
	for _, id := range sortedIDs(r.st.deposits) {
		d := r.st.deposits[id]
		if id > afterID && d.Status == domain.StatusPending && !d.CreatedAt.Before(since) && len(out) < limit {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *memRepo) HasSuccessfulDeposit(_ context.Context, accountID int64) (bool, error) {
	for _, d := range r.st.deposits {
		if d.AccountID == accountID && d.Status == domain.StatusSuccess {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) CompleteDeposit(_ context.Context, id int64, status domain.Status, reason string, block *uint64) error {
	d, ok := r.st.deposits[id]
	if !ok || d.Status != domain.StatusPending {
		return domain.Conflict(domain.CodeConflict, "deposit is not pending")
	}
	d.Status, d.FailReason, d.BlockNumber = status, reason, block
	r.st.deposits[id] = d
	return nil
}

func (r *memRepo) CreateToken(_ context.Context, t *domain.RedemptionToken) error {
	t.ID = r.st.id()
	r.st.tokens[t.ID] = *t
	return nil
}

func (r *memRepo) LockTokenByPublicID(_ context.Context, publicID string) (*domain.RedemptionToken, error) {
	for _, t := range r.st.tokens {
		if t.PublicID == publicID {
			return &t, nil
		}
	}
	return nil, domain.NotFound("token not found")
}

func (r *memRepo) ConsumeToken(_ context.Context, id int64) error {
	t, ok := r.st.tokens[id]
	if !ok || !t.Redeemable {
		return domain.Conflict(domain.CodeAlreadyRedeemed, "token already redeemed")
	}
	t.Redeemable = false
	r.st.tokens[id] = t
	return nil
}

func (r *memRepo) RevokeTokens(_ context.Context, accountID int64) (int64, error) {
	var n int64
	for id, t := range r.st.tokens {
		if t.AccountID == accountID && t.Redeemable {
			t.Redeemable = false
			r.st.tokens[id] = t
			n++
		}
	}
	return n, nil
}

func (r *memRepo) FindStorageProvider(_ context.Context, wallet string) (*domain.StorageProvider, error) {
	for _, sp := range r.st.providers {
		if strings.EqualFold(sp.WalletAddress, wallet) {
			return &sp, nil
		}
	}
	return nil, domain.NotFound("storage provider not found")
}

func (r *memRepo) LatestRedemption(_ context.Context, accountID int64) (*domain.RedemptionRequest, error) {
	var latest *domain.RedemptionRequest
	for _, id := range sortedIDs(r.st.redemptions) {
		req := r.st.redemptions[id]
		if req.AccountID == accountID {
			latest = &req
		}
	}
	return latest, nil
}

func (r *memRepo) CreateRedemption(_ context.Context, req *domain.RedemptionRequest) error {
	for _, existing := range r.st.redemptions {
		if existing.TokenID == req.TokenID {
			return domain.Conflict(domain.CodeAlreadyRedeemed, "token already redeemed")
		}
	}
	req.ID = r.st.id()
	r.st.redemptions[req.ID] = *req
	return nil
}

func (r *memRepo) GetRedemption(_ context.Context, id int64) (*domain.RedemptionRequest, error) {
	req, ok := r.st.redemptions[id]
	if !ok {
		return nil, domain.NotFound("redemption request not found")
	}
	return &req, nil
}

func (r *memRepo) ListUnsettledRedemptions(_ context.Context, limit int) ([]domain.RedemptionRequest, error) {
	settled := map[int64]bool{}
	for _, s := range r.st.settlements {
		settled[s.RedemptionRequestID] = true
	}
	var out []domain.RedemptionRequest
	for _, id := range sortedIDs(r.st.redemptions) {
		if !settled[id] && len(out) < limit {
			out = append(out, r.st.redemptions[id])
		}
	}
	return out, nil
}

func (r *memRepo) AddLedgerEntry(_ context.Context, e domain.LedgerEntry) error {
	r.st.entries = append(r.st.entries, e)
	return nil
}

func (r *memRepo) ListLedgerEntries(_ context.Context, accountID int64) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	for _, e := range r.st.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memRepo) CreateSettlement(_ context.Context, s *domain.Settlement) error {
	for _, existing := range r.st.settlements {
		if existing.RedemptionRequestID == s.RedemptionRequestID {
			return domain.Conflict(domain.CodeAlreadySettled, "redemption already settled")
		}
	}
	s.ID = r.st.id()
	r.st.settlements[s.ID] = *s
	return nil
}

func (r *memRepo) UpdateSettlement(_ context.Context, id int64, from, to domain.Status, txHash, reason string) error {
	s, ok := r.st.settlements[id]
	if !ok || s.Status != from {
		return domain.Conflict(domain.CodeConflict, "settlement changed concurrently")
	}
	s.Status = to
	if txHash != "" {
		s.TxHash = txHash
	}
	s.FailReason = reason
	r.st.settlements[id] = s
	return nil
}

func (r *memRepo) ListPendingSettlements(_ context.Context, afterID int64, limit int) ([]domain.Settlement, error) {
	var out []domain.Settlement
	for _, id := range sortedIDs(r.st.settlements) {
		s := r.st.settlements[id]
		if id > afterID && s.Status == domain.StatusPending && s.TxHash != "" && len(out) < limit {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memRepo) CreateRefund(_ context.Context, rec *domain.RefundRecord) error {
	for _, existing := range r.st.refunds {
		if existing.TxHash == rec.TxHash {
			return domain.Conflict(domain.CodeConflict, "refund already registered")
		}
	}
	rec.ID = r.st.id()
	r.st.refunds[rec.ID] = *rec
	return nil
}

func (r *memRepo) GetRefundByHash(_ context.Context, txHash string) (*domain.RefundRecord, error) {
	for _, rec := range r.st.refunds {
		if rec.TxHash == txHash {
			return &rec, nil
		}
	}
	return nil, domain.NotFound("refund not found")
}

func (r *memRepo) ListPendingRefunds(_ context.Context, since time.Time, afterID int64, limit int) ([]domain.RefundRecord, error) {
	var out []domain.RefundRecord
	for _, id := range sortedIDs(r.st.refunds) {
		rec := r.st.refunds[id]
		if id > afterID && rec.Status == domain.StatusPending && !rec.CreatedAt.Before(since) && len(out) < limit {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *memRepo) CompleteRefund(_ context.Context, id int64, status domain.Status, reason string, block *uint64) error {
	rec, ok := r.st.refunds[id]
	if !ok || rec.Status != domain.StatusPending {
		return domain.Conflict(domain.CodeConflict, "refund is not pending")
	}
	rec.Status, rec.FailReason, rec.BlockNumber = status, reason, block
	r.st.refunds[id] = rec
	return nil
}

func (r *memRepo) withRequest(t domain.Transfer) domain.Transfer {
	t.Request = r.st.requests[t.TransferRequestID]
	return t
}

func (r *memRepo) ListSettledTransferRefs(_ context.Context, prefix string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, id := range sortedIDs(r.st.transfers) {
		t := r.st.transfers[id]
		if t.Status == domain.StatusSuccess && strings.HasPrefix(t.TransferRef, prefix) && !seen[t.TransferRef] {
			seen[t.TransferRef] = true
			out = append(out, t.TransferRef)
		}
	}
	return out, nil
}

func (r *memRepo) ListOpenTransferRefs(_ context.Context, prefix string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, id := range sortedIDs(r.st.transfers) {
		t := r.st.transfers[id]
		if t.Status != domain.StatusFailed && strings.HasPrefix(t.TransferRef, prefix) && !seen[t.TransferRef] {
			seen[t.TransferRef] = true
			out = append(out, t.TransferRef)
		}
	}
	return out, nil
}

func (r *memRepo) FindPendingTransferByRef(_ context.Context, ref string) (*domain.Transfer, error) {
	for _, id := range sortedIDs(r.st.transfers) {
		t := r.st.transfers[id]
		if t.TransferRef == ref && t.Status == domain.StatusPending && t.IsActive {
			t = r.withRequest(t)
			return &t, nil
		}
	}
	return nil, domain.NotFound("transfer not found")
}

func (r *memRepo) HasConfirmedTransfer(_ context.Context, ref, txHash, from string) (bool, error) {
	for _, t := range r.st.transfers {
		if t.TransferRef != ref || t.TxHash != txHash {
			continue
		}
		if t.Status == domain.StatusSuccess || (t.Status == domain.StatusPending && t.From == from) {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) ListPendingTransfers(_ context.Context, ref, txHash string) ([]domain.Transfer, error) {
	var out []domain.Transfer
	for _, id := range sortedIDs(r.st.transfers) {
		t := r.st.transfers[id]
		if t.TransferRef == ref && t.TxHash == txHash && t.Status == domain.StatusPending && t.IsActive {
			out = append(out, r.withRequest(t))
		}
	}
	return out, nil
}

func (r *memRepo) AssignTransferHash(_ context.Context, ref, txHash, from string) (int64, error) {
	var n int64
	for id, t := range r.st.transfers {
		if t.TransferRef == ref && t.Status == domain.StatusPending && t.IsActive && t.TxHash == "" &&
			(t.From == "" || t.From == from) {
			t.TxHash, t.From = txHash, from
			r.st.transfers[id] = t
			n++
		}
	}
	return n, nil
}

func (r *memRepo) MarkTransferSuccess(_ context.Context, id int64, txHash, amount string, currencyUnitID *int64) error {
	t, ok := r.st.transfers[id]
	if !ok || t.Status == domain.StatusSuccess || !t.IsActive {
		return domain.NotFound("transfer not found")
	}
	t.Status, t.TxHash, t.Amount, t.AmountCurrencyUnitID = domain.StatusSuccess, txHash, amount, currencyUnitID
	r.st.transfers[id] = t
	return nil
}

func (r *memRepo) MarkTransferRequestPaid(_ context.Context, requestID int64) error {
	req, ok := r.st.requests[requestID]
	if !ok || req.Status != domain.RequestApproved {
		return domain.NotFound("transfer request not found")
	}
	req.Status = domain.RequestPaid
	r.st.requests[requestID] = req
	return nil
}

func (r *memRepo) AddTransferHistory(_ context.Context, h domain.TransferRequestHistory) error {
	r.st.history = append(r.st.history, h)
	return nil
}

func (r *memRepo) FindCurrencyUnit(_ context.Context, name string) (int64, error) {
	id, ok := r.st.currencies[name]
	if !ok {
		return 0, domain.NotFound("currency unit not found")
	}
	return id, nil
}

func (r *memRepo) ListStaleTransferHashes(_ context.Context, before time.Time, after string, limit int) ([]string, error) {
	seen := map[string]bool{}
	var hashes []string
	for _, t := range r.st.transfers {
		if t.Status == domain.StatusPending && t.IsActive && t.TxHash != "" && t.UpdatedAt.Before(before) &&
			t.TxHash > after && !seen[t.TxHash] {
			seen[t.TxHash] = true
			hashes = append(hashes, t.TxHash)
		}
	}
	sort.Strings(hashes)
	if len(hashes) > limit {
		hashes = hashes[:limit]
	}
	return hashes, nil
}

func (r *memRepo) FailTransfersByHash(_ context.Context, txHash string) ([]domain.Transfer, error) {
	var out []domain.Transfer
	for _, id := range sortedIDs(r.st.transfers) {
		t := r.st.transfers[id]
		if t.TxHash == txHash && t.Status == domain.StatusPending {
			t.Status, t.IsActive = domain.StatusFailed, false
			r.st.transfers[id] = t
			out = append(out, r.withRequest(t))
		}
	}
	return out, nil
}

func (r *memRepo) GetTransferRequests(_ context.Context, publicIDs []string) ([]domain.TransferRequest, error) {
	want := map[string]bool{}
	for _, id := range publicIDs {
		want[id] = true
	}
	var out []domain.TransferRequest
	for _, id := range sortedIDs(r.st.requests) {
		if req := r.st.requests[id]; want[req.PublicID] {
			out = append(out, req)
		}
	}
	return out, nil
}

func (r *memRepo) GetActiveTransfer(_ context.Context, requestID int64) (*domain.Transfer, error) {
	for _, id := range sortedIDs(r.st.transfers) {
		t := r.st.transfers[id]
		if t.TransferRequestID == requestID && t.IsActive {
			t = r.withRequest(t)
			return &t, nil
		}
	}
	return nil, nil
}

func (r *memRepo) CreateTransfer(_ context.Context, t *domain.Transfer) error {
	for _, existing := range r.st.transfers {
		if existing.TransferRequestID == t.TransferRequestID && existing.IsActive {
			return domain.Conflict(domain.CodeConflict, "transfer request already has an active transfer")
		}
	}
	t.ID = r.st.id()
	stored := *t
	stored.Request = domain.TransferRequest{}
	r.st.transfers[t.ID] = stored
	return nil
}

func (r *memRepo) TouchTransfer(_ context.Context, id int64) error {
	t, ok := r.st.transfers[id]
	if !ok {
		return domain.NotFound("transfer not found")
	}
	t.UpdatedAt = time.Now().UTC()
	r.st.transfers[id] = t
	return nil
}

func (r *memRepo) DeactivateTransfer(_ context.Context, id int64) error {
	t, ok := r.st.transfers[id]
	if !ok {
		return domain.NotFound("transfer not found")
	}
	t.IsActive = false
	r.st.transfers[id] = t
	return nil
}
