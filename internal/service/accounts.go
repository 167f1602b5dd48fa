package service

import (
	"context"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/height"
)

type AccountView struct {
	Account   domain.LedgerAccount `json:"account"`
	Remaining height.Height        `json:"remaining"`
	Entries   []domain.LedgerEntry `json:"entries"`
}

// AccountService is the read side of the ledger.
type AccountService struct {
	store Store
}

func NewAccountService(store Store) *AccountService {
	return &AccountService{store: store}
}

// Get returns the account with its ledger history, oldest entry first. An
// account whose totals break the invariant is reported as corruption rather
// than shown.
func (s *AccountService) Get(ctx context.Context, id int64) (*AccountView, error) {
	var view AccountView
	err := s.store.InTx(ctx, func(r Repo) error {
		acct, err := r.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		remaining, err := acct.Remaining()
		if err != nil {
			corruptionTotal.Inc()
			return domain.Corruption("account totals exceed height", err)
		}
		entries, err := r.ListLedgerEntries(ctx, id)
		if err != nil {
			return err
		}
		view = AccountView{Account: *acct, Remaining: remaining, Entries: entries}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if view.Entries == nil {
		view.Entries = []domain.LedgerEntry{}
	}
	return &view, nil
}
