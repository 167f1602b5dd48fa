package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/punchamoorthee/creditledger/internal/domain"
)

type PrepareResult struct {
	Ref       string            `json:"ref,omitempty"`
	Created   int               `json:"created"`
	Touched   int               `json:"touched"`
	Transfers []domain.Transfer `json:"transfers"`
}

// TransferService creates the PENDING transfers that the reconciliation
// pipelines later settle.
type TransferService struct {
	store     Store
	cipher    Cipher
	refPrefix string
	options
}

func NewTransferService(store Store, cipher Cipher, refPrefix string, opts ...Option) *TransferService {
	return &TransferService{store: store, cipher: cipher, refPrefix: refPrefix, options: buildOptions(opts)}
}

func (s *TransferService) loadApproved(ctx context.Context, r Repo, publicIDs []string) ([]domain.TransferRequest, error) {
	uniq := map[string]bool{}
	for _, id := range publicIDs {
		uniq[id] = true
	}
	if len(uniq) == 0 {
		return nil, domain.Invalid("no transfer requests given", nil)
	}
	reqs, err := r.GetTransferRequests(ctx, publicIDs)
	if err != nil {
		return nil, err
	}
	if len(reqs) != len(uniq) {
		return nil, domain.NotFound("transfer request not found")
	}
	for _, req := range reqs {
		if req.Status != domain.RequestApproved {
			return nil, domain.Conflict(domain.CodeConflict, fmt.Sprintf("transfer request %s is %s", req.PublicID, req.Status))
		}
	}
	return reqs, nil
}

// CreateOrUpdate gives each approved request a transfer keyed by a
// deterministic reference, for payments made through the legacy ledger.
// Requests that already have an active transfer are only touched.
func (s *TransferService) CreateOrUpdate(ctx context.Context, publicIDs []string) (PrepareResult, error) {
	var res PrepareResult
	err := s.store.InTx(ctx, func(r Repo) error {
		reqs, err := s.loadApproved(ctx, r, publicIDs)
		if err != nil {
			return err
		}
		for _, req := range reqs {
			existing, err := r.GetActiveTransfer(ctx, req.ID)
			if err != nil {
				return err
			}
			if existing != nil {
				if err := r.TouchTransfer(ctx, existing.ID); err != nil {
					return err
				}
				res.Touched++
				res.Transfers = append(res.Transfers, *existing)
				continue
			}

			amount, err := s.cipher.Decrypt(req.Amount)
			if err != nil {
				return fmt.Errorf("decrypt amount of %s: %w", req.PublicID, err)
			}
			email, err := s.cipher.Decrypt(req.ReceiverEmail)
			if err != nil {
				return fmt.Errorf("decrypt email of %s: %w", req.PublicID, err)
			}
			t := &domain.Transfer{
				TransferRequestID: req.ID,
				TransferRef:       domain.TransferRef(s.refPrefix, req.WalletAddress, amount, req.CreatedAt, email),
				Status:            domain.StatusPending,
				Amount:            req.Amount,
				IsActive:          true,
				UpdatedAt:         s.now(),
				Request:           req,
			}
			if err := r.CreateTransfer(ctx, t); err != nil {
				return err
			}
			res.Created++
			res.Transfers = append(res.Transfers, *t)
		}
		return nil
	})
	return res, err
}

// PrepareBatch groups approved requests under one fresh reference for a
// single multi forwarder payment sent from the given wallet.
func (s *TransferService) PrepareBatch(ctx context.Context, publicIDs []string, from string) (PrepareResult, error) {
	if !common.IsHexAddress(from) {
		return PrepareResult{}, domain.Invalid("from address is invalid", nil)
	}
	res := PrepareResult{Ref: s.refPrefix + uuid.NewString()}
	err := s.store.InTx(ctx, func(r Repo) error {
		reqs, err := s.loadApproved(ctx, r, publicIDs)
		if err != nil {
			return err
		}
		for _, req := range reqs {
			existing, err := r.GetActiveTransfer(ctx, req.ID)
			if err != nil {
				return err
			}
			if existing != nil {
				if existing.Status == domain.StatusSuccess {
					return domain.Conflict(domain.CodeConflict, fmt.Sprintf("transfer request %s was already paid", req.PublicID))
				}
				if existing.TxHash != "" {
					return domain.Conflict(domain.CodeConflict, fmt.Sprintf("transfer request %s already has a transaction", req.PublicID))
				}
				if err := r.DeactivateTransfer(ctx, existing.ID); err != nil {
					return err
				}
				res.Touched++
			}
			t := &domain.Transfer{
				TransferRequestID: req.ID,
				TransferRef:       res.Ref,
				Status:            domain.StatusPending,
				From:              strings.ToLower(from),
				Amount:            req.Amount,
				IsActive:          true,
				UpdatedAt:         s.now(),
				Request:           req,
			}
			if err := r.CreateTransfer(ctx, t); err != nil {
				return err
			}
			res.Created++
			res.Transfers = append(res.Transfers, *t)
		}
		return nil
	})
	if err != nil {
		return PrepareResult{}, err
	}
	return res, nil
}
