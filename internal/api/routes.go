package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/jobs"
	"github.com/punchamoorthee/creditledger/internal/service"
)

type redeemRequest struct {
	Token         string `json:"token"`
	WalletAddress string `json:"wallet_address"`
}

func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Token == "" || req.WalletAddress == "" {
		h.respondError(w, http.StatusBadRequest, domain.CodeInvalid, "token and wallet_address are required")
		return
	}
	out, err := h.svc.Redeemer.Redeem(r.Context(), req.Token, req.WalletAddress)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/settlements/%d", out.ID))
	h.respondJSON(w, http.StatusCreated, out)
}

func (h *Handler) RegisterDeposit(w http.ResponseWriter, r *http.Request) {
	var in service.DepositIntent
	if !h.decode(w, r, &in) {
		return
	}
	d, err := h.svc.Deposits.Register(r.Context(), in)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, d)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	view, err := h.svc.Accounts.Get(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, view)
}

type refundRequest struct {
	TxHash string `json:"tx_hash"`
}

func (h *Handler) RequestRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req refundRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.svc.Refunds.Request(r.Context(), id, req.TxHash)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, rec)
}

func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "requestId")
	if !ok {
		return
	}
	st, err := h.svc.Settler.Settle(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, st)
}

type prepareRequest struct {
	Requests []string `json:"requests"`
	// From selects a multi forwarder batch; empty keeps per request refs.
	From string `json:"from"`
}

func (h *Handler) PrepareTransfers(w http.ResponseWriter, r *http.Request) {
	var req prepareRequest
	if !h.decode(w, r, &req) {
		return
	}
	var (
		res service.PrepareResult
		err error
	)
	if req.From == "" {
		res, err = h.svc.Transfers.CreateOrUpdate(r.Context(), req.Requests)
	} else {
		res, err = h.svc.Transfers.PrepareBatch(r.Context(), req.Requests, req.From)
	}
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

func (h *Handler) ConfirmForward(w http.ResponseWriter, r *http.Request) {
	var ev domain.ForwardEvent
	if !h.decode(w, r, &ev) {
		return
	}
	res, err := h.svc.Confirmer.Confirm(r.Context(), ev)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	res, err := h.svc.Jobs.RunOnce(r.Context(), name)
	switch {
	case errors.Is(err, jobs.ErrUnknownJob):
		h.respondError(w, http.StatusNotFound, domain.CodeNotFound, "unknown job "+name)
	case errors.Is(err, jobs.ErrBusy):
		h.respondError(w, http.StatusConflict, domain.CodeConflict, "job "+name+" is already running")
	case err != nil:
		h.respondDomainError(w, r, err)
	default:
		h.respondJSON(w, http.StatusOK, map[string]interface{}{"job": name, "result": res})
	}
}
