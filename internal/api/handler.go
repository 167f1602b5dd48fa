package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/service"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Redeemer interface {
	Redeem(ctx context.Context, raw, wallet string) (*domain.RedemptionRequest, error)
}

type DepositRegistrar interface {
	Register(ctx context.Context, in service.DepositIntent) (*domain.DepositRecord, error)
}

type AccountReader interface {
	Get(ctx context.Context, id int64) (*service.AccountView, error)
}

type Refunder interface {
	Request(ctx context.Context, accountID int64, txHash string) (*domain.RefundRecord, error)
}

type Settler interface {
	Settle(ctx context.Context, requestID int64) (*domain.Settlement, error)
}

type TransferPreparer interface {
	CreateOrUpdate(ctx context.Context, publicIDs []string) (service.PrepareResult, error)
	PrepareBatch(ctx context.Context, publicIDs []string, from string) (service.PrepareResult, error)
}

type ForwardConfirmer interface {
	Confirm(ctx context.Context, ev domain.ForwardEvent) (service.ConfirmResult, error)
}

type JobRunner interface {
	RunOnce(ctx context.Context, name string) (any, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Services are the operations exposed over HTTP. Nil entries leave their
// routes unregistered.
type Services struct {
	Redeemer  Redeemer
	Deposits  DepositRegistrar
	Accounts  AccountReader
	Refunds   Refunder
	Settler   Settler
	Transfers TransferPreparer
	Confirmer ForwardConfirmer
	Jobs      JobRunner
	DB        Pinger
}

type Handler struct {
	svc    Services
	logger *zap.Logger
}

func NewHandler(svc Services, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// Router wires every configured route plus /health and /metrics.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.Health).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	route := func(ok bool, path, method string, fn http.HandlerFunc) {
		if ok {
			apiV1.HandleFunc(path, instrument(method, "/api/v1"+path, fn)).Methods(method)
		}
	}
	route(h.svc.Redeemer != nil, "/redeem", "POST", h.Redeem)
	route(h.svc.Deposits != nil, "/deposits", "POST", h.RegisterDeposit)
	route(h.svc.Accounts != nil, "/accounts/{id}", "GET", h.GetAccount)
	route(h.svc.Refunds != nil, "/accounts/{id}/refunds", "POST", h.RequestRefund)
	route(h.svc.Settler != nil, "/settlements/{requestId}", "POST", h.Settle)
	route(h.svc.Transfers != nil, "/transfers/prepare", "POST", h.PrepareTransfers)
	route(h.svc.Confirmer != nil, "/events/forward", "POST", h.ConfirmForward)
	route(h.svc.Jobs != nil, "/jobs/{name}/run", "POST", h.RunJob)
	return r
}

// statusRecorder captures the status written by the helpers for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func instrument(method, endpoint string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := prometheus.NewTimer(httpLatency.WithLabelValues(method, endpoint))
		defer timer.ObserveDuration()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(rec.status)).Inc()
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.svc.DB != nil {
		if err := h.svc.DB.Ping(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			h.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Helpers
func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("response encoding failed", zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, errCode, msg string) {
	h.respondJSON(w, code, map[string]string{"error": msg, "code": errCode})
}

// respondDomainError maps the error taxonomy onto HTTP statuses. Corruption
// details stay in the log.
func (h *Handler) respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.CodeOf(err)
	var de *domain.Error
	msg := err.Error()
	if errors.As(err, &de) {
		msg = de.Msg
	}

	switch {
	case errors.Is(err, domain.ErrValidation):
		h.respondError(w, http.StatusBadRequest, code, msg)
	case errors.Is(err, domain.ErrNotFound):
		h.respondError(w, http.StatusNotFound, code, msg)
	case errors.Is(err, domain.ErrConflict):
		status := http.StatusConflict
		if code == domain.CodeExpired {
			status = http.StatusGone
		}
		h.respondError(w, status, code, msg)
	case errors.Is(err, domain.ErrUnavailable):
		h.logger.Warn("dependency unavailable", zap.String("path", r.URL.Path), zap.Error(err))
		h.respondError(w, http.StatusServiceUnavailable, domain.CodeUnavailable, msg)
	case errors.Is(err, domain.ErrCorruption):
		h.logger.Error("ledger corruption", zap.String("path", r.URL.Path), zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, domain.CodeCorruption, "internal ledger error")
	default:
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.respondError(w, http.StatusBadRequest, domain.CodeInvalid, "Invalid JSON")
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, http.StatusBadRequest, domain.CodeInvalid, "Invalid "+name)
		return 0, false
	}
	return id, true
}
