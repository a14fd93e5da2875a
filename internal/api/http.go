package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/coldchain/coldchain-ledger/internal/logging"
	"github.com/coldchain/coldchain-ledger/internal/metrics"
	"github.com/coldchain/coldchain-ledger/internal/protocol"
	"github.com/coldchain/coldchain-ledger/internal/service"
)

type Handler struct {
	ledger       *service.LedgerService
	exporter     *service.Exporter
	auth         *Authenticator
	metrics      *metrics.Recorder
	logger       *slog.Logger
	env          logging.Environment
	maxBodyBytes int64
}

type HandlerParams struct {
	Ledger       *service.LedgerService
	Exporter     *service.Exporter // optional; export route answers 503 when nil
	Auth         *Authenticator
	Metrics      *metrics.Recorder
	Logger       *slog.Logger
	Env          logging.Environment
	MaxBodyBytes int64
}

func NewHandler(params HandlerParams) *Handler {
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	if params.Auth == nil {
		params.Auth = &Authenticator{}
	}
	if params.MaxBodyBytes <= 0 {
		params.MaxBodyBytes = 2 << 20
	}
	return &Handler{
		ledger:       params.Ledger,
		exporter:     params.Exporter,
		auth:         params.Auth,
		metrics:      params.Metrics,
		logger:       params.Logger,
		env:          params.Env,
		maxBodyBytes: params.MaxBodyBytes,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(logging.Middleware(h.logger, h.env))
	r.Use(h.metricsMiddleware)
	r.Use(h.limitRequestBodyMiddleware)

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	r.Get("/v1/batches/count", h.handleBatchCount)
	r.Get("/v1/batches/{id}", h.handleGetBatch)
	r.Get("/v1/batches/{id}/entries", h.handleBatchEntries)
	r.Get("/v1/batches/{id}/report", h.handleBatchReport)
	r.Get("/v1/roles/{role}/members", h.handleMembers)
	r.Get("/v1/roles/{role}/members/{account}", h.handleHas)
	r.Get("/v1/accounts/{account}/roles", h.handleRolesOf)
	r.Get("/v1/audit/entries", h.handleEntries)
	r.Get("/v1/audit/entries/{index}/proof", h.handleEntryProof)

	r.Group(func(r chi.Router) {
		r.Use(h.auth.Middleware)
		r.Post("/v1/batches", h.handleCreateBatch)
		r.Post("/v1/batches/{id}/observations", h.handleRecordObservation)
		r.Post("/v1/batches/{id}/observations:ingest", h.handleIngestObservations)
		r.Post("/v1/batches/{id}/custody", h.handleTransferCustody)
		r.Post("/v1/batches/{id}/override", h.handleAdminOverride)
		r.Post("/v1/roles/grant", h.handleGrant)
		r.Post("/v1/roles/revoke", h.handleRevoke)
		r.Post("/v1/roles/grant-many", h.handleGrantMany)
		r.Post("/v1/roles/renounce", h.handleRenounce)
		r.Post("/v1/audit/exports", h.handleExport)
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := h.ledger.Health()
	logging.AddField(r.Context(), "op", "health")
	logging.AddField(r.Context(), "batch_count", resp.BatchCount)
	writeJSON(w, http.StatusOK, resp)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

// metricsMiddleware labels requests by route pattern so batch ids do not
// become label values.
func (h *Handler) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		h.metrics.Request(r.Method, route, rec.code, time.Since(start))
	})
}

func (h *Handler) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *service.AppError
	if errors.As(err, &appErr) {
		logging.AddField(r.Context(), "error_code", appErr.Code)
		logging.AddField(r.Context(), "error_message", appErr.Message)
		writeJSON(w, appErr.HTTPStatus, protocol.ErrorResponse{Error: protocol.ErrorBody{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Retryable: appErr.Retryable,
		}})
		return
	}
	logging.AddField(r.Context(), "error_code", "INTERNAL_ERROR")
	logging.AddField(r.Context(), "error_message", err.Error())
	writeJSON(w, http.StatusInternalServerError, protocol.ErrorResponse{Error: protocol.ErrorBody{
		Code:      "INTERNAL_ERROR",
		Message:   "internal server error",
		Retryable: true,
	}})
}

func badRequest(err error) *service.AppError {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return service.NewAppError(http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", err.Error(), false, err)
	}
	return service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, err)
}

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func batchID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, service.BadRequest("batch id must be a non-negative integer, got " + strconv.Quote(raw))
	}
	return id, nil
}
