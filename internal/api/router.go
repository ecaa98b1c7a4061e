package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paymint/transfer-engine/internal/models"
	"github.com/paymint/transfer-engine/internal/service"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Router exposes the operational endpoints plus a thin internal surface for
// the collaborating edge service. Authentication, sessions and request
// validation live in that collaborator; this surface only decodes the
// call/return contract and maps engine errors to statuses.
type Router struct {
	logger   *zap.Logger
	db       *pgxpool.Pool
	redis    redis.Cmdable
	transfer *service.TransferService
	payment  *service.PaymentService
}

func NewRouter(logger *zap.Logger, db *pgxpool.Pool, redis redis.Cmdable, transfer *service.TransferService, payment *service.PaymentService) *Router {
	return &Router{
		logger:   logger,
		db:       db,
		redis:    redis,
		transfer: transfer,
		payment:  payment,
	}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(loggingMiddleware(api.logger))
	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", api.live)
	r.Get("/readyz", api.ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/internal/v1/transfers", api.executeTransfer)
	r.Post("/internal/v1/payments/cancel", api.cancelPayment)

	return r
}

// live always reports OK; if the process is up, it's live.
func (api *Router) live(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ready checks dependencies like DB and Redis.
func (api *Router) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
	defer cancel()

	if err := api.db.Ping(ctx); err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	if api.redis != nil {
		if err := api.redis.Ping(ctx).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

type transferRequestBody struct {
	RequesterID     uuid.UUID  `json:"requester_id"`
	FromAccountID   uuid.UUID  `json:"from_account_id"`
	Credential      string     `json:"credential"`
	ToAccountNumber int64      `json:"to_account_number"`
	AmountMicros    int64      `json:"amount_micros"`
	ReferenceID     string     `json:"reference_id,omitempty"`
	PaymentID       *uuid.UUID `json:"payment_id,omitempty"`
}

func (api *Router) executeTransfer(w http.ResponseWriter, r *http.Request) {
	var body transferRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := api.transfer.Execute(r.Context(), body.RequesterID, service.TransferRequest{
		FromAccountID:   body.FromAccountID,
		Credential:      body.Credential,
		ToAccountNumber: body.ToAccountNumber,
		AmountMicros:    body.AmountMicros,
		ReferenceID:     body.ReferenceID,
		PaymentID:       body.PaymentID,
	})
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, result)
}

type cancelPaymentBody struct {
	RequesterID uuid.UUID `json:"requester_id"`
	PaymentID   uuid.UUID `json:"payment_id"`
	Credential  string    `json:"credential"`
}

func (api *Router) cancelPayment(w http.ResponseWriter, r *http.Request) {
	var body cancelPaymentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	refund, err := api.payment.Cancel(r.Context(), body.RequesterID, service.CancelPaymentRequest{
		PaymentID:  body.PaymentID,
		Credential: body.Credential,
	})
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, refund)
}

func respondEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInvalidAmount):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrSameAccount),
		errors.Is(err, models.ErrInsufficientBalance),
		errors.Is(err, models.ErrAccountInactive),
		errors.Is(err, models.ErrAlreadyRefunded):
		status = http.StatusConflict
	case errors.Is(err, models.ErrUnauthorized),
		errors.Is(err, models.ErrInvalidCredential):
		status = http.StatusForbidden
	case errors.Is(err, models.ErrAccountNotFound),
		errors.Is(err, models.ErrPaymentNotFound),
		errors.Is(err, models.ErrTransferNotFound):
		status = http.StatusNotFound
	}
	http.Error(w, err.Error(), status)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// loggingMiddleware emits structured request logs.
func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rw, r)

			logger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}
