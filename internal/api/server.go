// Package api provides the HTTP surface: settlement operations,
// reporting reads, the provider webhook ingress, and operational
// endpoints (health, metrics).
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stipend-network/stipend/internal/app/settlement"
	"github.com/stipend-network/stipend/internal/domain"
	"github.com/stipend-network/stipend/internal/infra/sqlite"
)

// Server is the HTTP API server.
type Server struct {
	settle         *settlement.Service
	store          *sqlite.DB
	webhookSecret  []byte
	metricsEnabled bool
}

// NewServer creates an API server.
func NewServer(settle *settlement.Service, store *sqlite.DB) *Server {
	return &Server{settle: settle, store: store}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetWebhookSecret sets the HMAC key for webhook verification. Without
// a key the webhook route rejects everything.
func (s *Server) SetWebhookSecret(secret []byte) { s.webhookSecret = secret }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks", s.handleCreateTask)
		r.Post("/tasks/{id}/complete", s.handleCompleteTask)

		r.Post("/withdrawals", s.handleRequestWithdrawal)
		r.Post("/withdrawals/{id}/approve", s.handleApproveWithdrawal)
		r.Post("/withdrawals/{id}/deny", s.handleDenyWithdrawal)
		r.Post("/withdrawals/{id}/refund", s.handleOperatorRefund)

		r.Post("/vending", s.handleVend)
		r.Post("/deposits", s.handleInitiateDeposit)

		r.Get("/accounts/{id}/statement", s.handleStatement)
		r.Get("/reconciliation", s.handleReconciliation)
	})

	r.Post("/webhooks/payments", s.handleWebhook)

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a machine-readable error. Provider failures get a
// generic message so internals never leak to callers.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": msg,
		},
	})
}

// writeDomainError maps the error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation", err.Error())
	case errors.Is(err, domain.ErrInsufficientFunds):
		writeError(w, http.StatusUnprocessableEntity, "insufficient_funds", "insufficient funds")
	case errors.Is(err, domain.ErrFraudBlocked):
		writeError(w, http.StatusForbidden, "fraud_blocked", "request rejected by risk policy")
	case errors.Is(err, domain.ErrAccountSuspended):
		writeError(w, http.StatusForbidden, "account_suspended", "account suspended")
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate_limited", "try again later")
	case errors.Is(err, domain.ErrTaskInactive):
		writeError(w, http.StatusConflict, "task_inactive", "task is no longer available")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "record not found")
	case errors.Is(err, domain.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, domain.ErrExternalUnavailable):
		writeError(w, http.StatusAccepted, "pending", "request pending, contact support if unresolved")
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
