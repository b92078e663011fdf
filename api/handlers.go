/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the billing engine and the wallet ledger via REST API. Handles
  HTTP request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Triggers:
    POST   /api/triggers/{kind}                  Run one orchestrator

  Obligations:
    GET    /api/obligations                      List (state, account, period, limit)
    GET    /api/obligations/{id}                 Obligation with reminders and attempts
    POST   /api/obligations/{id}/paid            Mark paid (out-of-band payment)
    POST   /api/obligations/{id}/cancel          Cancel

  Accounts (ledger):
    POST   /api/accounts/{id}/entries            Append entry (idempotent by key)
    GET    /api/accounts/{id}/balance            Balance (asOf query, default now)
    GET    /api/accounts/{id}/ledger             Newest-first page (limit, offset)
    GET    /api/accounts/{id}/expiring           Credits expiring within days
    POST   /api/entries/{id}/reversal            Reverse an entry

  Health:
    GET    /healthz                              Repository reachability

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Dispatcher: trigger entry point over the three orchestrators
  - Admin: manual lifecycle moves
  - Repo: read access to obligations
  - Wallet: ledger engine
  - Now: clock, replaced in tests

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Invalid lifecycle transition
  - 502: Collaborator failure
  - 500: Internal errors

SECURITY NOTE:
  No authentication. Deploy behind a gateway that authenticates operators.

SEE ALSO:
  - handlers_billing.go: Trigger and obligation handlers
  - handlers_wallet.go: Ledger handlers
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/warp/remittance-engine/billing"
	"github.com/warp/remittance-engine/wallet"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Dispatcher *billing.Dispatcher
	Admin      *billing.Admin
	Repo       billing.Repository
	Wallet     *wallet.Engine

	Now    func() time.Time
	Logger *slog.Logger
}

// NewHandler creates a handler over the given components.
func NewHandler(dispatcher *billing.Dispatcher, repo billing.Repository, engine *wallet.Engine) *Handler {
	return &Handler{
		Dispatcher: dispatcher,
		Admin:      &billing.Admin{Repo: repo},
		Repo:       repo,
		Wallet:     engine,
		Now:        func() time.Time { return time.Now().UTC() },
		Logger:     slog.Default().With("component", "api"),
	}
}

// Health reports whether the repository is reachable.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Repo.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Repository unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps billing and wallet errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.ErrorContext(r.Context(), message, "path", r.URL.Path, "error", err)
	}
	resp := ErrorResponse{Error: message, Code: code, Details: err.Error()}
	writeJSON(w, status, resp)
}

func statusFor(err error) (int, string) {
	switch {
	case billing.IsValidation(err), wallet.IsValidation(err):
		return http.StatusBadRequest, "validation"
	case billing.IsNotFound(err), wallet.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, billing.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case billing.IsTransient(err), billing.IsPermanent(err):
		return http.StatusBadGateway, "external"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
