package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/warp/remittance-engine/billing"
)

// =============================================================================
// TRIGGER HANDLERS
// =============================================================================

// Trigger runs one orchestrator and returns its summary.
// POST /api/triggers/{kind}
//
// Params come from the JSON body ({"params": {...}}) and from the query
// string; the body wins on conflicts.
func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")

	params := map[string]string{}
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	for k, v := range req.Params {
		params[k] = v
	}

	res, err := h.Dispatcher.Trigger(r.Context(), kind, params, h.Now())
	if err != nil {
		h.writeDomainError(w, r, "Trigger failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// OBLIGATION HANDLERS
// =============================================================================

// ListObligations returns obligations matching the query filters.
// GET /api/obligations?state=overdue,retry_pending&account=...&period=2025-06&limit=50
func (h *Handler) ListObligations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter billing.ObligationFilter

	if raw := q.Get("state"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st, err := billing.ParseState(strings.TrimSpace(s))
			if err != nil {
				h.writeDomainError(w, r, "Invalid state filter", err)
				return
			}
			filter.States = append(filter.States, st)
		}
	}
	filter.AccountID = billing.AccountID(q.Get("account"))
	if raw := q.Get("period"); raw != "" {
		p, err := billing.ParsePeriod(raw)
		if err != nil {
			h.writeDomainError(w, r, "Invalid period", err)
			return
		}
		filter.Period = p
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = n
	}

	obligations, err := h.Repo.ListObligations(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list obligations", err)
		return
	}

	dtos := make([]ObligationDTO, len(obligations))
	for i, o := range obligations {
		dtos[i] = toObligationDTO(o)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetObligation returns one obligation with its reminder and attempt history.
// GET /api/obligations/{id}
func (h *Handler) GetObligation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := billing.ObligationID(chi.URLParam(r, "id"))

	o, err := h.Repo.GetObligation(ctx, id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get obligation", err)
		return
	}
	reminders, err := h.Repo.ListReminders(ctx, id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list reminders", err)
		return
	}
	attempts, err := h.Repo.ListAttempts(ctx, id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list attempts", err)
		return
	}

	detail := ObligationDetailDTO{
		ObligationDTO: toObligationDTO(o),
		Reminders:     make([]ReminderDTO, len(reminders)),
		Attempts:      make([]AttemptDTO, len(attempts)),
	}
	for i, rec := range reminders {
		detail.Reminders[i] = ReminderDTO{Kind: string(rec.Kind), SentAt: formatTime(rec.SentAt)}
	}
	for i, a := range attempts {
		detail.Attempts[i] = AttemptDTO{
			Number:      a.Number,
			Outcome:     string(a.Outcome),
			Detail:      a.Detail,
			AttemptedAt: formatTime(a.AttemptedAt),
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

// MarkPaid records a payment received outside the retry orchestrator.
// POST /api/obligations/{id}/paid
func (h *Handler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	id := billing.ObligationID(chi.URLParam(r, "id"))
	o, err := h.Admin.MarkPaid(r.Context(), id, h.Now())
	if err != nil {
		h.writeDomainError(w, r, "Failed to mark obligation paid", err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationDTO(o))
}

// CancelObligation cancels a non-terminal obligation.
// POST /api/obligations/{id}/cancel
func (h *Handler) CancelObligation(w http.ResponseWriter, r *http.Request) {
	id := billing.ObligationID(chi.URLParam(r, "id"))
	o, err := h.Admin.Cancel(r.Context(), id, h.Now())
	if err != nil {
		h.writeDomainError(w, r, "Failed to cancel obligation", err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationDTO(o))
}
