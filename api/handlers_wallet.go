package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/remittance-engine/wallet"
)

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// AppendEntry appends a ledger entry. A repeated idempotency key returns the
// original entry with 200 instead of 201.
// POST /api/accounts/{id}/entries
func (h *Handler) AppendEntry(w http.ResponseWriter, r *http.Request) {
	account := wallet.AccountID(chi.URLParam(r, "id"))

	var req AppendEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	entry, created, err := h.Wallet.AppendEntry(r.Context(), wallet.AppendInput{
		AccountID:      account,
		Amount:         amount,
		Reason:         wallet.ReasonCode(req.Reason),
		IdempotencyKey: req.IdempotencyKey,
		ExpiresAt:      req.ExpiresAt,
		Metadata:       req.Metadata,
	}, h.Now())
	if err != nil {
		h.writeDomainError(w, r, "Failed to append entry", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, AppendEntryResponse{Entry: toEntryDTO(entry), Created: created})
}

// GetBalance returns the balance as of now or ?asOf=RFC3339.
// GET /api/accounts/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	account := wallet.AccountID(chi.URLParam(r, "id"))

	asOf := h.Now()
	if raw := r.URL.Query().Get("asOf"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid asOf (use RFC 3339)", err)
			return
		}
		asOf = t
	}

	balance, err := h.Wallet.GetBalance(r.Context(), account, asOf)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		AccountID: string(account),
		Balance:   balance.String(),
		AsOf:      formatTime(asOf),
	})
}

// ListLedger returns one newest-first page of entries.
// GET /api/accounts/{id}/ledger?limit=50&offset=0
func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	account := wallet.AccountID(chi.URLParam(r, "id"))
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offset", err)
		return
	}

	page, err := h.Wallet.ListLedger(r.Context(), account, limit, offset)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, LedgerPageDTO{
		AccountID: string(page.AccountID),
		Entries:   toEntryDTOs(page.Entries),
		Limit:     page.Limit,
		Offset:    page.Offset,
		HasMore:   page.HasMore,
	})
}

// ListExpiring sums credits expiring within ?days (default 30).
// GET /api/accounts/{id}/expiring
func (h *Handler) ListExpiring(w http.ResponseWriter, r *http.Request) {
	account := wallet.AccountID(chi.URLParam(r, "id"))
	days, err := intParam(r, "days", 30)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid days", err)
		return
	}

	summary, err := h.Wallet.ListExpiringSoon(r.Context(), account, days, h.Now())
	if err != nil {
		h.writeDomainError(w, r, "Failed to list expiring credits", err)
		return
	}
	writeJSON(w, http.StatusOK, ExpiringDTO{
		AccountID:  string(summary.AccountID),
		WithinDays: summary.WithinDays,
		From:       formatTime(summary.From),
		Until:      formatTime(summary.Until),
		Amount:     summary.Amount.String(),
		Entries:    summary.Entries,
	})
}

// ReverseEntry appends the reversal of an entry.
// POST /api/entries/{id}/reversal
func (h *Handler) ReverseEntry(w http.ResponseWriter, r *http.Request) {
	id := wallet.EntryID(chi.URLParam(r, "id"))
	entry, created, err := h.Wallet.Reverse(r.Context(), id, h.Now())
	if err != nil {
		h.writeDomainError(w, r, "Failed to reverse entry", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, AppendEntryResponse{Entry: toEntryDTO(entry), Created: created})
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
