/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing and wallet models from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

FORMATS:
  - Amounts are decimal strings ("42.50"), never floats
  - Timestamps are RFC 3339 in UTC
  - Periods are "YYYY-MM"

VALIDATION:
  Validation is done by the billing and wallet packages, not in DTOs. DTOs
  are pure data carriers.

SEE ALSO:
  - handlers_billing.go, handlers_wallet.go: Use these types
*/
package api

import (
	"time"

	"github.com/warp/remittance-engine/billing"
	"github.com/warp/remittance-engine/wallet"
)

// =============================================================================
// TRIGGERS
// =============================================================================

// TriggerRequest is the optional body of POST /api/triggers/{kind}.
type TriggerRequest struct {
	Params map[string]string `json:"params"`
}

// =============================================================================
// OBLIGATIONS
// =============================================================================

// ObligationDTO represents an obligation in API responses.
type ObligationDTO struct {
	ID             string `json:"id"`
	AccountID      string `json:"accountId"`
	Period         string `json:"period"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	DueDate        string `json:"dueDate"`
	State          string `json:"state"`
	AttemptCount   int    `json:"attemptCount"`
	LastAttemptAt  string `json:"lastAttemptAt,omitempty"`
	LastReminder   string `json:"lastReminder,omitempty"`
	LastReminderAt string `json:"lastReminderAt,omitempty"`
	CreatedAt      string `json:"createdAt"`
	UpdatedAt      string `json:"updatedAt"`
}

// ObligationDetailDTO adds the reminder and attempt history.
type ObligationDetailDTO struct {
	ObligationDTO
	Reminders []ReminderDTO `json:"reminders"`
	Attempts  []AttemptDTO  `json:"attempts"`
}

type ReminderDTO struct {
	Kind   string `json:"kind"`
	SentAt string `json:"sentAt"`
}

type AttemptDTO struct {
	Number      int    `json:"number"`
	Outcome     string `json:"outcome"`
	Detail      string `json:"detail,omitempty"`
	AttemptedAt string `json:"attemptedAt"`
}

// =============================================================================
// LEDGER
// =============================================================================

// AppendEntryRequest is the body of POST /api/accounts/{id}/entries.
type AppendEntryRequest struct {
	Amount         string            `json:"amount"`
	Reason         string            `json:"reason"`
	IdempotencyKey string            `json:"idempotencyKey"`
	ExpiresAt      *time.Time        `json:"expiresAt,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// EntryDTO represents a ledger entry in API responses.
type EntryDTO struct {
	ID             string            `json:"id"`
	AccountID      string            `json:"accountId"`
	Amount         string            `json:"amount"`
	Reason         string            `json:"reason"`
	IdempotencyKey string            `json:"idempotencyKey"`
	ExpiresAt      string            `json:"expiresAt,omitempty"`
	ReversesID     string            `json:"reversesId,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      string            `json:"createdAt"`
}

// AppendEntryResponse tells the caller whether this call created the entry.
type AppendEntryResponse struct {
	Entry   EntryDTO `json:"entry"`
	Created bool     `json:"created"`
}

type BalanceDTO struct {
	AccountID string `json:"accountId"`
	Balance   string `json:"balance"`
	AsOf      string `json:"asOf"`
}

type LedgerPageDTO struct {
	AccountID string     `json:"accountId"`
	Entries   []EntryDTO `json:"entries"`
	Limit     int        `json:"limit"`
	Offset    int        `json:"offset"`
	HasMore   bool       `json:"hasMore"`
}

type ExpiringDTO struct {
	AccountID  string `json:"accountId"`
	WithinDays int    `json:"withinDays"`
	From       string `json:"from"`
	Until      string `json:"until"`
	Amount     string `json:"amount"`
	Entries    int    `json:"entries"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toObligationDTO(o billing.Obligation) ObligationDTO {
	return ObligationDTO{
		ID:             string(o.ID),
		AccountID:      string(o.AccountID),
		Period:         o.Period.String(),
		Amount:         o.Amount.StringFixed(2),
		Currency:       o.Currency,
		DueDate:        formatTime(o.DueDate),
		State:          string(o.State),
		AttemptCount:   o.AttemptCount,
		LastAttemptAt:  formatTime(o.LastAttemptAt),
		LastReminder:   string(o.LastReminder),
		LastReminderAt: formatTime(o.LastReminderAt),
		CreatedAt:      formatTime(o.CreatedAt),
		UpdatedAt:      formatTime(o.UpdatedAt),
	}
}

func toEntryDTO(e wallet.Entry) EntryDTO {
	dto := EntryDTO{
		ID:             string(e.ID),
		AccountID:      string(e.AccountID),
		Amount:         e.Amount.String(),
		Reason:         string(e.Reason),
		IdempotencyKey: e.IdempotencyKey,
		ReversesID:     string(e.ReversesID),
		Metadata:       e.Metadata,
		CreatedAt:      formatTime(e.CreatedAt),
	}
	if e.ExpiresAt != nil {
		dto.ExpiresAt = formatTime(*e.ExpiresAt)
	}
	return dto
}

func toEntryDTOs(entries []wallet.Entry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}
