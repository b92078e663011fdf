package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENGINE - Balance, history and expiry over a Store
// =============================================================================

const (
	DefaultPageSize    = 50
	DefaultMaxPageSize = 200
)

type Engine struct {
	Store       Store
	MaxPageSize int
	Logger      *slog.Logger
}

func NewEngine(store Store) *Engine {
	return &Engine{
		Store:       store,
		MaxPageSize: DefaultMaxPageSize,
		Logger:      slog.Default().With("component", "wallet"),
	}
}

// AppendInput is a caller's request to move value.
type AppendInput struct {
	AccountID      AccountID
	Amount         decimal.Decimal
	Reason         ReasonCode
	IdempotencyKey string
	ExpiresAt      *time.Time
	Metadata       map[string]string
}

func (in AppendInput) validate() error {
	switch {
	case in.AccountID == "":
		return &ValidationError{Field: "account_id", Message: "required"}
	case in.IdempotencyKey == "":
		return &ValidationError{Field: "idempotency_key", Message: "required"}
	case in.Amount.IsZero():
		return &ValidationError{Field: "amount", Message: "must not be zero"}
	case !in.Reason.Valid():
		return &ValidationError{Field: "reason", Message: fmt.Sprintf("unknown reason code %q", in.Reason)}
	case in.Reason == ReasonReversal:
		return &ValidationError{Field: "reason", Message: "reversals are written by Reverse, not appended directly"}
	case in.ExpiresAt != nil && in.Amount.IsNegative():
		return &ValidationError{Field: "expires_at", Message: "only credits may expire"}
	}
	return nil
}

// AppendEntry writes one entry. A retry with the same (account, key)
// returns the entry written the first time and created=false.
func (e *Engine) AppendEntry(ctx context.Context, in AppendInput, now time.Time) (entry Entry, created bool, err error) {
	if err := in.validate(); err != nil {
		return Entry{}, false, err
	}

	prior, err := e.Store.FindEntryByKey(ctx, in.AccountID, in.IdempotencyKey)
	switch {
	case err == nil:
		return prior, false, nil
	case !errors.Is(err, ErrEntryNotFound):
		return Entry{}, false, err
	}

	entry = Entry{
		ID:             NewEntryID(),
		AccountID:      in.AccountID,
		Amount:         in.Amount,
		Reason:         in.Reason,
		IdempotencyKey: in.IdempotencyKey,
		ExpiresAt:      in.ExpiresAt,
		Metadata:       in.Metadata,
		CreatedAt:      now,
	}
	if err := e.Store.AppendEntry(ctx, entry); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			// A concurrent append with the same key won.
			prior, findErr := e.Store.FindEntryByKey(ctx, in.AccountID, in.IdempotencyKey)
			if findErr != nil {
				return Entry{}, false, findErr
			}
			return prior, false, nil
		}
		return Entry{}, false, err
	}

	e.logger().InfoContext(ctx, "ledger entry appended",
		"account", entry.AccountID,
		"entry", entry.ID,
		"amount", entry.Amount.String(),
		"reason", entry.Reason,
	)
	return entry, true, nil
}

// GetBalance returns the available balance at asOf: every entry that has
// no expiry or expires after asOf.
func (e *Engine) GetBalance(ctx context.Context, account AccountID, asOf time.Time) (decimal.Decimal, error) {
	if account == "" {
		return decimal.Zero, &ValidationError{Field: "account_id", Message: "required"}
	}
	return e.Store.SumBalance(ctx, account, asOf)
}

// ListLedger returns one page of history, newest first. A non-positive
// limit means DefaultPageSize; limits above MaxPageSize are clamped.
func (e *Engine) ListLedger(ctx context.Context, account AccountID, limit, offset int) (Page, error) {
	if account == "" {
		return Page{}, &ValidationError{Field: "account_id", Message: "required"}
	}
	if offset < 0 {
		return Page{}, &ValidationError{Field: "offset", Message: "must not be negative"}
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if ceiling := e.maxPageSize(); limit > ceiling {
		limit = ceiling
	}

	entries, err := e.Store.ListEntries(ctx, account, limit, offset)
	if err != nil {
		return Page{}, err
	}
	return Page{
		AccountID: account,
		Entries:   entries,
		Limit:     limit,
		Offset:    offset,
		HasMore:   len(entries) == limit,
	}, nil
}

// ListExpiringSoon aggregates credit that expires after now and no later
// than now+withinDays. It never changes state.
func (e *Engine) ListExpiringSoon(ctx context.Context, account AccountID, withinDays int, now time.Time) (ExpiringSummary, error) {
	if account == "" {
		return ExpiringSummary{}, &ValidationError{Field: "account_id", Message: "required"}
	}
	if withinDays <= 0 {
		return ExpiringSummary{}, &ValidationError{Field: "within_days", Message: "must be positive"}
	}
	until := now.AddDate(0, 0, withinDays)
	amount, n, err := e.Store.SumExpiring(ctx, account, now, until)
	if err != nil {
		return ExpiringSummary{}, err
	}
	return ExpiringSummary{
		AccountID:  account,
		WithinDays: withinDays,
		From:       now,
		Until:      until,
		Amount:     amount,
		Entries:    n,
	}, nil
}

// ReversalKey is the idempotency key of the entry that reverses id.
func ReversalKey(id EntryID) string {
	return "reversal:" + string(id)
}

// Reverse appends the negation of entry id. Reversing twice returns the
// first reversal; reversing a reversal is rejected.
func (e *Engine) Reverse(ctx context.Context, id EntryID, now time.Time) (Entry, bool, error) {
	original, err := e.Store.GetEntry(ctx, id)
	if err != nil {
		return Entry{}, false, err
	}
	if original.Reason == ReasonReversal {
		return Entry{}, false, &ValidationError{Field: "entry_id", Message: "cannot reverse a reversal"}
	}

	prior, err := e.Store.FindEntryByKey(ctx, original.AccountID, ReversalKey(id))
	switch {
	case err == nil:
		return prior, false, nil
	case !errors.Is(err, ErrEntryNotFound):
		return Entry{}, false, err
	}

	// The reversal shares the original's expiry so the pair nets to zero
	// at every instant.
	rev := Entry{
		ID:             NewEntryID(),
		AccountID:      original.AccountID,
		Amount:         original.Amount.Neg(),
		Reason:         ReasonReversal,
		IdempotencyKey: ReversalKey(id),
		ExpiresAt:      original.ExpiresAt,
		ReversesID:     id,
		CreatedAt:      now,
	}
	if err := e.Store.AppendEntry(ctx, rev); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			prior, findErr := e.Store.FindEntryByKey(ctx, original.AccountID, ReversalKey(id))
			if findErr != nil {
				return Entry{}, false, findErr
			}
			return prior, false, nil
		}
		return Entry{}, false, err
	}
	e.logger().InfoContext(ctx, "ledger entry reversed", "account", rev.AccountID, "entry", id, "reversal", rev.ID)
	return rev, true, nil
}

func (e *Engine) maxPageSize() int {
	if e.MaxPageSize <= 0 {
		return DefaultMaxPageSize
	}
	return e.MaxPageSize
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}
