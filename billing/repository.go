/*
repository.go - Persistence interface for obligations, reminders and attempts

PURPOSE:
  Defines what the orchestrators need from storage. The safety of repeated
  or concurrent runs rests on three store-level guarantees, not on a lock:

  1. CreateObligation is insert-if-absent on (account, period).
  2. RecordReminder is write-once on (obligation, kind), and applies the
     reminder's state change in the same atomic step.
  3. Transition and RecordAttempt are compare-and-set: they only apply when
     the row still holds the expected state (and attempt count).

IMPLEMENTATIONS:
  - store/memory: in-memory, for tests and development
  - store/sqlstore: sqlite and postgres
*/
package billing

import (
	"context"
	"time"
)

// Repository persists obligations and their reminder/attempt history.
// Obligations are never deleted.
type Repository interface {
	// Ping verifies the store is reachable. Orchestrators call it before
	// scanning; a failure aborts the whole run.
	Ping(ctx context.Context) error

	// CreateObligation inserts o unless one exists for (o.AccountID, o.Period).
	// Returns created=false with a nil error when it already existed.
	CreateObligation(ctx context.Context, o Obligation) (created bool, err error)

	GetObligation(ctx context.Context, id ObligationID) (Obligation, error)
	FindObligation(ctx context.Context, accountID AccountID, period Period) (Obligation, error)

	// ListObligations returns obligations matching filter, ordered by due date.
	ListObligations(ctx context.Context, filter ObligationFilter) ([]Obligation, error)

	// Transition moves the obligation to `to` if its current state is one of
	// `from`. mutate, when non-nil, may adjust other fields of the row being
	// written. Returns ErrStaleState if the current state is not in `from`.
	Transition(ctx context.Context, id ObligationID, from []State, to State, now time.Time, mutate func(*Obligation)) (Obligation, error)

	// RecordReminder writes rec and, if `to` is non-empty, applies the
	// transition from any of `from` in the same atomic step. Returns
	// ErrReminderExists if (rec.ObligationID, rec.Kind) was already recorded,
	// in which case nothing is written.
	RecordReminder(ctx context.Context, rec ReminderRecord, from []State, to State) error

	HasReminder(ctx context.Context, id ObligationID, kind ReminderKind) (bool, error)
	ListReminders(ctx context.Context, id ObligationID) ([]ReminderRecord, error)

	// RecordAttempt writes attempt a and sets attempt_count = a.Number,
	// last_attempt_at = a.AttemptedAt and state = to, atomically. Applies only
	// if the stored attempt count is a.Number-1 and the state is overdue or
	// retry_pending; otherwise returns ErrStaleState.
	RecordAttempt(ctx context.Context, a RetryAttempt, to State) (Obligation, error)

	ListAttempts(ctx context.Context, id ObligationID) ([]RetryAttempt, error)
}

// ObligationFilter narrows ListObligations. Zero values mean "any".
type ObligationFilter struct {
	States    []State
	AccountID AccountID
	Period    Period
	DueBefore time.Time // exclusive
	Limit     int
}

// Matches applies the filter to an in-memory obligation.
func (f ObligationFilter) Matches(o Obligation) bool {
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if o.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.AccountID != "" && o.AccountID != f.AccountID {
		return false
	}
	if !f.Period.IsZero() && o.Period != f.Period {
		return false
	}
	if !f.DueBefore.IsZero() && !o.DueDate.Before(f.DueBefore) {
		return false
	}
	return true
}
