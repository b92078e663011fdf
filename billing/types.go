/*
Package billing provides the dues/remittance billing engine.

PURPOSE:
  Recurring per-account obligations (dues, remittances) are calculated once
  per billing period, reminded about on a cadence, retried on payment
  failure with bounded backoff, and escalated to a human when retries are
  exhausted. This package holds the obligation model, its lifecycle state
  machine, and the three orchestrators that drive it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Obligation: one account's amount due for one period
  - State: where an obligation is in its lifecycle
  - ReminderRecord: write-once dedup marker for a sent reminder
  - RetryAttempt: one payment try, numbered 1..N without gaps

DESIGN PRINCIPLES:
  1. Idempotency over locking: every orchestrator is safe under repeated
     and overlapping invocation (upsert by natural key, write-once reminder
     records, compare-and-set transitions).
  2. Explicit time: every operation takes `now` from its caller.
  3. Precision: amounts use decimal.Decimal.
  4. Never deleted: obligations only move to a terminal state.

SEE ALSO:
  - lifecycle.go: Transition table
  - calculator.go: Period calculation and overdue sweep
  - reminder.go: Reminder orchestrator
  - retry.go: Retry orchestrator
  - dispatcher.go: External trigger entry point
*/
package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ObligationID string
type AccountID string

// NewObligationID returns a fresh random obligation identifier.
func NewObligationID() ObligationID {
	return ObligationID(uuid.New().String())
}

// =============================================================================
// STATE
// =============================================================================

type State string

const (
	StateScheduled    State = "scheduled"
	StateReminded7Day State = "reminded_7day"
	StateReminded1Day State = "reminded_1day"
	StateOverdue      State = "overdue"
	StateRetryPending State = "retry_pending"
	StatePaid         State = "paid"
	StateEscalated    State = "escalated"
	StateCancelled    State = "cancelled"
)

// AllStates lists every lifecycle state in lifecycle order.
var AllStates = []State{
	StateScheduled,
	StateReminded7Day,
	StateReminded1Day,
	StateOverdue,
	StateRetryPending,
	StatePaid,
	StateEscalated,
	StateCancelled,
}

// IsTerminal reports whether no scheduled work applies to the state.
func (s State) IsTerminal() bool {
	return s == StatePaid || s == StateEscalated || s == StateCancelled
}

// IsPreDue reports whether the state precedes the overdue sweep.
func (s State) IsPreDue() bool {
	return s == StateScheduled || s == StateReminded7Day || s == StateReminded1Day
}

func (s State) Valid() bool {
	for _, st := range AllStates {
		if s == st {
			return true
		}
	}
	return false
}

// ParseState converts a stored or user-supplied string into a State.
func ParseState(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		return "", &ValidationError{Field: "state", Message: "unknown state " + s}
	}
	return st, nil
}

// =============================================================================
// OBLIGATION
// =============================================================================

// Obligation is one account's financial amount due for one billing period.
// At most one exists per (AccountID, Period).
type Obligation struct {
	ID        ObligationID
	AccountID AccountID
	Period    Period
	Amount    decimal.Decimal
	Currency  string
	DueDate   time.Time
	State     State

	// Retry bookkeeping. LastAttemptAt is zero until the first charge.
	AttemptCount  int
	LastAttemptAt time.Time

	// Most recent reminder sent; empty kind when none.
	LastReminder   ReminderKind
	LastReminderAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// REMINDERS
// =============================================================================

type ReminderKind string

const (
	ReminderSevenDay ReminderKind = "seven_day"
	ReminderOneDay   ReminderKind = "one_day"
	ReminderOverdue  ReminderKind = "overdue"
)

// ReminderRecord marks a reminder as sent. A given (ObligationID, Kind)
// pair is recorded at most once.
type ReminderRecord struct {
	ObligationID ObligationID
	Kind         ReminderKind
	Period       Period
	SentAt       time.Time
}

// =============================================================================
// RETRY ATTEMPTS
// =============================================================================

type AttemptOutcome string

const (
	OutcomeSucceeded        AttemptOutcome = "succeeded"
	OutcomeTransientFailure AttemptOutcome = "transient_failure"
	OutcomePermanentFailure AttemptOutcome = "permanent_failure"
)

// RetryAttempt records one payment try. Numbers start at 1 and are
// contiguous per obligation.
type RetryAttempt struct {
	ObligationID ObligationID
	Number       int
	Outcome      AttemptOutcome
	Detail       string
	AttemptedAt  time.Time
}
