/*
lifecycle.go - Obligation state machine

STATES:
  scheduled → reminded_7day → reminded_1day → overdue → retry_pending → (paid | escalated)
  cancelled reachable from any non-terminal state.
  paid, escalated, cancelled are terminal.

WRITERS (one per transition):
  Reminder orchestrator:  scheduled → reminded_7day
                          scheduled | reminded_7day → reminded_1day
  Calculator sweep:       scheduled | reminded_7day | reminded_1day → overdue
  Retry orchestrator:     overdue | retry_pending → retry_pending | escalated | paid
  Payment-success event:  any → paid
  Administrator:          any non-terminal → cancelled

IDEMPOTENCY:
  Re-applying a transition whose target is already the current state is a
  no-op. Repositories apply transitions with compare-and-set on the expected
  source states, so a lost race surfaces as ErrStaleState and callers skip.
*/
package billing

import (
	"context"
	"errors"
	"time"
)

var transitions = map[State][]State{
	StateScheduled:    {StateReminded7Day, StateReminded1Day, StateOverdue, StatePaid, StateCancelled},
	StateReminded7Day: {StateReminded1Day, StateOverdue, StatePaid, StateCancelled},
	StateReminded1Day: {StateOverdue, StatePaid, StateCancelled},
	StateOverdue:      {StateRetryPending, StateEscalated, StatePaid, StateCancelled},
	StateRetryPending: {StateRetryPending, StateEscalated, StatePaid, StateCancelled},
	StateEscalated:    {StatePaid},
	StateCancelled:    {StatePaid},
	StatePaid:         nil,
}

// CanTransition reports whether from → to is a legal lifecycle move.
// Same-state moves are legal only where the lifecycle repeats a state
// (retry_pending → retry_pending) or for idempotent re-application.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SourcesFor returns every state from which `to` is reachable in one step,
// excluding `to` itself.
func SourcesFor(to State) []State {
	var out []State
	for _, from := range AllStates {
		if from != to && CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// =============================================================================
// ADMIN - Out-of-band transitions (payment success, cancellation)
// =============================================================================

// Admin applies transitions driven by external events rather than by a scan.
type Admin struct {
	Repo Repository
}

// MarkPaid applies the payment-success stop signal. It wins over every
// scheduled action; marking an already-paid obligation is a no-op.
func (a *Admin) MarkPaid(ctx context.Context, id ObligationID, now time.Time) (Obligation, error) {
	o, err := a.Repo.GetObligation(ctx, id)
	if err != nil {
		return Obligation{}, err
	}
	if o.State == StatePaid {
		return o, nil
	}
	updated, err := a.Repo.Transition(ctx, id, SourcesFor(StatePaid), StatePaid, now, nil)
	if errors.Is(err, ErrStaleState) {
		// Only paid is outside the source set, so a concurrent writer beat us to it.
		return a.Repo.GetObligation(ctx, id)
	}
	return updated, err
}

// Cancel moves a non-terminal obligation to cancelled.
func (a *Admin) Cancel(ctx context.Context, id ObligationID, now time.Time) (Obligation, error) {
	o, err := a.Repo.GetObligation(ctx, id)
	if err != nil {
		return Obligation{}, err
	}
	if o.State == StateCancelled {
		return o, nil
	}
	if o.State.IsTerminal() {
		return Obligation{}, &TransitionError{ObligationID: id, From: o.State, To: StateCancelled}
	}
	updated, err := a.Repo.Transition(ctx, id, nonTerminal(), StateCancelled, now, nil)
	if errors.Is(err, ErrStaleState) {
		current, getErr := a.Repo.GetObligation(ctx, id)
		if getErr != nil {
			return Obligation{}, getErr
		}
		return Obligation{}, &TransitionError{ObligationID: id, From: current.State, To: StateCancelled}
	}
	return updated, err
}

func nonTerminal() []State {
	var out []State
	for _, s := range AllStates {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}
