/*
retry.go - Retry orchestrator

PURPOSE:
  Charges overdue obligations, retries transient failures with bounded
  exponential backoff, and escalates to a human once attempts run out or a
  charge is permanently declined.

PER OBLIGATION (state overdue or retry_pending):
  attempt_count >= MaxAttempts        → escalated, no charge
  now < last_attempt_at + Delay(count) → not yet eligible, skip
  otherwise charge attempt n = count+1:
    succeeded         → paid
    transient_failure → retry_pending
    permanent_failure → escalated

IDEMPOTENCY:
  The charge carries the key "<obligation>/attempt-<n>", so two overlapping
  runs that both pick attempt n collapse to one charge at the gateway. The
  attempt row and the obligation update are written together, conditional on
  the stored attempt count still being n-1; the loser sees ErrStaleState and
  records nothing. Attempt numbers therefore stay 1..N without gaps.

  If the obligation left the retry states during a succeeded charge (an
  admin cancelled it, say), the money was still collected: the obligation
  is moved to paid and the run reports an ErrChargeNotRecorded item error.

NO SYNCHRONOUS RETRY:
  A failed charge is never retried inside the same run. The next run picks
  it up once the backoff has elapsed.
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

type RetryOrchestrator struct {
	Repo    Repository
	Gateway PaymentGateway
	Policy  BackoffPolicy

	// ChargeTimeout bounds each gateway call. Zero means no extra bound.
	ChargeTimeout time.Duration

	Tracker RunTracker
	Logger  *slog.Logger
}

func NewRetryOrchestrator(repo Repository, gateway PaymentGateway, policy BackoffPolicy) *RetryOrchestrator {
	return &RetryOrchestrator{
		Repo:    repo,
		Gateway: gateway,
		Policy:  policy,
		Logger:  slog.Default().With("component", "retries"),
	}
}

// ChargeKey is the gateway idempotency key for attempt n of an obligation.
func ChargeKey(id ObligationID, n int) string {
	return fmt.Sprintf("%s/attempt-%d", id, n)
}

func (r *RetryOrchestrator) Run(ctx context.Context, now time.Time) (res RetryResult, err error) {
	ctx, done := trackerOrNoop(r.Tracker).TrackRun(ctx, "retry-failed")
	defer func() { done(res.Scanned, len(res.Errors), err) }()

	if err := r.Policy.Validate(); err != nil {
		return res, err
	}
	if err := r.Repo.Ping(ctx); err != nil {
		return res, fmt.Errorf("repository unavailable: %w", err)
	}
	candidates, err := r.Repo.ListObligations(ctx, ObligationFilter{States: []State{StateOverdue, StateRetryPending}})
	if err != nil {
		return res, fmt.Errorf("list obligations: %w", err)
	}

	for _, o := range candidates {
		if ctx.Err() != nil {
			break
		}
		res.Scanned++

		if r.Policy.Exhausted(o) {
			if err := r.escalate(ctx, o, now); err != nil {
				res.Errors = append(res.Errors, ItemError{ObligationID: o.ID, AccountID: o.AccountID, Op: "escalate", Err: err})
			} else {
				res.Escalated++
			}
			continue
		}
		if now.Before(r.Policy.NextEligible(o)) {
			continue
		}

		outcome, err := r.attempt(ctx, o, now)
		if errors.Is(err, ErrChargeNotRecorded) {
			res.Attempted++
			res.Succeeded++
			res.Errors = append(res.Errors, ItemError{ObligationID: o.ID, AccountID: o.AccountID, Op: "record-attempt", Err: err})
			continue
		}
		if err != nil {
			r.logger().WarnContext(ctx, "retry attempt failed", "obligation", o.ID, "error", err)
			res.Errors = append(res.Errors, ItemError{ObligationID: o.ID, AccountID: o.AccountID, Op: "charge", Err: err})
			continue
		}
		if outcome == "" {
			continue
		}
		res.Attempted++
		switch outcome {
		case OutcomeSucceeded:
			res.Succeeded++
		case OutcomeTransientFailure:
			res.Failed++
		case OutcomePermanentFailure:
			res.Escalated++
		}
	}

	r.logger().InfoContext(ctx, "retry run complete",
		"scanned", res.Scanned,
		"attempted", res.Attempted,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"escalated", res.Escalated,
		"errors", len(res.Errors),
	)
	return res, nil
}

func (r *RetryOrchestrator) escalate(ctx context.Context, o Obligation, now time.Time) error {
	_, err := r.Repo.Transition(ctx, o.ID, []State{StateOverdue, StateRetryPending}, StateEscalated, now, nil)
	if errors.Is(err, ErrStaleState) {
		return nil
	}
	if err == nil {
		r.logger().InfoContext(ctx, "obligation escalated", "obligation", o.ID, "attempts", o.AttemptCount)
	}
	return err
}

// attempt charges attempt n and records it. An empty outcome with a nil
// error means an overlapping run already recorded this attempt.
func (r *RetryOrchestrator) attempt(ctx context.Context, o Obligation, now time.Time) (AttemptOutcome, error) {
	n := o.AttemptCount + 1
	chargeCtx := ctx
	if r.ChargeTimeout > 0 {
		var cancel context.CancelFunc
		chargeCtx, cancel = context.WithTimeout(ctx, r.ChargeTimeout)
		defer cancel()
	}

	result, err := r.Gateway.Charge(chargeCtx, ChargeRequest{
		ObligationID:   o.ID,
		AccountID:      o.AccountID,
		Amount:         o.Amount,
		Currency:       o.Currency,
		IdempotencyKey: ChargeKey(o.ID, n),
	})
	if err != nil {
		result = classifyChargeError(err)
	}

	to := StateRetryPending
	switch result.Outcome {
	case OutcomeSucceeded:
		to = StatePaid
	case OutcomePermanentFailure:
		to = StateEscalated
	case OutcomeTransientFailure:
	default:
		return "", &ValidationError{Field: "outcome", Message: fmt.Sprintf("gateway returned unknown outcome %q", result.Outcome)}
	}

	_, err = r.Repo.RecordAttempt(ctx, RetryAttempt{
		ObligationID: o.ID,
		Number:       n,
		Outcome:      result.Outcome,
		Detail:       result.Reason,
		AttemptedAt:  now,
	}, to)
	if errors.Is(err, ErrAttemptExists) {
		return "", nil
	}
	if errors.Is(err, ErrStaleState) {
		return r.settleStale(ctx, o, n, result, now)
	}
	if err != nil {
		return "", fmt.Errorf("record attempt %d: %w", n, err)
	}
	return result.Outcome, nil
}

// settleStale handles an attempt whose obligation moved while the charge
// was in flight. If an overlapping run recorded attempt n (same charge key)
// there is nothing to do. A failed charge collected nothing, so it is
// dropped. A succeeded charge collected money: the obligation is moved to
// paid and ErrChargeNotRecorded is returned alongside the outcome.
func (r *RetryOrchestrator) settleStale(ctx context.Context, o Obligation, n int, result ChargeResult, now time.Time) (AttemptOutcome, error) {
	current, err := r.Repo.GetObligation(ctx, o.ID)
	if err != nil {
		return "", fmt.Errorf("reload after stale attempt %d: %w", n, err)
	}
	if current.AttemptCount >= n || result.Outcome != OutcomeSucceeded {
		return "", nil
	}

	key := ChargeKey(o.ID, n)
	_, err = r.Repo.Transition(ctx, o.ID, SourcesFor(StatePaid), StatePaid, now, nil)
	if err != nil && !errors.Is(err, ErrStaleState) {
		return "", fmt.Errorf("mark paid after charge %s: %w", key, err)
	}
	r.logger().WarnContext(ctx, "charge succeeded after obligation moved",
		"obligation", o.ID, "charge", key, "previousState", current.State)
	return OutcomeSucceeded, fmt.Errorf("%w: %s (obligation was %s)", ErrChargeNotRecorded, key, current.State)
}

// classifyChargeError maps a gateway error onto an outcome. Only an error
// the gateway itself marked permanent escalates; anything else, including
// timeouts, is transient.
func classifyChargeError(err error) ChargeResult {
	if IsPermanent(err) {
		return ChargeResult{Outcome: OutcomePermanentFailure, Reason: err.Error()}
	}
	return ChargeResult{Outcome: OutcomeTransientFailure, Reason: err.Error()}
}

func (r *RetryOrchestrator) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
