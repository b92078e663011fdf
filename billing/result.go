package billing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RUN RESULTS - One explicit type per orchestrator operation
// =============================================================================

// ItemError is a per-item failure captured during a batch run. It never
// aborts the batch.
type ItemError struct {
	AccountID    AccountID
	ObligationID ObligationID
	Op           string
	Err          error
}

func (e ItemError) Error() string {
	subject := string(e.ObligationID)
	if subject == "" {
		subject = "account " + string(e.AccountID)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, subject, e.Err)
}

func (e ItemError) Unwrap() error { return e.Err }

type PeriodRunResult struct {
	Period         Period
	Created        int
	Skipped        int
	TotalScheduled decimal.Decimal
	Errors         []ItemError
}

func (r PeriodRunResult) TotalProcessed() int { return r.Created + r.Skipped + len(r.Errors) }

type OverdueResult struct {
	Scanned      int
	Transitioned int
	Errors       []ItemError
}

type ReminderResult struct {
	Scanned  int
	SevenDay int
	OneDay   int
	Overdue  int
	Errors   []ItemError
}

func (r ReminderResult) Sent() int { return r.SevenDay + r.OneDay + r.Overdue }

type RetryResult struct {
	Scanned   int
	Attempted int
	Succeeded int
	Failed    int // transient, still retrying
	Escalated int
	Errors    []ItemError
}

// =============================================================================
// RUN TRACKING - Hook for metrics/tracing around a run
// =============================================================================

// RunTracker observes orchestrator runs. The returned func is called once
// with the number of items processed, the number of item errors and the
// run-level error, if any.
type RunTracker interface {
	TrackRun(ctx context.Context, kind string) (context.Context, func(processed, itemErrors int, err error))
}

type noopTracker struct{}

func (noopTracker) TrackRun(ctx context.Context, _ string) (context.Context, func(int, int, error)) {
	return ctx, func(int, int, error) {}
}

func trackerOrNoop(t RunTracker) RunTracker {
	if t == nil {
		return noopTracker{}
	}
	return t
}
