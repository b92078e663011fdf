package billing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/remittance-engine/billing"
	"github.com/warp/remittance-engine/store/memory"
)

// scriptedGateway returns outcomes in order and remembers every request.
type scriptedGateway struct {
	mu       sync.Mutex
	outcomes []billing.AttemptOutcome
	err      error
	requests []billing.ChargeRequest
}

func (g *scriptedGateway) Charge(_ context.Context, req billing.ChargeRequest) (billing.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return billing.ChargeResult{}, g.err
	}
	out := billing.OutcomeTransientFailure
	if len(g.outcomes) > 0 {
		out, g.outcomes = g.outcomes[0], g.outcomes[1:]
	}
	return billing.ChargeResult{Outcome: out, Reason: string(out)}, nil
}

func testPolicy() billing.BackoffPolicy {
	return billing.BackoffPolicy{BaseDelay: time.Hour, MaxDelay: 8 * time.Hour, MaxAttempts: 5}
}

// exhaust walks an overdue obligation through n transient attempts.
func exhaust(t *testing.T, repo *memory.Store, o billing.Obligation, n int, start time.Time) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := repo.RecordAttempt(context.Background(), billing.RetryAttempt{
			ObligationID: o.ID,
			Number:       i,
			Outcome:      billing.OutcomeTransientFailure,
			AttemptedAt:  start.Add(time.Duration(i) * time.Hour),
		}, billing.StateRetryPending)
		require.NoError(t, err)
	}
}

// =============================================================================
// ESCALATION
// =============================================================================

func TestRetry_ExhaustedEscalatesWithoutCharging(t *testing.T) {
	// GIVEN: an obligation in retry_pending with 5 attempts and max attempts 5
	// WHEN: the retry orchestrator runs
	// THEN: it is escalated and no sixth charge is made

	ctx := context.Background()
	repo := memory.New()
	gw := &scriptedGateway{}
	r := billing.NewRetryOrchestrator(repo, gw, testPolicy())
	due := at(2025, time.June, 30, 23)
	o := seedObligation(t, repo, "acct-1", due, billing.StateOverdue)
	exhaust(t, repo, o, 5, due)

	res, err := r.Run(ctx, due.AddDate(0, 0, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Escalated)
	assert.Equal(t, 0, res.Attempted)
	assert.Empty(t, gw.requests)

	got, err := repo.GetObligation(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StateEscalated, got.State)
	assert.Equal(t, 5, got.AttemptCount)
}

func TestRetry_PermanentFailureEscalatesImmediately(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	gw := &scriptedGateway{outcomes: []billing.AttemptOutcome{billing.OutcomePermanentFailure}}
	r := billing.NewRetryOrchestrator(repo, gw, testPolicy())
	due := at(2025, time.June, 30, 23)
	o := seedObligation(t, repo, "acct-1", due, billing.StateOverdue)

	res, err := r.Run(ctx, due.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, 1, res.Escalated)

	got, err := repo.GetObligation(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StateEscalated, got.State)
	attempts, err := repo.ListAttempts(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, billing.OutcomePermanentFailure, attempts[0].Outcome)
}

func TestRetry_GatewayErrorClassification(t *testing.T) {
	ctx := context.Background()
	due := at(2025, time.June, 30, 23)

	t.Run("unclassified error is transient", func(t *testing.T) {
		repo := memory.New()
		gw := &scriptedGateway{err: errors.New("connection reset")}
		o := seedObligation(t, repo, "acct-1", due, billing.StateOverdue)
		res, err := billing.NewRetryOrchestrator(repo, gw, testPolicy()).Run(ctx, due.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed)
		got, _ := repo.GetObligation(ctx, o.ID)
		assert.Equal(t, billing.StateRetryPending, got.State)
	})

	t.Run("permanent error escalates", func(t *testing.T) {
		repo := memory.New()
		gw := &scriptedGateway{err: billing.Permanent("payment", "card_declined")}
		o := seedObligation(t, repo, "acct-1", due, billing.StateOverdue)
		res, err := billing.NewRetryOrchestrator(repo, gw, testPolicy()).Run(ctx, due.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, res.Escalated)
		got, _ := repo.GetObligation(ctx, o.ID)
		assert.Equal(t, billing.StateEscalated, got.State)
	})
}

// =============================================================================
// BACKOFF AND ATTEMPT NUMBERING
// =============================================================================

func TestRetry_BackoffThenSuccess(t *testing.T) {
	// GIVEN: a gateway that fails twice then succeeds
	// WHEN: the orchestrator runs hourly
	// THEN: charges respect the backoff and attempts are numbered 1..3

	ctx := context.Background()
	repo := memory.New()
	gw := &scriptedGateway{outcomes: []billing.AttemptOutcome{
		billing.OutcomeTransientFailure,
		billing.OutcomeTransientFailure,
		billing.OutcomeSucceeded,
	}}
	r := billing.NewRetryOrchestrator(repo, gw, testPolicy())
	due := at(2025, time.June, 30, 23)
	o := seedObligation(t, repo, "acct-1", due, billing.StateOverdue)

	start := due.Add(time.Hour)
	for h := 0; h < 6; h++ {
		_, err := r.Run(ctx, start.Add(time.Duration(h)*time.Hour))
		require.NoError(t, err)
	}

	// Attempt 1 at +0h, attempt 2 after 1h at +1h, attempt 3 after 2h at +3h.
	require.Len(t, gw.requests, 3)
	assert.Equal(t, billing.ChargeKey(o.ID, 1), gw.requests[0].IdempotencyKey)
	assert.Equal(t, billing.ChargeKey(o.ID, 3), gw.requests[2].IdempotencyKey)

	attempts, err := repo.ListAttempts(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.Number)
	}
	assert.Equal(t, start.Add(3*time.Hour), attempts[2].AttemptedAt)

	got, err := repo.GetObligation(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatePaid, got.State)
}

func TestRetry_NotYetEligibleIsSkipped(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	gw := &scriptedGateway{}
	r := billing.NewRetryOrchestrator(repo, gw, testPolicy())
	due := at(2025, time.June, 30, 23)
	o := seedObligation(t, repo, "acct-1", due, billing.StateOverdue)
	exhaust(t, repo, o, 3, due) // last attempt at due+3h, next eligible at due+7h

	res, err := r.Run(ctx, due.Add(6*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scanned)
	assert.Equal(t, 0, res.Attempted)
	assert.Empty(t, gw.requests)
}

func TestRetry_ConcurrentRunsKeepAttemptsGapless(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	gw := &scriptedGateway{}
	r := billing.NewRetryOrchestrator(repo, gw, testPolicy())
	due := at(2025, time.June, 30, 23)
	o := seedObligation(t, repo, "acct-1", due, billing.StateOverdue)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Run(ctx, due.Add(time.Hour))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	attempts, err := repo.ListAttempts(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1, "overlapping runs record attempt 1 once")
	assert.Equal(t, 1, attempts[0].Number)
	for _, req := range gw.requests {
		assert.Equal(t, billing.ChargeKey(o.ID, 1), req.IdempotencyKey)
	}
}

func TestRetry_PaidObligationsAreIgnored(t *testing.T) {
	repo := memory.New()
	gw := &scriptedGateway{}
	due := at(2025, time.June, 30, 23)
	seedObligation(t, repo, "acct-1", due, billing.StatePaid)

	res, err := billing.NewRetryOrchestrator(repo, gw, testPolicy()).Run(context.Background(), due.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Scanned)
	assert.Empty(t, gw.requests)
}

func TestRetry_SucceededChargeOnMovedObligationIsSettled(t *testing.T) {
	// GIVEN: an overdue obligation that an admin cancels while its charge is in flight
	// WHEN: the gateway reports the charge succeeded
	// THEN: the obligation ends paid, the charge is counted and the missing
	//       attempt row is reported as an item error

	ctx := context.Background()
	repo := memory.New()
	due := at(2025, time.June, 30, 23)
	now := due.Add(time.Hour)
	o := seedObligation(t, repo, "acct-1", due, billing.StateOverdue)

	admin := &billing.Admin{Repo: repo}
	gw := billing.PaymentGatewayFunc(func(ctx context.Context, req billing.ChargeRequest) (billing.ChargeResult, error) {
		_, err := admin.Cancel(ctx, req.ObligationID, now)
		require.NoError(t, err)
		return billing.ChargeResult{Outcome: billing.OutcomeSucceeded}, nil
	})

	res, err := billing.NewRetryOrchestrator(repo, gw, testPolicy()).Run(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, 1, res.Succeeded)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "record-attempt", res.Errors[0].Op)
	assert.ErrorIs(t, res.Errors[0], billing.ErrChargeNotRecorded)

	got, err := repo.GetObligation(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatePaid, got.State)
}

func TestRetry_FailedChargeOnMovedObligationIsDropped(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	due := at(2025, time.June, 30, 23)
	now := due.Add(time.Hour)
	o := seedObligation(t, repo, "acct-1", due, billing.StateOverdue)

	admin := &billing.Admin{Repo: repo}
	gw := billing.PaymentGatewayFunc(func(ctx context.Context, req billing.ChargeRequest) (billing.ChargeResult, error) {
		_, err := admin.Cancel(ctx, req.ObligationID, now)
		require.NoError(t, err)
		return billing.ChargeResult{Outcome: billing.OutcomeTransientFailure}, nil
	})

	res, err := billing.NewRetryOrchestrator(repo, gw, testPolicy()).Run(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Attempted)
	assert.Empty(t, res.Errors)

	got, err := repo.GetObligation(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StateCancelled, got.State)
}
