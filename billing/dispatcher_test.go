package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/remittance-engine/billing"
	"github.com/warp/remittance-engine/store/memory"
)

func newDispatcher(repo *memory.Store, source billing.AccountSource, gw billing.PaymentGateway) *billing.Dispatcher {
	return &billing.Dispatcher{
		Calculator: billing.NewCalculator(repo, source, "USD"),
		Reminders:  billing.NewReminderOrchestrator(repo, &recordingNotifier{}, billing.DefaultReminderSchedule()),
		Retries:    billing.NewRetryOrchestrator(repo, gw, testPolicy()),
	}
}

func TestTrigger_ValidationBeforeAnyStateChange(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	d := newDispatcher(repo, oneMemberAt("10.00"), &scriptedGateway{})
	now := at(2025, time.June, 1, 0)

	cases := []struct {
		kind   string
		params map[string]string
	}{
		{"rebuild-everything", nil},
		{"calculate-period", nil},
		{"calculate-period", map[string]string{"period": "June"}},
	}
	for _, tc := range cases {
		_, err := d.Trigger(ctx, tc.kind, tc.params, now)
		assert.True(t, billing.IsValidation(err), "%s %v", tc.kind, tc.params)
	}

	all, err := repo.ListObligations(ctx, billing.ObligationFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestTrigger_CalculatePeriodBreakdown(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	d := newDispatcher(repo, oneMemberAt("10.00"), &scriptedGateway{})

	res, err := d.Trigger(ctx, "calculate-period", map[string]string{"period": "2025-06"}, at(2025, time.June, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, billing.KindCalculatePeriod, res.Kind)
	assert.Equal(t, 1, res.TotalProcessed)
	assert.Equal(t, "1", res.Breakdown["created"])
	assert.Equal(t, "10.00", res.Breakdown["totalScheduled"])
	assert.Empty(t, res.Errors)
}

func TestTrigger_EndToEndMonth(t *testing.T) {
	// GIVEN: one account billed for June and a gateway that declines once
	// WHEN: the month is driven through triggers only
	// THEN: the obligation ends up paid on the second charge

	ctx := context.Background()
	repo := memory.New()
	gw := &scriptedGateway{outcomes: []billing.AttemptOutcome{billing.OutcomeTransientFailure, billing.OutcomeSucceeded}}
	d := newDispatcher(repo, oneMemberAt("10.00"), gw)

	_, err := d.Trigger(ctx, "calculate-period", map[string]string{"period": "2025-06"}, at(2025, time.June, 1, 0))
	require.NoError(t, err)

	res, err := d.Trigger(ctx, "send-reminders", nil, at(2025, time.June, 24, 9))
	require.NoError(t, err)
	assert.Equal(t, "1", res.Breakdown["sevenDay"])

	res, err = d.Trigger(ctx, "mark-overdue", nil, at(2025, time.July, 1, 9))
	require.NoError(t, err)
	assert.Equal(t, "1", res.Breakdown["transitioned"])

	res, err = d.Trigger(ctx, "retry-failed", nil, at(2025, time.July, 1, 10))
	require.NoError(t, err)
	assert.Equal(t, "1", res.Breakdown["failed"])

	res, err = d.Trigger(ctx, "retry-failed", nil, at(2025, time.July, 1, 11))
	require.NoError(t, err)
	assert.Equal(t, "1", res.Breakdown["succeeded"])

	o, err := repo.FindObligation(ctx, "acct-1", june2025)
	require.NoError(t, err)
	assert.Equal(t, billing.StatePaid, o.State)
	assert.Equal(t, 2, o.AttemptCount)
}

func TestTrigger_UnconfiguredOrchestrator(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	d := newDispatcher(repo, oneMemberAt("10.00"), &scriptedGateway{})
	d.Retries = nil

	assert.False(t, d.Configured(billing.KindRetryFailed))
	assert.True(t, d.Configured(billing.KindSendReminders))

	_, err := d.Trigger(ctx, "retry-failed", nil, at(2025, time.June, 1, 0))
	assert.True(t, billing.IsValidation(err))
}
