package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/remittance-engine/billing"
)

type fakeLock struct {
	mu       sync.Mutex
	held     bool
	err      error
	released int
}

func (l *fakeLock) TryLock(context.Context, string) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held {
		return nil, false, nil
	}
	l.held = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.held = false
		l.released++
		return nil
	}, true, nil
}

func newTestScheduler(t *testing.T, now time.Time) (*Scheduler, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	s := NewScheduler(env.handler.Dispatcher)
	s.Now = func() time.Time { return now }
	return s, env
}

func kinds(results []billing.TriggerResult) []billing.TriggerKind {
	out := make([]billing.TriggerKind, len(results))
	for i, r := range results {
		out[i] = r.Kind
	}
	return out
}

func TestScheduler_TickRunsAllKinds(t *testing.T) {
	// GIVEN: a scheduler on the first of June with calculate day 1
	// WHEN: one tick runs
	// THEN: the period is calculated and the three sweeps run in order

	s, env := newTestScheduler(t, fixedNow)

	report := s.RunNow(context.Background())
	require.False(t, report.Skipped)
	assert.Empty(t, report.Errors)
	assert.Equal(t, []billing.TriggerKind{
		billing.KindCalculatePeriod,
		billing.KindMarkOverdue,
		billing.KindSendReminders,
		billing.KindRetryFailed,
	}, kinds(report.Results))
	assert.Equal(t, "2", report.Results[0].Breakdown["created"])

	june, err := env.repo.ListObligations(context.Background(), billing.ObligationFilter{Period: billing.MustParsePeriod("2025-06")})
	require.NoError(t, err)
	assert.Len(t, june, 2)

	// A second tick creates nothing new.
	report = s.RunNow(context.Background())
	assert.Equal(t, "0", report.Results[0].Breakdown["created"])
}

func TestScheduler_CalculateDayGatesCalculation(t *testing.T) {
	s, _ := newTestScheduler(t, fixedNow)
	s.CalculateDay = 5

	report := s.RunNow(context.Background())
	assert.Equal(t, []billing.TriggerKind{
		billing.KindMarkOverdue,
		billing.KindSendReminders,
		billing.KindRetryFailed,
	}, kinds(report.Results))
}

func TestScheduler_RunLock(t *testing.T) {
	s, env := newTestScheduler(t, fixedNow)
	lock := &fakeLock{}
	s.Lock = lock

	// Held elsewhere: the tick is skipped and nothing is written.
	lock.held = true
	report := s.RunNow(context.Background())
	assert.True(t, report.Skipped)
	all, err := env.repo.ListObligations(context.Background(), billing.ObligationFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)

	// Lock backend down: skipped too.
	lock.held = false
	lock.err = errors.New("connection refused")
	assert.True(t, s.RunNow(context.Background()).Skipped)

	// Free: the tick runs and releases the lock.
	lock.err = nil
	report = s.RunNow(context.Background())
	assert.False(t, report.Skipped)
	assert.Len(t, report.Results, 4)
	assert.False(t, lock.held)
	assert.Equal(t, 1, lock.released)
}

func TestScheduler_StartStop(t *testing.T) {
	s, env := newTestScheduler(t, fixedNow)
	s.Interval = time.Hour

	s.Start()
	require.Eventually(t, func() bool {
		all, err := env.repo.ListObligations(context.Background(), billing.ObligationFilter{})
		return err == nil && len(all) == 2
	}, 2*time.Second, 10*time.Millisecond)
	s.Stop()
	s.Stop()
}

func TestScheduler_DisabledDoesNotStart(t *testing.T) {
	s, env := newTestScheduler(t, fixedNow)
	s.Enabled = false

	s.Start()
	s.Stop()

	all, err := env.repo.ListObligations(context.Background(), billing.ObligationFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestScheduler_SkipsUnconfiguredKinds(t *testing.T) {
	s, _ := newTestScheduler(t, fixedNow)
	s.Dispatcher.Retries = nil

	report := s.RunNow(context.Background())
	assert.Empty(t, report.Errors)
	assert.Equal(t, []billing.TriggerKind{
		billing.KindCalculatePeriod,
		billing.KindMarkOverdue,
		billing.KindSendReminders,
	}, kinds(report.Results))
}
