/*
scheduler.go - Automated billing runs

PURPOSE:
  Periodically drives the orchestrators through the dispatcher so that a
  deployment needs no external cron. Manual triggers through the API keep
  working alongside it.

DESIGN:
  - Runs a background goroutine with configurable interval
  - Each tick runs, in order:
      calculate-period  (current period, once the day of month reaches CalculateDay)
      mark-overdue
      send-reminders
      retry-failed
  - Every run is idempotent, so a repeated tick only costs a scan
  - An optional RunLock keeps replicas from ticking at the same time; a
    tick that cannot take the lock is skipped

CONFIGURATION:
  - Interval: How often to tick (default: 15 minutes)
  - CalculateDay: First day of month on which calculate-period runs
  - Enabled: Whether scheduler is active

USAGE:
  scheduler := NewScheduler(dispatcher)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers_billing.go: Trigger endpoint (manual runs)
  - store/redislock: RunLock backed by redis
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/remittance-engine/billing"
)

// RunLock is a non-blocking cross-process lock.
type RunLock interface {
	TryLock(ctx context.Context, name string) (release func(context.Context) error, ok bool, err error)
}

// TickReport summarizes one scheduler tick.
type TickReport struct {
	At      time.Time
	Skipped bool
	Results []billing.TriggerResult
	Errors  []string
}

// Scheduler runs the billing orchestrators on an interval.
type Scheduler struct {
	Dispatcher   *billing.Dispatcher
	Interval     time.Duration
	CalculateDay int
	Enabled      bool
	Lock         RunLock
	Now          func() time.Time
	Logger       *slog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

const schedulerLockName = "scheduler-tick"

// NewScheduler creates a scheduler with default settings.
func NewScheduler(dispatcher *billing.Dispatcher) *Scheduler {
	return &Scheduler{
		Dispatcher:   dispatcher,
		Interval:     15 * time.Minute,
		CalculateDay: 1,
		Enabled:      true,
		Now:          func() time.Time { return time.Now().UTC() },
		Logger:       slog.Default().With("component", "scheduler"),
	}
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.Logger.Info("scheduler started", "interval", s.Interval)
}

// Stop stops the scheduler and waits for an in-flight tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Logger.Info("scheduler stopped")
	}
}

func (s *Scheduler) run(ticker *time.Ticker, stop chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	s.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow performs one tick synchronously.
func (s *Scheduler) RunNow(ctx context.Context) TickReport {
	now := s.Now()
	report := TickReport{At: now}

	if s.Lock != nil {
		release, ok, err := s.Lock.TryLock(ctx, schedulerLockName)
		if err != nil {
			s.Logger.WarnContext(ctx, "run lock unavailable, skipping tick", "error", err)
			report.Skipped = true
			return report
		}
		if !ok {
			s.Logger.DebugContext(ctx, "run lock held elsewhere, skipping tick")
			report.Skipped = true
			return report
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.Logger.WarnContext(ctx, "run lock release failed", "error", err)
			}
		}()
	}

	for _, step := range s.plan(now) {
		if ctx.Err() != nil {
			break
		}
		res, err := s.Dispatcher.Trigger(ctx, string(step.kind), step.params, now)
		if err != nil {
			s.Logger.ErrorContext(ctx, "scheduled run failed", "kind", step.kind, "error", err)
			report.Errors = append(report.Errors, string(step.kind)+": "+err.Error())
			continue
		}
		report.Results = append(report.Results, res)
		if res.TotalProcessed > 0 || len(res.Errors) > 0 {
			s.Logger.InfoContext(ctx, "scheduled run completed",
				"kind", res.Kind, "processed", res.TotalProcessed, "item_errors", len(res.Errors))
		}
	}
	return report
}

type scheduledStep struct {
	kind   billing.TriggerKind
	params map[string]string
}

// plan lists the runs for a tick, leaving out kinds the dispatcher has no
// orchestrator for.
func (s *Scheduler) plan(now time.Time) []scheduledStep {
	var steps []scheduledStep
	if now.Day() >= s.CalculateDay {
		steps = append(steps, scheduledStep{
			kind:   billing.KindCalculatePeriod,
			params: map[string]string{"period": billing.PeriodOf(now).String()},
		})
	}
	steps = append(steps,
		scheduledStep{kind: billing.KindMarkOverdue},
		scheduledStep{kind: billing.KindSendReminders},
		scheduledStep{kind: billing.KindRetryFailed},
	)

	out := steps[:0]
	for _, st := range steps {
		if s.Dispatcher.Configured(st.kind) {
			out = append(out, st)
		}
	}
	return out
}
