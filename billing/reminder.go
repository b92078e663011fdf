/*
reminder.go - Reminder orchestrator

PURPOSE:
  Sends at most one reminder of each kind per obligation, on the cadence
  seven days before due, one day before due, and once overdue.

KIND SELECTION (per obligation, at now):
  overdue:   now > due, state overdue or retry_pending
  one_day:   now >= due - OneDayLead, state scheduled or reminded_7day
  seven_day: now >= due - SevenDayLead, state scheduled

  The latest applicable kind wins, so an obligation created inside the
  one-day window gets only the one-day reminder. The overdue notice waits
  for the calculator's sweep to move the obligation to overdue.

ORDER OF EFFECTS:
  1. Skip if a ReminderRecord for (obligation, kind) exists
  2. Send through the notifier
  3. On success, write the record and apply the transition atomically

  A failed send writes nothing, so the next run retries the same reminder.
  A send that succeeds after an overlapping run already recorded the kind
  surfaces as ErrReminderExists and is not counted.
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// ReminderSchedule holds the reminder lead times.
type ReminderSchedule struct {
	SevenDayLead time.Duration
	OneDayLead   time.Duration
}

func DefaultReminderSchedule() ReminderSchedule {
	return ReminderSchedule{SevenDayLead: 7 * 24 * time.Hour, OneDayLead: 24 * time.Hour}
}

type ReminderOrchestrator struct {
	Repo     Repository
	Notifier Notifier
	Schedule ReminderSchedule

	// SendTimeout bounds each notifier call. Zero means no extra bound.
	SendTimeout time.Duration

	// Limiter throttles notifier calls when set.
	Limiter *rate.Limiter

	Tracker RunTracker
	Logger  *slog.Logger
}

func NewReminderOrchestrator(repo Repository, notifier Notifier, schedule ReminderSchedule) *ReminderOrchestrator {
	return &ReminderOrchestrator{
		Repo:     repo,
		Notifier: notifier,
		Schedule: schedule,
		Logger:   slog.Default().With("component", "reminders"),
	}
}

// KindAt returns the reminder kind applicable to o at now, and the state the
// obligation moves to once it is recorded (empty for no transition).
func (r *ReminderOrchestrator) KindAt(o Obligation, now time.Time) (kind ReminderKind, from []State, to State, ok bool) {
	switch {
	case now.After(o.DueDate) && (o.State == StateOverdue || o.State == StateRetryPending):
		return ReminderOverdue, nil, "", true
	case !now.Before(o.DueDate.Add(-r.Schedule.OneDayLead)) && !now.After(o.DueDate) &&
		(o.State == StateScheduled || o.State == StateReminded7Day):
		return ReminderOneDay, []State{StateScheduled, StateReminded7Day}, StateReminded1Day, true
	case !now.Before(o.DueDate.Add(-r.Schedule.SevenDayLead)) && !now.After(o.DueDate) &&
		o.State == StateScheduled:
		return ReminderSevenDay, []State{StateScheduled}, StateReminded7Day, true
	}
	return "", nil, "", false
}

// Run scans non-terminal obligations and sends whatever reminder is due.
func (r *ReminderOrchestrator) Run(ctx context.Context, now time.Time) (res ReminderResult, err error) {
	ctx, done := trackerOrNoop(r.Tracker).TrackRun(ctx, "send-reminders")
	defer func() { done(res.Scanned, len(res.Errors), err) }()

	if err := r.Repo.Ping(ctx); err != nil {
		return res, fmt.Errorf("repository unavailable: %w", err)
	}
	obligations, err := r.Repo.ListObligations(ctx, ObligationFilter{States: nonTerminal()})
	if err != nil {
		return res, fmt.Errorf("list obligations: %w", err)
	}

	for _, o := range obligations {
		if ctx.Err() != nil {
			break
		}
		res.Scanned++
		kind, from, to, ok := r.KindAt(o, now)
		if !ok {
			continue
		}
		sent, err := r.remind(ctx, o, kind, from, to, now)
		if err != nil {
			r.logger().WarnContext(ctx, "reminder failed", "obligation", o.ID, "kind", kind, "error", err)
			res.Errors = append(res.Errors, ItemError{ObligationID: o.ID, AccountID: o.AccountID, Op: "remind-" + string(kind), Err: err})
			continue
		}
		if !sent {
			continue
		}
		switch kind {
		case ReminderSevenDay:
			res.SevenDay++
		case ReminderOneDay:
			res.OneDay++
		case ReminderOverdue:
			res.Overdue++
		}
	}

	r.logger().InfoContext(ctx, "reminder run complete",
		"scanned", res.Scanned,
		"seven_day", res.SevenDay,
		"one_day", res.OneDay,
		"overdue", res.Overdue,
		"errors", len(res.Errors),
	)
	return res, nil
}

func (r *ReminderOrchestrator) remind(ctx context.Context, o Obligation, kind ReminderKind, from []State, to State, now time.Time) (bool, error) {
	exists, err := r.Repo.HasReminder(ctx, o.ID, kind)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	if r.Limiter != nil {
		if err := r.Limiter.Wait(ctx); err != nil {
			return false, err
		}
	}
	sendCtx := ctx
	if r.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, r.SendTimeout)
		defer cancel()
	}
	msg := ReminderContext{
		ObligationID: o.ID,
		Period:       o.Period,
		Amount:       o.Amount,
		Currency:     o.Currency,
		DueDate:      o.DueDate,
	}
	if err := r.Notifier.Send(sendCtx, o.AccountID, kind, msg); err != nil {
		var ext *ExternalError
		if errors.As(err, &ext) {
			return false, err
		}
		return false, Transient("notification", err)
	}

	rec := ReminderRecord{ObligationID: o.ID, Kind: kind, Period: o.Period, SentAt: now}
	err = r.Repo.RecordReminder(ctx, rec, from, to)
	switch {
	case errors.Is(err, ErrReminderExists):
		return false, nil
	case errors.Is(err, ErrStaleState):
		// Paid or cancelled between scan and record; the notice already went out.
		r.logger().InfoContext(ctx, "reminder sent but obligation moved on", "obligation", o.ID, "kind", kind)
		return false, nil
	case err != nil:
		return false, fmt.Errorf("record reminder: %w", err)
	}
	return true, nil
}

func (r *ReminderOrchestrator) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
