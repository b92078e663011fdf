/*
calculator.go - Remittance calculator and overdue sweep

PURPOSE:
  Turns membership/rate data into one Obligation per (account, period), and
  moves obligations past their due date into overdue.

RUN PERIOD:
  1. Ping the repository (run-level failure aborts)
  2. List billable accounts from the source (run-level failure aborts)
  3. For each account: compute amount and due date, insert-if-absent
  4. Collect per-account failures; never abort the batch

  Calling RunPeriod twice for the same period creates nothing the second
  time: every account is reported as skipped.

MARK OVERDUE:
  Scans pre-due obligations (scheduled, reminded_7day, reminded_1day) whose
  due date is before now and moves them to overdue with compare-and-set.
  Obligations already overdue, retrying or terminal are never touched.
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

type Calculator struct {
	Repo            Repository
	Source          AccountSource
	DefaultCurrency string
	Tracker         RunTracker
	Logger          *slog.Logger
}

func NewCalculator(repo Repository, source AccountSource, currency string) *Calculator {
	return &Calculator{
		Repo:            repo,
		Source:          source,
		DefaultCurrency: currency,
		Logger:          slog.Default().With("component", "calculator"),
	}
}

// RunPeriod creates the period's scheduled obligations. now stamps CreatedAt.
func (c *Calculator) RunPeriod(ctx context.Context, period Period, now time.Time) (res PeriodRunResult, err error) {
	ctx, done := trackerOrNoop(c.Tracker).TrackRun(ctx, "calculate-period")
	defer func() { done(res.TotalProcessed(), len(res.Errors), err) }()

	res = PeriodRunResult{Period: period, TotalScheduled: decimal.Zero}
	if period.IsZero() {
		return res, &ValidationError{Field: "period", Message: "required"}
	}
	if err := c.Repo.Ping(ctx); err != nil {
		return res, fmt.Errorf("repository unavailable: %w", err)
	}

	accounts, err := c.Source.ListBillableAccounts(ctx, period)
	if err != nil {
		return res, &ExternalError{Capability: "accounts", Err: err}
	}

	for _, acct := range accounts {
		if ctx.Err() != nil {
			break
		}
		o, err := c.buildObligation(acct, period, now)
		if err != nil {
			res.Errors = append(res.Errors, ItemError{AccountID: acct.AccountID, Op: "calculate", Err: err})
			continue
		}
		created, err := c.Repo.CreateObligation(ctx, o)
		switch {
		case errors.Is(err, ErrDuplicateObligation):
			res.Skipped++
		case err != nil:
			c.logger().WarnContext(ctx, "create obligation failed", "account", acct.AccountID, "period", period.String(), "error", err)
			res.Errors = append(res.Errors, ItemError{AccountID: acct.AccountID, Op: "create", Err: err})
		case created:
			res.Created++
			res.TotalScheduled = res.TotalScheduled.Add(o.Amount)
		default:
			res.Skipped++
		}
	}

	c.logger().InfoContext(ctx, "period calculated",
		"period", period.String(),
		"created", res.Created,
		"skipped", res.Skipped,
		"total_scheduled", res.TotalScheduled.String(),
		"errors", len(res.Errors),
	)
	return res, nil
}

func (c *Calculator) buildObligation(acct BillableAccount, period Period, now time.Time) (Obligation, error) {
	if acct.AccountID == "" {
		return Obligation{}, &ValidationError{Field: "account_id", Message: "required"}
	}
	if acct.Members < 0 {
		return Obligation{}, &ValidationError{Field: "members", Message: "must not be negative"}
	}
	amount := acct.AmountDue()
	if !amount.IsPositive() {
		return Obligation{}, &ValidationError{Field: "amount", Message: fmt.Sprintf("must be positive, got %s", amount)}
	}
	due := acct.DueDate
	if due.IsZero() {
		due = period.End()
	}
	currency := acct.Currency
	if currency == "" {
		currency = c.DefaultCurrency
	}
	return Obligation{
		ID:        NewObligationID(),
		AccountID: acct.AccountID,
		Period:    period,
		Amount:    amount,
		Currency:  currency,
		DueDate:   due.UTC(),
		State:     StateScheduled,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// MarkOverdue moves every pre-due obligation whose due date has passed to overdue.
func (c *Calculator) MarkOverdue(ctx context.Context, now time.Time) (res OverdueResult, err error) {
	ctx, done := trackerOrNoop(c.Tracker).TrackRun(ctx, "mark-overdue")
	defer func() { done(res.Scanned, len(res.Errors), err) }()

	if err := c.Repo.Ping(ctx); err != nil {
		return res, fmt.Errorf("repository unavailable: %w", err)
	}
	preDue := []State{StateScheduled, StateReminded7Day, StateReminded1Day}
	candidates, err := c.Repo.ListObligations(ctx, ObligationFilter{States: preDue, DueBefore: now})
	if err != nil {
		return res, fmt.Errorf("list obligations: %w", err)
	}

	for _, o := range candidates {
		if ctx.Err() != nil {
			break
		}
		res.Scanned++
		if !now.After(o.DueDate) {
			continue
		}
		_, err := c.Repo.Transition(ctx, o.ID, preDue, StateOverdue, now, nil)
		switch {
		case errors.Is(err, ErrStaleState):
			// Paid, cancelled or already swept by an overlapping run.
		case err != nil:
			res.Errors = append(res.Errors, ItemError{ObligationID: o.ID, AccountID: o.AccountID, Op: "mark-overdue", Err: err})
		default:
			res.Transitioned++
		}
	}

	c.logger().InfoContext(ctx, "overdue sweep complete", "scanned", res.Scanned, "transitioned", res.Transitioned, "errors", len(res.Errors))
	return res, nil
}

func (c *Calculator) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
