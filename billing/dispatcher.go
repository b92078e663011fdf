/*
dispatcher.go - External trigger entry point

PURPOSE:
  One door for every caller that starts an orchestrator run: the HTTP
  trigger endpoint, the CLI and the background scheduler. Parameters are
  validated before anything runs, and every run comes back in the same
  shape: total processed, per-kind counters, item error strings.

KINDS:
  calculate-period  params: period=YYYY-MM (required)
  mark-overdue      no params
  send-reminders    no params
  retry-failed      no params

SEE ALSO:
  - api/handlers_billing.go: POST /api/triggers/{kind}
  - cmd/duesctl: trigger subcommand
*/
package billing

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"
)

type TriggerKind string

const (
	KindCalculatePeriod TriggerKind = "calculate-period"
	KindMarkOverdue     TriggerKind = "mark-overdue"
	KindSendReminders   TriggerKind = "send-reminders"
	KindRetryFailed     TriggerKind = "retry-failed"
)

var TriggerKinds = []TriggerKind{KindCalculatePeriod, KindMarkOverdue, KindSendReminders, KindRetryFailed}

// ParseTriggerKind validates a caller-supplied kind.
func ParseTriggerKind(s string) (TriggerKind, error) {
	for _, k := range TriggerKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown trigger kind %q", s)}
}

// TriggerResult is the uniform outcome of a triggered run.
type TriggerResult struct {
	Kind           TriggerKind       `json:"kind"`
	TotalProcessed int               `json:"totalProcessed"`
	Breakdown      map[string]string `json:"breakdown"`
	Errors         []string          `json:"errors"`
}

type Dispatcher struct {
	Calculator *Calculator
	Reminders  *ReminderOrchestrator
	Retries    *RetryOrchestrator
}

// Configured reports whether the orchestrator behind k is wired. A
// deployment without a payment service leaves Retries nil, for example.
func (d *Dispatcher) Configured(k TriggerKind) bool {
	switch k {
	case KindCalculatePeriod, KindMarkOverdue:
		return d.Calculator != nil
	case KindSendReminders:
		return d.Reminders != nil
	case KindRetryFailed:
		return d.Retries != nil
	}
	return false
}

// Trigger validates kind and params, then runs the matching orchestrator.
// A validation error is returned before any state change.
func (d *Dispatcher) Trigger(ctx context.Context, kind string, params map[string]string, now time.Time) (TriggerResult, error) {
	k, err := ParseTriggerKind(kind)
	if err != nil {
		return TriggerResult{}, err
	}
	if !d.Configured(k) {
		return TriggerResult{}, &ValidationError{Field: "kind", Message: fmt.Sprintf("%s is not configured on this deployment", k)}
	}

	switch k {
	case KindCalculatePeriod:
		raw, ok := params["period"]
		if !ok || raw == "" {
			return TriggerResult{}, &ValidationError{Field: "period", Message: "required for calculate-period"}
		}
		period, err := ParsePeriod(raw)
		if err != nil {
			return TriggerResult{}, err
		}
		res, err := d.Calculator.RunPeriod(ctx, period, now)
		if err != nil {
			return TriggerResult{}, err
		}
		return TriggerResult{
			Kind:           k,
			TotalProcessed: res.TotalProcessed(),
			Breakdown: map[string]string{
				"period":         period.String(),
				"created":        strconv.Itoa(res.Created),
				"skipped":        strconv.Itoa(res.Skipped),
				"totalScheduled": res.TotalScheduled.StringFixed(2),
			},
			Errors: errorStrings(res.Errors),
		}, nil

	case KindMarkOverdue:
		res, err := d.Calculator.MarkOverdue(ctx, now)
		if err != nil {
			return TriggerResult{}, err
		}
		return TriggerResult{
			Kind:           k,
			TotalProcessed: res.Scanned,
			Breakdown: map[string]string{
				"transitioned": strconv.Itoa(res.Transitioned),
			},
			Errors: errorStrings(res.Errors),
		}, nil

	case KindSendReminders:
		res, err := d.Reminders.Run(ctx, now)
		if err != nil {
			return TriggerResult{}, err
		}
		return TriggerResult{
			Kind:           k,
			TotalProcessed: res.Scanned,
			Breakdown: map[string]string{
				"sevenDay": strconv.Itoa(res.SevenDay),
				"oneDay":   strconv.Itoa(res.OneDay),
				"overdue":  strconv.Itoa(res.Overdue),
			},
			Errors: errorStrings(res.Errors),
		}, nil

	default: // KindRetryFailed
		res, err := d.Retries.Run(ctx, now)
		if err != nil {
			return TriggerResult{}, err
		}
		return TriggerResult{
			Kind:           k,
			TotalProcessed: res.Scanned,
			Breakdown: map[string]string{
				"attempted": strconv.Itoa(res.Attempted),
				"succeeded": strconv.Itoa(res.Succeeded),
				"failed":    strconv.Itoa(res.Failed),
				"escalated": strconv.Itoa(res.Escalated),
			},
			Errors: errorStrings(res.Errors),
		}, nil
	}
}

func errorStrings(errs []ItemError) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Error())
	}
	sort.Strings(out)
	return out
}
