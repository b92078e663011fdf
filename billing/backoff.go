package billing

import (
	"fmt"
	"time"
)

// =============================================================================
// BACKOFF POLICY - Bounded exponential delay between payment retries
// =============================================================================

// BackoffPolicy bounds the retry loop. All three values are deployment
// configuration; Validate rejects a policy that could retry forever.
type BackoffPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultBackoffPolicy: 1h, 2h, 4h, ... capped at 72h, five charges total.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		BaseDelay:   time.Hour,
		MaxDelay:    72 * time.Hour,
		MaxAttempts: 5,
	}
}

func (p BackoffPolicy) Validate() error {
	switch {
	case p.BaseDelay <= 0:
		return &ValidationError{Field: "retry.base_delay", Message: "must be positive"}
	case p.MaxDelay <= 0:
		return &ValidationError{Field: "retry.max_delay", Message: "must be positive"}
	case p.BaseDelay > p.MaxDelay:
		return &ValidationError{Field: "retry.base_delay", Message: fmt.Sprintf("%s exceeds max_delay %s", p.BaseDelay, p.MaxDelay)}
	case p.MaxAttempts <= 0:
		return &ValidationError{Field: "retry.max_attempts", Message: "must be positive"}
	}
	return nil
}

// Delay returns how long to wait after the n-th failed attempt before the
// next one: BaseDelay * 2^(n-1), capped at MaxDelay. Delay(0) is zero so a
// never-attempted obligation is eligible immediately.
func (p BackoffPolicy) Delay(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < n; i++ {
		// Compare before doubling so large n cannot overflow.
		if delay >= p.MaxDelay/2 {
			return p.MaxDelay
		}
		delay *= 2
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// NextEligible returns when the obligation may be charged again.
func (p BackoffPolicy) NextEligible(o Obligation) time.Time {
	if o.AttemptCount == 0 || o.LastAttemptAt.IsZero() {
		return time.Time{}
	}
	return o.LastAttemptAt.Add(p.Delay(o.AttemptCount))
}

// Exhausted reports whether no further charge may be made.
func (p BackoffPolicy) Exhausted(o Obligation) bool {
	return o.AttemptCount >= p.MaxAttempts
}
