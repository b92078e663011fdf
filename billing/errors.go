/*
errors.go - Error kinds for the billing engine

ERROR CATEGORIES:
  1. Validation        - malformed trigger parameters or inputs; rejected before
                         any state change
  2. Transient external - notification/payment capability temporarily unavailable;
                         retried by the next scheduled run, never within a run
  3. Permanent external - payment permanently declined; escalates immediately
  4. Data integrity    - duplicate natural key on create; means "already exists"

PER-ITEM vs RUN-LEVEL:
  Per-item errors are captured as ItemError in the run result and never abort
  the batch. A run-level error (repository unreachable, source unavailable)
  aborts the run and is returned to the caller.

SEE ALSO:
  - result.go: ItemError and run results
  - wallet/errors.go: ledger errors
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the root of all validation failures.
	ErrValidation = errors.New("validation failed")

	// ErrTransientExternal marks a capability failure expected to succeed later.
	ErrTransientExternal = errors.New("transient external failure")

	// ErrPermanentExternal marks a capability failure that will not succeed on retry.
	ErrPermanentExternal = errors.New("permanent external failure")

	// ErrDataIntegrity is the root of natural-key violations.
	ErrDataIntegrity = errors.New("data integrity violation")

	// ErrDuplicateObligation is returned by stores when (account, period) exists.
	ErrDuplicateObligation = fmt.Errorf("%w: obligation already exists for account and period", ErrDataIntegrity)

	// ErrReminderExists is returned when (obligation, kind) was already recorded.
	ErrReminderExists = fmt.Errorf("%w: reminder already recorded", ErrDataIntegrity)

	// ErrAttemptExists is returned when attempt N was already recorded.
	ErrAttemptExists = fmt.Errorf("%w: retry attempt already recorded", ErrDataIntegrity)

	// ErrStaleState is returned by compare-and-set transitions when the row
	// is no longer in an expected source state. Callers treat it as a lost race.
	ErrStaleState = errors.New("obligation state changed concurrently")

	// ErrChargeNotRecorded is reported when a charge succeeded at the gateway
	// but the obligation left the retry states before the attempt was written.
	// The obligation is moved to paid; the attempt row is missing.
	ErrChargeNotRecorded = errors.New("charge collected but attempt not recorded")

	// ErrInvalidTransition is returned for lifecycle moves the state machine forbids.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrObligationNotFound is returned when a referenced obligation doesn't exist.
	ErrObligationNotFound = errors.New("obligation not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ExternalError wraps a failure returned by a collaborator capability.
type ExternalError struct {
	Capability string // "notification", "payment", "accounts"
	Permanent  bool
	Reason     string
	Err        error
}

func (e *ExternalError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	msg := fmt.Sprintf("%s %s failure", e.Capability, kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExternalError) Unwrap() []error {
	root := ErrTransientExternal
	if e.Permanent {
		root = ErrPermanentExternal
	}
	if e.Err != nil {
		return []error{root, e.Err}
	}
	return []error{root}
}

// Transient builds a transient ExternalError.
func Transient(capability string, err error) *ExternalError {
	return &ExternalError{Capability: capability, Err: err}
}

// Permanent builds a permanent ExternalError.
func Permanent(capability, reason string) *ExternalError {
	return &ExternalError{Capability: capability, Permanent: true, Reason: reason}
}

// TransitionError reports a forbidden lifecycle move.
type TransitionError struct {
	ObligationID ObligationID
	From         State
	To           State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("obligation %s: cannot move from %s to %s", e.ObligationID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsValidation(err error) bool    { return errors.Is(err, ErrValidation) }
func IsTransient(err error) bool     { return errors.Is(err, ErrTransientExternal) }
func IsPermanent(err error) bool     { return errors.Is(err, ErrPermanentExternal) }
func IsDataIntegrity(err error) bool { return errors.Is(err, ErrDataIntegrity) }
func IsNotFound(err error) bool      { return errors.Is(err, ErrObligationNotFound) }
