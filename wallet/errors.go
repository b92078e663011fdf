package wallet

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")

	// ErrDuplicateKey is returned by stores when (account, idempotency key)
	// already has an entry. The engine turns it into "return the prior entry".
	ErrDuplicateKey = errors.New("duplicate idempotency key")

	ErrEntryNotFound = errors.New("ledger entry not found")
)

// ValidationError describes a rejected append or query.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool   { return errors.Is(err, ErrEntryNotFound) }
