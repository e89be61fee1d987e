package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrFatalDelivery     = errors.New("fatal delivery failure")
	ErrTransientDelivery = errors.New("transient delivery failure")
	ErrExhaustedRetries  = errors.New("delivery retries exhausted")
	ErrJobNotFound       = errors.New("job not found")
	ErrLeaseLost         = errors.New("lease not held")
	ErrGroupNotFound     = errors.New("group not found")
	ErrGroupExists       = errors.New("group already exists")
)

// ValidationError is returned synchronously at enqueue time. It matches
// ErrValidation with errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
