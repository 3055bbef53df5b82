package order

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrNotCancellable    = errors.New("order not cancellable in its current status")
	ErrNotModifiable     = errors.New("order not modifiable in its current status")
	ErrTerminalState     = errors.New("order is in a terminal state")
	ErrSubmitInFlight    = errors.New("a submit attempt for this order is already in flight")
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrFillExceedsRemaining guards the filled+remaining=original invariant:
	// a broker report claiming more than the remaining quantity is rejected,
	// never clamped.
	ErrFillExceedsRemaining = errors.New("execution quantity exceeds remaining quantity")
)

// ValidationError reports a bad or contradictory field in an order intent.
// It is returned synchronously and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func validationErr(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
