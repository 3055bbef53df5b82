// Package brokererr is the shared error vocabulary between the broker
// gateway and the engines that consume it. Keeping it dependency-free lets
// domain packages classify gateway failures without importing the gateway.
package brokererr

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned without touching the network while the broker
// circuit breaker is open. Callers should back off; the order state is
// untouched.
var ErrCircuitOpen = errors.New("broker circuit open")

// ErrRateLimitWait is returned when the caller's context expired while
// waiting for a rate-limiter permit. The call never reached the wire.
var ErrRateLimitWait = errors.New("cancelled while waiting for broker rate limit")

// NetworkError wraps transport-level failures. Timeout=true means the
// outcome is unknown: the request may have been applied by the broker, so
// callers must reconcile rather than assume failure.
type NetworkError struct {
	Endpoint string
	Timeout  bool
	Err      error
}

func (e *NetworkError) Error() string {
	kind := "network error"
	if e.Timeout {
		kind = "timeout (outcome unknown)"
	}
	return fmt.Sprintf("broker %s: %s: %v", e.Endpoint, kind, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsUncertain reports whether err carries an unknown outcome: the action
// may or may not have happened broker-side.
func IsUncertain(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne) && ne.Timeout
}

// IsNetwork reports whether err is any transport-level failure.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// Well-known broker rejection codes, normalized by the gateway from the
// broker's free-text messages.
const (
	CodeRejected      = "REJECTED"
	CodeAlreadyFilled = "ALREADY_FILLED"
	CodeNotFound      = "NOT_FOUND"
	CodeAuthExpired   = "AUTH_EXPIRED"
)

// BrokerError is a business-level refusal from the broker: the request was
// delivered and understood, and the broker said no. Terminal, never retried.
type BrokerError struct {
	Endpoint string
	Code     string
	Message  string
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker %s rejected: %s (%s)", e.Endpoint, e.Message, e.Code)
}

// IsRejection reports whether err is a business-level broker refusal.
func IsRejection(err error) bool {
	var be *BrokerError
	return errors.As(err, &be)
}

// RejectionCode extracts the normalized code, or "" when err is not a
// broker rejection.
func RejectionCode(err error) string {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}
