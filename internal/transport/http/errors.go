package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"galata/internal/order"
	"galata/internal/pkg/brokererr"
	"galata/internal/position"
	"galata/internal/session"
)

// apiError is the uniform error envelope. Kind is stable and machine
// matchable; Reason is the human-readable detail.
type apiError struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// errorStatus maps a domain error to an HTTP status and a kind string.
//
// The one mapping callers must not miss: an uncertain broker outcome
// (request timed out after delivery, the order may exist broker-side)
// comes back as 504/"network_timeout", never as a plain failure. The
// local order stays PENDING with its idempotency key, so a retry or the
// next reconcile pass resolves it.
func errorStatus(err error) (int, string) {
	switch {
	case order.IsValidation(err):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, order.ErrOrderNotFound),
		errors.Is(err, position.ErrPositionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, order.ErrSubmitInFlight):
		return http.StatusConflict, "submit_in_flight"
	case errors.Is(err, order.ErrNotCancellable),
		errors.Is(err, order.ErrNotModifiable),
		errors.Is(err, order.ErrTerminalState),
		errors.Is(err, order.ErrIllegalTransition):
		return http.StatusConflict, "conflict"
	case errors.Is(err, position.ErrInsufficientAvailable):
		return http.StatusUnprocessableEntity, "insufficient_position"
	case errors.Is(err, session.ErrAuthInProgress):
		return http.StatusConflict, "auth_in_progress"
	case errors.Is(err, session.ErrNotAwaitingOTP):
		return http.StatusConflict, "not_awaiting_otp"
	case errors.Is(err, session.ErrOTPExpired):
		return http.StatusUnauthorized, "otp_expired"
	case errors.Is(err, session.ErrAuthFailed):
		return http.StatusUnauthorized, "auth_failed"
	case errors.Is(err, session.ErrNotAuthenticated):
		return http.StatusUnauthorized, "not_authenticated"
	case errors.Is(err, brokererr.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "circuit_open"
	case errors.Is(err, brokererr.ErrRateLimitWait):
		return http.StatusServiceUnavailable, "rate_limited"
	case brokererr.IsUncertain(err):
		return http.StatusGatewayTimeout, "network_timeout"
	case brokererr.IsNetwork(err):
		return http.StatusBadGateway, "network"
	case brokererr.RejectionCode(err) == brokererr.CodeAuthExpired:
		return http.StatusUnauthorized, "broker_auth_expired"
	case brokererr.IsRejection(err):
		return http.StatusUnprocessableEntity, "broker_rejected"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(c *gin.Context, err error) {
	status, kind := errorStatus(err)
	c.JSON(status, apiError{Kind: kind, Reason: err.Error()})
}

// writeOrderError reports a failed order command together with the order's
// resulting state, when known. After an uncertain submit the caller sees
// both the 504 and the still-PENDING order it may retry.
func writeOrderError(c *gin.Context, o *order.Order, err error) {
	if o == nil {
		writeError(c, err)
		return
	}
	status, kind := errorStatus(err)
	c.JSON(status, gin.H{
		"kind":   kind,
		"reason": err.Error(),
		"order":  viewOrder(o),
	})
}
