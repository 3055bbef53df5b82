package session

import "errors"

var (
	// ErrAuthInProgress rejects a second concurrent login attempt for the
	// same user instead of letting two OTP flows race.
	ErrAuthInProgress = errors.New("authentication already in progress")
	// ErrAuthFailed wraps a broker-side credential rejection.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrOTPExpired means the one-time code arrived after its validity
	// window; the whole login must restart.
	ErrOTPExpired = errors.New("otp validity window expired")
	// ErrNotAwaitingOTP guards CompleteLogin outside the AWAITING_OTP state.
	ErrNotAwaitingOTP = errors.New("no login awaiting otp")
	// ErrNotAuthenticated is returned when a call needs a live session.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrSessionNotFound is returned by stores when no row exists.
	ErrSessionNotFound = errors.New("session not found")
)
