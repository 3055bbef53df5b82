// Package session manages broker login sessions: the two-phase OTP login,
// the periodic keep-alive, and durable restore across process restarts.
package session

import (
	"context"
	"time"
)

// State is the per-user auth machine state.
type State string

const (
	StateUnauthenticated State = "UNAUTHENTICATED"
	StateAwaitingOTP     State = "AWAITING_OTP"
	StateAuthenticated   State = "AUTHENTICATED"
)

// Credentials is the consistent {token, hash} pair every signed broker call
// needs. Callers always receive both values from the same login so a
// refreshed token is never paired with a stale hash.
type Credentials struct {
	Token string
	Hash  string
}

// Session is the durable record of one completed login. Exactly one row
// exists per user; a new CompleteLogin supersedes the previous row.
type Session struct {
	UserID      string
	Token       string
	Hash        string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	RefreshedAt time.Time
	SubAccounts []string
	Version     int64
}

// Creds returns the snapshot pair stored in the session.
func (s *Session) Creds() Credentials {
	return Credentials{Token: s.Token, Hash: s.Hash}
}

// Store persists sessions. Implemented by gormstore.
type Store interface {
	// GetSession returns ErrSessionNotFound when the user has no row.
	GetSession(ctx context.Context, userID string) (*Session, error)
	// SaveSession writes the row for s.UserID, atomically superseding any
	// previous session for that user.
	SaveSession(ctx context.Context, s *Session) error
	DeleteSession(ctx context.Context, userID string) error
	// ListSessions returns every stored session, used by Restore at boot.
	ListSessions(ctx context.Context) ([]*Session, error)
}

// AuthClient is the slice of the broker gateway the manager needs. The
// adapter owns credential encryption and request signing; the manager only
// sees plain inputs and opaque token/hash strings.
type AuthClient interface {
	// LoginUser submits username+password and returns the pre-auth token
	// that the OTP step must quote.
	LoginUser(ctx context.Context, username, password string) (token string, err error)
	// LoginUserControl submits the one-time code for a pending token and
	// returns the session hash used to sign all subsequent calls.
	LoginUserControl(ctx context.Context, token, otp string) (hash string, err error)
	// SessionRefresh extends the session lifetime.
	SessionRefresh(ctx context.Context, creds Credentials) error
	// GetSubAccounts lists the sub-accounts visible to the session. Doubles
	// as the cheap validity probe for Restore.
	GetSubAccounts(ctx context.Context, creds Credentials) ([]string, error)
}

// Status is the read model for one user's auth state.
type Status struct {
	UserID      string    `json:"user_id"`
	State       State     `json:"state"`
	OTPDeadline time.Time `json:"otp_deadline,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	RefreshedAt time.Time `json:"refreshed_at,omitempty"`
	SubAccounts []string  `json:"sub_accounts,omitempty"`
}
