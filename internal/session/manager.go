package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"galata/internal/events"
	"galata/internal/logger"
	"galata/internal/pkg/brokererr"
)

// ManagerParams collects the dependencies of the session manager.
type ManagerParams struct {
	Store  Store
	Client AuthClient
	Bus    events.Publisher
	// OTPTTL bounds how long CompleteLogin may follow BeginLogin.
	OTPTTL time.Duration
	// TokenTTL is the broker session lifetime; refreshes push it forward.
	TokenTTL time.Duration
	// RetryBudget is how many consecutive keep-alive failures are tolerated
	// before the session is declared lost.
	RetryBudget int
	NowFn       func() time.Time
}

type userState struct {
	state State
	// inFlight marks a login network call (either phase) in progress, so a
	// concurrent attempt fails fast instead of racing the OTP flow.
	inFlight     bool
	pendingToken string
	otpDeadline  time.Time
	creds        Credentials
	session      *Session
	failures     int
}

// Manager runs one auth state machine per user. Transitions are applied
// under a per-user critical section but network calls run outside it, so
// credential snapshots stay cheap for the trading path.
type Manager struct {
	store       Store
	client      AuthClient
	bus         events.Publisher
	otpTTL      time.Duration
	tokenTTL    time.Duration
	retryBudget int
	nowFn       func() time.Time

	mu    sync.RWMutex
	users map[string]*userState
}

func NewManager(params ManagerParams) *Manager {
	otpTTL := params.OTPTTL
	if otpTTL <= 0 {
		otpTTL = 2 * time.Minute
	}
	tokenTTL := params.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	budget := params.RetryBudget
	if budget <= 0 {
		budget = 2
	}
	nowFn := params.NowFn
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Manager{
		store:       params.Store,
		client:      params.Client,
		bus:         params.Bus,
		otpTTL:      otpTTL,
		tokenTTL:    tokenTTL,
		retryBudget: budget,
		nowFn:       nowFn,
		users:       make(map[string]*userState),
	}
}

func (m *Manager) user(userID string) *userState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		return u
	}
	u := &userState{state: StateUnauthenticated}
	m.users[userID] = u
	return u
}

// BeginLogin starts a fresh login. It supersedes whatever state the user
// machine was in, returns the pre-auth token, and leaves the machine in
// AWAITING_OTP until CompleteLogin or the OTP window expires.
func (m *Manager) BeginLogin(ctx context.Context, userID, username, password string) (string, error) {
	u := m.user(userID)

	m.mu.Lock()
	if u.inFlight {
		m.mu.Unlock()
		return "", ErrAuthInProgress
	}
	u.inFlight = true
	m.mu.Unlock()

	token, err := m.client.LoginUser(ctx, username, password)

	m.mu.Lock()
	defer m.mu.Unlock()
	u.inFlight = false
	if err != nil {
		u.state = StateUnauthenticated
		u.pendingToken = ""
		if brokererr.IsRejection(err) {
			return "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return "", err
	}
	u.state = StateAwaitingOTP
	u.pendingToken = token
	u.otpDeadline = m.nowFn().Add(m.otpTTL)
	logger.Infof("session %s: awaiting otp (window %s)", userID, m.otpTTL)
	return token, nil
}

// CompleteLogin submits the one-time code. Only legal from AWAITING_OTP and
// only within the OTP validity window; expiry resets the machine so the
// user must start over with BeginLogin.
func (m *Manager) CompleteLogin(ctx context.Context, userID, otp string) error {
	u := m.user(userID)

	m.mu.Lock()
	if u.inFlight {
		m.mu.Unlock()
		return ErrAuthInProgress
	}
	if u.state != StateAwaitingOTP {
		m.mu.Unlock()
		return ErrNotAwaitingOTP
	}
	if m.nowFn().After(u.otpDeadline) {
		u.state = StateUnauthenticated
		u.pendingToken = ""
		m.mu.Unlock()
		return ErrOTPExpired
	}
	token := u.pendingToken
	u.inFlight = true
	m.mu.Unlock()

	hash, err := m.client.LoginUserControl(ctx, token, otp)
	if err != nil {
		m.mu.Lock()
		u.inFlight = false
		m.mu.Unlock()
		// A wrong code keeps the window open for another try.
		if brokererr.IsRejection(err) {
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return err
	}

	now := m.nowFn()
	sess := &Session{
		UserID:      userID,
		Token:       token,
		Hash:        hash,
		IssuedAt:    now,
		ExpiresAt:   now.Add(m.tokenTTL),
		RefreshedAt: now,
	}
	if subs, serr := m.client.GetSubAccounts(ctx, sess.Creds()); serr != nil {
		logger.Warnf("session %s: sub-account listing failed after login: %v", userID, serr)
	} else {
		sort.Strings(subs)
		sess.SubAccounts = subs
	}
	if err := m.store.SaveSession(ctx, sess); err != nil {
		m.mu.Lock()
		u.inFlight = false
		m.mu.Unlock()
		return fmt.Errorf("persist session: %w", err)
	}

	m.mu.Lock()
	u.inFlight = false
	u.state = StateAuthenticated
	u.pendingToken = ""
	u.creds = sess.Creds()
	u.session = sess
	u.failures = 0
	m.mu.Unlock()
	logger.Infof("session %s: authenticated (expires %s)", userID, sess.ExpiresAt.Format(time.RFC3339))
	return nil
}

// KeepAlive refreshes one user's session. Inside the retry budget a failure
// only counts; once the budget is spent the machine drops to
// UNAUTHENTICATED and exactly one SessionLost event is published.
func (m *Manager) KeepAlive(ctx context.Context, userID string) error {
	u := m.user(userID)

	m.mu.Lock()
	if u.state != StateAuthenticated {
		m.mu.Unlock()
		return nil
	}
	creds := u.creds
	expiresAt := u.session.ExpiresAt
	m.mu.Unlock()

	now := m.nowFn()
	if now.After(expiresAt) {
		m.dropSession(u, userID, "session lifetime elapsed")
		return ErrNotAuthenticated
	}

	err := m.client.SessionRefresh(ctx, creds)
	if err == nil {
		m.mu.Lock()
		if u.state == StateAuthenticated {
			u.failures = 0
			u.session.RefreshedAt = now
			u.session.ExpiresAt = now.Add(m.tokenTTL)
			sess := *u.session
			m.mu.Unlock()
			if serr := m.store.SaveSession(ctx, &sess); serr != nil {
				logger.Warnf("session %s: persisting refresh failed: %v", userID, serr)
			}
			return nil
		}
		m.mu.Unlock()
		return nil
	}

	m.mu.Lock()
	if u.state != StateAuthenticated {
		m.mu.Unlock()
		return nil
	}
	u.failures++
	failures := u.failures
	m.mu.Unlock()

	logger.Warnf("session %s: keep-alive failed (%d/%d): %v", userID, failures, m.retryBudget, err)
	if failures >= m.retryBudget {
		m.dropSession(u, userID, fmt.Sprintf("keep-alive failed %d times: %v", failures, err))
	}
	return err
}

// dropSession flips the machine to UNAUTHENTICATED and emits SessionLost.
// The stored row is kept: the loss may be local-network only and Restore
// can still probe it after a restart.
func (m *Manager) dropSession(u *userState, userID, reason string) {
	m.mu.Lock()
	if u.state != StateAuthenticated {
		m.mu.Unlock()
		return
	}
	u.state = StateUnauthenticated
	u.creds = Credentials{}
	u.session = nil
	u.failures = 0
	m.mu.Unlock()

	logger.Errorf("session %s lost: %s", userID, reason)
	if m.bus != nil {
		m.bus.Publish(events.Event{
			ID:        uuid.NewString(),
			Type:      events.TypeSessionLost,
			At:        m.nowFn(),
			AccountID: userID,
			Payload:   events.SessionLost{UserID: userID, Reason: reason},
		})
	}
}

// KeepAliveSweep refreshes every authenticated user. Scheduled by the app
// on the keep-alive interval.
func (m *Manager) KeepAliveSweep(ctx context.Context) error {
	for _, userID := range m.AuthenticatedUsers() {
		if err := m.KeepAlive(ctx, userID); err != nil && !errors.Is(err, ErrNotAuthenticated) {
			logger.Debugf("keep-alive sweep %s: %v", userID, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// Restore loads the stored session for one user and revalidates it with a
// single probe call, resuming AUTHENTICATED without a fresh OTP round.
func (m *Manager) Restore(ctx context.Context, userID string) error {
	sess, err := m.store.GetSession(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}
	return m.restoreSession(ctx, sess)
}

// RestoreAll revalidates every stored session at boot.
func (m *Manager) RestoreAll(ctx context.Context) error {
	rows, err := m.store.ListSessions(ctx)
	if err != nil {
		return err
	}
	for _, sess := range rows {
		if err := m.restoreSession(ctx, sess); err != nil {
			logger.Warnf("session %s: restore failed: %v", sess.UserID, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (m *Manager) restoreSession(ctx context.Context, sess *Session) error {
	userID := sess.UserID
	now := m.nowFn()
	if now.After(sess.ExpiresAt) {
		logger.Infof("session %s: stored session expired %s, discarding", userID, sess.ExpiresAt.Format(time.RFC3339))
		return m.store.DeleteSession(ctx, userID)
	}

	subs, err := m.client.GetSubAccounts(ctx, sess.Creds())
	if err != nil {
		if brokererr.IsRejection(err) {
			logger.Infof("session %s: stored session rejected by broker, discarding", userID)
			return m.store.DeleteSession(ctx, userID)
		}
		// Unknown outcome (network): keep the row, stay unauthenticated,
		// a later restart or manual login resolves it.
		return fmt.Errorf("probe session %s: %w", userID, err)
	}
	sort.Strings(subs)
	sess.SubAccounts = subs

	u := m.user(userID)
	m.mu.Lock()
	u.state = StateAuthenticated
	u.creds = sess.Creds()
	u.session = sess
	u.failures = 0
	m.mu.Unlock()
	logger.Infof("session %s: restored (expires %s)", userID, sess.ExpiresAt.Format(time.RFC3339))
	return nil
}

// Logout clears both the machine and the stored row. No SessionLost event:
// the loss is caller-initiated.
func (m *Manager) Logout(ctx context.Context, userID string) error {
	u := m.user(userID)
	m.mu.Lock()
	u.state = StateUnauthenticated
	u.pendingToken = ""
	u.creds = Credentials{}
	u.session = nil
	u.failures = 0
	m.mu.Unlock()
	if err := m.store.DeleteSession(ctx, userID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}
	logger.Infof("session %s: logged out", userID)
	return nil
}

// Snapshot returns the consistent {token, hash} pair for signing calls.
// ok is false unless the user is AUTHENTICATED.
func (m *Manager) Snapshot(userID string) (Credentials, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, exists := m.users[userID]
	if !exists || u.state != StateAuthenticated {
		return Credentials{}, false
	}
	return u.creds, true
}

// Status reports the user's machine state for the auth API.
func (m *Manager) Status(userID string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{UserID: userID, State: StateUnauthenticated}
	u, exists := m.users[userID]
	if !exists {
		return st
	}
	st.State = u.state
	switch u.state {
	case StateAwaitingOTP:
		st.OTPDeadline = u.otpDeadline
	case StateAuthenticated:
		st.ExpiresAt = u.session.ExpiresAt
		st.RefreshedAt = u.session.RefreshedAt
		st.SubAccounts = u.session.SubAccounts
	}
	return st
}

// AuthenticatedUsers lists users currently holding a live session, in
// stable order.
func (m *Manager) AuthenticatedUsers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.users))
	for id, u := range m.users {
		if u.state == StateAuthenticated {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// SubAccounts returns the sub-accounts of a live session, or nil.
func (m *Manager) SubAccounts(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, exists := m.users[userID]
	if !exists || u.state != StateAuthenticated {
		return nil
	}
	return append([]string(nil), u.session.SubAccounts...)
}
