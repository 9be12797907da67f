// Package session owns the user's authenticated session: it reconciles the
// in-memory copy with the durable store, hands out usable access tokens and
// destroys the session on terminal authentication failures.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/amurg-ai/tether/internal/eventbus"
	"github.com/amurg-ai/tether/internal/refresh"
	"github.com/amurg-ai/tether/internal/remote"
	"github.com/amurg-ai/tether/internal/store"
	"github.com/amurg-ai/tether/internal/token"
	"github.com/amurg-ai/tether/pkg/protocol"
)

// ErrNotLoggedIn is returned by EnsureValid when there is no session.
var ErrNotLoggedIn = errors.New("not logged in")

// Remote is the subset of the remote client used by the manager.
type Remote interface {
	refresh.Remote
	Login(ctx context.Context, account, code string) (*protocol.TokenResponse, error)
	SendCode(ctx context.Context, account string) error
}

// Manager is the single authority for the current session.
type Manager struct {
	store     store.Store
	remote    Remote
	coord     *refresh.Coordinator
	validator *token.Validator
	bus       *eventbus.Bus
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.RWMutex
	state State
	sess  *Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithValidator replaces the default token validator.
func WithValidator(v *token.Validator) Option {
	return func(m *Manager) { m.validator = v }
}

// WithClock overrides the clock used for login and verify timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager. Call Restore before use to adopt a
// persisted session.
func NewManager(st store.Store, r Remote, coord *refresh.Coordinator, bus *eventbus.Bus, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:     st,
		remote:    r,
		coord:     coord,
		validator: token.New(),
		bus:       bus,
		logger:    logger.With("component", "session"),
		now:       time.Now,
		state:     NoSession,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == Refreshing && !m.coord.Refreshing() {
		return Invalid
	}
	return m.state
}

// IsLoggedIn reports whether the cached access token is present and locally
// valid right now.
func (m *Manager) IsLoggedIn() bool {
	m.mu.RLock()
	sess := m.sess
	m.mu.RUnlock()
	return sess != nil && m.validator.Validate(sess.AccessToken).Valid
}

// Snapshot returns a copy of the current session.
func (m *Manager) Snapshot() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.sess == nil {
		return Session{}, false
	}
	return *m.sess.clone(), true
}

// Restore reconciles memory with the durable store. Corrupt values are
// removed or re-derived in place; the session is dropped only when nothing
// recoverable remains.
func (m *Manager) Restore(ctx context.Context) error {
	l, err := m.load(ctx)
	if err != nil {
		return err
	}
	m.adopt(ctx, l)
	return nil
}

func (m *Manager) load(ctx context.Context) (loaded, error) {
	vals, err := m.store.GetMany(ctx, store.SessionKeys...)
	if err != nil {
		return loaded{}, fmt.Errorf("read session: %w", err)
	}
	l := decode(vals, m.validator)

	if len(l.stale) > 0 {
		m.logger.Warn("removing corrupt session values", "keys", l.stale)
		if err := m.store.Delete(ctx, l.stale...); err != nil {
			m.logger.Error("failed to remove corrupt session values", "error", err)
		}
	}
	if len(l.repaired) > 0 {
		m.logger.Info("re-derived session values from token", "count", len(l.repaired))
		if err := m.store.SetMany(ctx, l.repaired); err != nil {
			m.logger.Error("failed to persist repaired session values", "error", err)
		}
	}
	return l, nil
}

func (m *Manager) adopt(ctx context.Context, l loaded) {
	m.mu.Lock()
	m.sess = l.sess
	m.state = l.state
	change := m.changeLocked()
	m.mu.Unlock()

	if l.sess == nil {
		m.logger.Info("no session restored")
	} else {
		m.logger.Info("session restored", "state", l.state, "user", userID(l.sess), "expires_at", l.sess.ExpiresAt)
	}
	eventbus.Publish(ctx, m.bus, eventbus.TopicSessionChanged, change)
}

// SendCode asks the service to deliver a one-time login code.
func (m *Manager) SendCode(ctx context.Context, account string) error {
	return m.remote.SendCode(ctx, account)
}

// Login exchanges a one-time code for a session. The issued token must pass
// local validation before it is accepted. A successful login starts the
// grace period during which remote verification is skipped.
func (m *Manager) Login(ctx context.Context, account, code string) (*protocol.UserSnapshot, error) {
	resp, err := m.remote.Login(ctx, account, code)
	if err != nil {
		return nil, err
	}
	res := m.validator.Validate(resp.AccessToken)
	if !res.Valid {
		return nil, remote.Errorf(remote.KindMalformedToken, "login", "issued token rejected: %s", res.Reason)
	}

	s := &Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		User:         resp.User,
		IssuedAt:     res.Claims.IssuedAt,
		ExpiresAt:    res.Claims.ExpiresAt,
		LastLoginAt:  m.now(),
	}
	if s.User == nil {
		s.User = userFromClaims(res.Claims)
	}
	if err := m.store.SetMany(ctx, s.encode()); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	m.mu.Lock()
	m.sess = s
	m.state = Valid
	change := m.changeLocked()
	m.mu.Unlock()

	m.logger.Info("logged in", "user", s.User.ID, "expires_at", s.ExpiresAt)
	eventbus.Publish(ctx, m.bus, eventbus.TopicSessionChanged, change)

	u := *s.User
	return &u, nil
}

// Logout destroys the session locally and in the store.
func (m *Manager) Logout(ctx context.Context) error {
	return m.destroy(ctx, "")
}

// EnsureValid returns an access token that is locally valid and, outside the
// verify cooldown, confirmed by the service. An expired token is refreshed
// without a verify call. Terminal authentication failures destroy the
// session; transient verify failures are absorbed.
func (m *Manager) EnsureValid(ctx context.Context) (string, error) {
	m.mu.RLock()
	sess := m.sess
	var access string
	if sess != nil {
		access = sess.AccessToken
	}
	m.mu.RUnlock()

	if sess == nil {
		return "", ErrNotLoggedIn
	}

	res := m.validator.Validate(access)
	if !res.Valid && res.Reason.Structural() {
		// The cached token is corrupt; another writer may have left a clean
		// copy in the store.
		if tok, ok := m.reconcile(ctx); ok {
			access, res = tok, m.validator.Validate(tok)
		}
	}
	if !res.Valid {
		m.logger.Debug("cached token unusable, refreshing", "reason", res.Reason)
		return m.refresh(ctx, access)
	}

	_, skipped, err := m.coord.Verify(ctx, access, m.marks(), m.commitVerify)
	switch {
	case err == nil:
		if !skipped {
			m.logger.Debug("access token verified")
		}
		return access, nil
	case remote.IsTerminal(err):
		m.logger.Info("service rejected access token, refreshing", "error", err)
		return m.refresh(ctx, access)
	case ctx.Err() != nil:
		return "", err
	default:
		m.logger.Warn("verify failed, using locally valid token", "error", err)
		return access, nil
	}
}

// Rejected handles an access token the service refused on an application
// call. The token is refreshed; a rejected refresh destroys the session.
func (m *Manager) Rejected(ctx context.Context, access string) (string, error) {
	m.logger.Info("access token rejected by service, refreshing")
	return m.refresh(ctx, access)
}

func (m *Manager) marks() refresh.Marks {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.sess == nil {
		return refresh.Marks{}
	}
	return refresh.Marks{LastVerifiedAt: m.sess.LastVerifiedAt, LastLoginAt: m.sess.LastLoginAt}
}

// reconcile re-reads the store after an anomaly and adopts its session if it
// carries a locally valid token.
func (m *Manager) reconcile(ctx context.Context) (string, bool) {
	l, err := m.load(ctx)
	if err != nil {
		m.logger.Warn("reconcile failed", "error", err)
		return "", false
	}
	if l.state != Valid {
		return "", false
	}
	m.adopt(ctx, l)
	m.logger.Info("recovered session from store")
	return l.sess.AccessToken, true
}

// refresh replaces stale, the token the caller found unusable. If another
// caller already replaced it, the current token is returned instead.
func (m *Manager) refresh(ctx context.Context, stale string) (string, error) {
	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return "", ErrNotLoggedIn
	}
	if cur := m.sess.AccessToken; cur != stale && m.state == Valid && m.validator.Validate(cur).Valid {
		m.mu.Unlock()
		return cur, nil
	}
	rt := m.sess.RefreshToken
	var change *eventbus.SessionChange
	if m.state != Refreshing {
		m.state = Refreshing
		c := m.changeLocked()
		change = &c
	}
	m.mu.Unlock()

	if change != nil {
		eventbus.Publish(ctx, m.bus, eventbus.TopicSessionChanged, *change)
	}

	if rt == "" {
		err := remote.Errorf(remote.KindAuthentication, "refresh", "no refresh token")
		m.expire(ctx, rt, err)
		return "", err
	}

	resp, err := m.coord.Refresh(ctx, rt, m.commitRefresh)
	if err != nil {
		switch {
		case remote.IsTerminal(err):
			m.expire(ctx, rt, err)
		case ctx.Err() == nil:
			m.settle(ctx, rt)
		}
		return "", err
	}
	return resp.AccessToken, nil
}

// commitRefresh runs inside the refresh flight, so the new session is in
// place before any waiting caller resumes.
func (m *Manager) commitRefresh(ctx context.Context, resp *protocol.TokenResponse) error {
	res := m.validator.Validate(resp.AccessToken)
	if !res.Valid {
		return remote.Errorf(remote.KindMalformedToken, "refresh", "issued token rejected: %s", res.Reason)
	}

	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return ErrNotLoggedIn
	}
	s := m.sess.clone()
	s.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		s.RefreshToken = resp.RefreshToken
	}
	if resp.User != nil {
		s.User = resp.User
	} else if s.User == nil {
		s.User = userFromClaims(res.Claims)
	}
	s.IssuedAt = res.Claims.IssuedAt
	s.ExpiresAt = res.Claims.ExpiresAt
	s.LastVerifiedAt = m.now()
	m.sess = s
	m.state = Valid
	change := m.changeLocked()
	m.mu.Unlock()

	if err := m.store.SetMany(ctx, s.encode()); err != nil {
		m.logger.Error("failed to persist refreshed session", "error", err)
	}
	eventbus.Publish(ctx, m.bus, eventbus.TopicSessionChanged, change)
	return nil
}

func (m *Manager) commitVerify(ctx context.Context, resp *protocol.VerifyResponse, at time.Time) {
	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return
	}
	m.sess.LastVerifiedAt = at
	user := resp.UserInfo
	if user != nil {
		m.sess.User = user
	}
	change := m.changeLocked()
	m.mu.Unlock()

	if user != nil {
		if raw, err := json.Marshal(user); err == nil {
			if err := m.store.Set(ctx, store.KeyUserSnapshot, string(raw)); err != nil {
				m.logger.Error("failed to persist user snapshot", "error", err)
			}
		}
		eventbus.Publish(ctx, m.bus, eventbus.TopicSessionChanged, change)
	}
}

// settle moves a session whose refresh failed transiently back to Invalid so
// the next caller retries.
func (m *Manager) settle(ctx context.Context, rt string) {
	m.mu.Lock()
	if m.sess == nil || m.sess.RefreshToken != rt || m.state != Refreshing {
		m.mu.Unlock()
		return
	}
	m.state = Invalid
	change := m.changeLocked()
	m.mu.Unlock()
	eventbus.Publish(ctx, m.bus, eventbus.TopicSessionChanged, change)
}

// expire destroys the session after a terminal failure of the refresh token
// rt. A session that has since been replaced is left alone.
func (m *Manager) expire(ctx context.Context, rt string, cause error) {
	m.mu.RLock()
	current := m.sess != nil && m.sess.RefreshToken == rt
	m.mu.RUnlock()
	if !current {
		return
	}
	if err := m.destroy(ctx, cause.Error()); err != nil {
		m.logger.Error("failed to clear session", "error", err)
	}
}

func (m *Manager) destroy(ctx context.Context, reason string) error {
	m.mu.Lock()
	had := m.sess != nil
	m.sess = nil
	m.state = NoSession
	change := m.changeLocked()
	m.mu.Unlock()

	err := m.store.Delete(ctx, store.SessionKeys...)
	if !had {
		return err
	}
	if reason == "" {
		m.logger.Info("logged out")
	} else {
		m.logger.Warn("session expired", "reason", reason)
	}
	eventbus.Publish(ctx, m.bus, eventbus.TopicSessionChanged, change)
	if reason != "" {
		eventbus.Publish(ctx, m.bus, eventbus.TopicSessionExpired, eventbus.SessionExpired{Reason: reason})
	}
	return err
}

func (m *Manager) changeLocked() eventbus.SessionChange {
	c := eventbus.SessionChange{State: m.state}
	if m.sess != nil {
		c.ExpiresAt = m.sess.ExpiresAt
		if m.sess.User != nil {
			u := *m.sess.User
			c.User = &u
		}
	}
	return c
}

func userID(s *Session) string {
	if s.User == nil {
		return ""
	}
	return s.User.ID
}
