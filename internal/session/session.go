package session

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/amurg-ai/tether/internal/eventbus"
	"github.com/amurg-ai/tether/internal/store"
	"github.com/amurg-ai/tether/internal/token"
	"github.com/amurg-ai/tether/pkg/protocol"
)

// State is the session manager's state.
type State = eventbus.SessionState

const (
	NoSession  = eventbus.SessionNone
	Valid      = eventbus.SessionValid
	Refreshing = eventbus.SessionRefreshing
	Invalid    = eventbus.SessionInvalid
)

// Session is the in-memory copy of the user's credentials.
type Session struct {
	AccessToken    string
	RefreshToken   string
	User           *protocol.UserSnapshot
	IssuedAt       time.Time
	ExpiresAt      time.Time
	LastVerifiedAt time.Time
	LastLoginAt    time.Time
}

func (s *Session) clone() *Session {
	c := *s
	if s.User != nil {
		u := *s.User
		c.User = &u
	}
	return &c
}

// encode renders the persisted subset of s. LastVerifiedAt is kept in
// memory only.
func (s *Session) encode() map[string]string {
	kv := map[string]string{
		store.KeyAccessToken:  s.AccessToken,
		store.KeyRefreshToken: s.RefreshToken,
		store.KeyLastLoginAt:  formatMillis(s.LastLoginAt),
		store.KeyTokenExpire:  formatMillis(s.ExpiresAt),
	}
	if s.User != nil {
		if raw, err := json.Marshal(s.User); err == nil {
			kv[store.KeyUserSnapshot] = string(raw)
		}
	}
	return kv
}

// loaded is the result of reconciling persisted values against the
// validator.
type loaded struct {
	sess     *Session // nil when nothing is recoverable
	state    State
	stale    []string          // keys holding corrupt values
	repaired map[string]string // keys re-derived from the token
}

// decode reconciles the values read from the store. Placeholder strings are
// treated as absent and scheduled for removal. A locally valid access token
// is adopted as is. An unusable access token is kept only when a refresh
// token can recover it; otherwise everything is discarded.
func decode(vals map[string]string, v *token.Validator) loaded {
	l := loaded{state: NoSession, repaired: make(map[string]string)}

	clean := func(key string) string {
		val, ok := vals[key]
		if ok && token.IsSentinel(val) {
			l.stale = append(l.stale, key)
			return ""
		}
		return val
	}

	access := clean(store.KeyAccessToken)
	refresh := clean(store.KeyRefreshToken)

	var user *protocol.UserSnapshot
	if raw := clean(store.KeyUserSnapshot); raw != "" {
		var u protocol.UserSnapshot
		if err := json.Unmarshal([]byte(raw), &u); err != nil || u.ID == "" {
			l.stale = append(l.stale, store.KeyUserSnapshot)
		} else {
			user = &u
		}
	}

	lastLogin, ok := parseMillis(clean(store.KeyLastLoginAt))
	if !ok {
		l.stale = append(l.stale, store.KeyLastLoginAt)
	}
	storedExpire, ok := parseMillis(clean(store.KeyTokenExpire))
	if !ok {
		l.stale = append(l.stale, store.KeyTokenExpire)
	}

	res := v.Validate(access)
	switch {
	case res.Valid:
		s := &Session{
			AccessToken:  access,
			RefreshToken: refresh,
			User:         user,
			IssuedAt:     res.Claims.IssuedAt,
			ExpiresAt:    res.Claims.ExpiresAt,
			LastLoginAt:  lastLogin,
		}
		if s.User == nil {
			s.User = userFromClaims(res.Claims)
			if raw, err := json.Marshal(s.User); err == nil {
				l.repaired[store.KeyUserSnapshot] = string(raw)
			}
		}
		if !storedExpire.Equal(s.ExpiresAt) {
			l.repaired[store.KeyTokenExpire] = formatMillis(s.ExpiresAt)
		}
		l.sess, l.state = s, Valid

	case refresh != "":
		s := &Session{
			RefreshToken: refresh,
			User:         user,
			LastLoginAt:  lastLogin,
			ExpiresAt:    storedExpire,
		}
		if res.Reason == token.ReasonExpired {
			s.AccessToken = access
			s.IssuedAt = res.Claims.IssuedAt
			s.ExpiresAt = res.Claims.ExpiresAt
		} else if access != "" {
			l.stale = append(l.stale, store.KeyAccessToken)
		}
		l.sess, l.state = s, Invalid

	default:
		l.stale = l.stale[:0]
		for _, k := range store.SessionKeys {
			if _, ok := vals[k]; ok {
				l.stale = append(l.stale, k)
			}
		}
	}
	return l
}

func userFromClaims(c *token.Claims) *protocol.UserSnapshot {
	return &protocol.UserSnapshot{ID: c.SubjectID, IsAdmin: c.IsPrivileged}
}

func formatMillis(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// parseMillis reports ok=false only for a present but unparseable value.
func parseMillis(s string) (time.Time, bool) {
	if s == "" || s == "0" {
		return time.Time{}, true
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms < 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
