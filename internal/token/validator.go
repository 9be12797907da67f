// Package token inspects access tokens locally, without any network call.
package token

import (
	"errors"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Reason explains why a token was rejected. The zero value means accepted.
type Reason string

const (
	ReasonOK             Reason = ""
	ReasonEmpty          Reason = "empty"
	ReasonSentinel       Reason = "sentinel"
	ReasonMalformed      Reason = "malformed"
	ReasonUndecodable    Reason = "undecodable"
	ReasonMissingExpiry  Reason = "missing_expiry"
	ReasonMissingSubject Reason = "missing_subject"
	ReasonExpired        Reason = "expired"
	ReasonBadSignature   Reason = "bad_signature"
)

// Structural reports whether the reason describes a corrupt token rather than
// a well-formed one that simply ran out of time.
func (r Reason) Structural() bool {
	switch r {
	case ReasonOK, ReasonExpired:
		return false
	default:
		return true
	}
}

// Claims are the fields the client derives from an access token. They are
// recomputed on demand and never persisted.
type Claims struct {
	SubjectID    string
	IsPrivileged bool
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// Result is the outcome of a local validation.
type Result struct {
	Valid  bool
	Reason Reason
	Claims *Claims
}

// tokenClaims is the payload layout issued by the service. Older tokens carry
// the subject in "uid" instead of "sub".
type tokenClaims struct {
	UserID  string `json:"uid,omitempty"`
	IsAdmin bool   `json:"is_admin,omitempty"`
	Role    string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Validator checks token structure and expiry against the local clock.
type Validator struct {
	now     func() time.Time
	keyfunc jwt.Keyfunc
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithKeyfunc enables signature verification with a locally cached key set.
// The key set is refreshed in the background by keyfunc; validation itself
// never blocks on the network.
func WithKeyfunc(kf keyfunc.Keyfunc) Option {
	return func(v *Validator) {
		if kf != nil {
			v.keyfunc = kf.Keyfunc
		}
	}
}

// New creates a Validator.
func New(opts ...Option) *Validator {
	v := &Validator{now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

var defaultValidator = New()

// Validate checks tok with the default validator.
func Validate(tok string) Result {
	return defaultValidator.Validate(tok)
}

// IsSentinel reports whether s is a placeholder persisted in place of a real
// value ("undefined", "null") or blank.
func IsSentinel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "undefined", "null", "nil", "none":
		return true
	}
	return false
}

// Validate inspects tok. It never panics and always returns a Result.
func (v *Validator) Validate(tok string) Result {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return reject(ReasonEmpty)
	}
	if IsSentinel(tok) {
		return reject(ReasonSentinel)
	}
	if strings.Count(tok, ".") != 2 {
		return reject(ReasonMalformed)
	}
	for _, seg := range strings.Split(tok, ".") {
		if seg == "" {
			return reject(ReasonMalformed)
		}
	}

	var tc tokenClaims
	if v.keyfunc != nil {
		parser := jwt.NewParser(jwt.WithoutClaimsValidation())
		if _, err := parser.ParseWithClaims(tok, &tc, v.keyfunc); err != nil {
			if errors.Is(err, jwt.ErrTokenMalformed) {
				return reject(ReasonUndecodable)
			}
			return reject(ReasonBadSignature)
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(tok, &tc); err != nil {
			return reject(ReasonUndecodable)
		}
	}

	claims := &Claims{
		SubjectID:    tc.Subject,
		IsPrivileged: tc.IsAdmin || tc.Role == "admin",
	}
	if claims.SubjectID == "" {
		claims.SubjectID = tc.UserID
	}
	if tc.IssuedAt != nil {
		claims.IssuedAt = tc.IssuedAt.Time
	}
	if tc.ExpiresAt == nil {
		return Result{Reason: ReasonMissingExpiry, Claims: claims}
	}
	claims.ExpiresAt = tc.ExpiresAt.Time
	if claims.SubjectID == "" {
		return Result{Reason: ReasonMissingSubject, Claims: claims}
	}
	if !claims.ExpiresAt.After(v.now()) {
		return Result{Reason: ReasonExpired, Claims: claims}
	}

	return Result{Valid: true, Claims: claims}
}

func reject(r Reason) Result {
	return Result{Reason: r}
}
