// Package tokentest mints access tokens for tests.
package tokentest

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Secret signs every token minted by this package.
var Secret = []byte("tokentest-secret-at-least-32-bytes!")

// Params describes a token to mint.
type Params struct {
	Subject  string
	Admin    bool
	IssuedAt time.Time
	Expires  time.Time
	NoExpiry bool
	ID       string // jti; distinguishes tokens minted in the same second
}

// Mint returns an HS256-signed token for s. Zero times default to now and
// now+1h.
func Mint(s Params) string {
	now := time.Now()
	if s.IssuedAt.IsZero() {
		s.IssuedAt = now
	}
	if s.Expires.IsZero() {
		s.Expires = now.Add(time.Hour)
	}
	claims := jwt.MapClaims{
		"iat": s.IssuedAt.Unix(),
	}
	if s.Subject != "" {
		claims["sub"] = s.Subject
	}
	if !s.NoExpiry {
		claims["exp"] = s.Expires.Unix()
	}
	if s.ID != "" {
		claims["jti"] = s.ID
	}
	if s.Admin {
		claims["is_admin"] = true
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(Secret)
	if err != nil {
		panic(err)
	}
	return tok
}

// Valid mints a token for subject that expires in d.
func Valid(subject string, d time.Duration) string {
	return Mint(Params{Subject: subject, Expires: time.Now().Add(d)})
}

// Expired mints a token for subject that expired ago.
func Expired(subject string, ago time.Duration) string {
	now := time.Now()
	return Mint(Params{Subject: subject, IssuedAt: now.Add(-time.Hour - ago), Expires: now.Add(-ago)})
}
