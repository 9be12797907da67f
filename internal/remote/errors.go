package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure by how the client reacts to it.
type Kind int

const (
	// KindTransient covers timeouts, 5xx and connectivity loss. Retried
	// locally; surfaced only when retries are exhausted.
	KindTransient Kind = iota
	// KindAuthentication covers 401/403 and rejected refreshes. Terminal:
	// the session is destroyed and the user must log in again.
	KindAuthentication
	// KindMalformedToken covers structurally invalid tokens and malformed
	// token responses. Terminal for that token.
	KindMalformedToken
	// KindChannel covers abnormal closes and failed channel connects.
	KindChannel
	// KindRequest covers any other 4xx: the service refused this request.
	// Not retried and not terminal for the session.
	KindRequest
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthentication:
		return "authentication"
	case KindMalformedToken:
		return "malformed_token"
	case KindChannel:
		return "channel"
	case KindRequest:
		return "request"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the classified error returned by the remote client and the
// session and channel managers.
type Error struct {
	Kind   Kind
	Op     string // "refresh", "verify", "login", "connect", ...
	Status int    // HTTP status or close code, 0 if none
	Err    error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (%d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error.
func Errorf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func kindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTransient
}

// IsAuthentication reports whether err is a terminal authentication failure.
func IsAuthentication(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindAuthentication
}

// IsMalformedToken reports whether err concerns an unusable token.
func IsMalformedToken(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindMalformedToken
}

// IsChannel reports whether err is a realtime channel failure.
func IsChannel(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindChannel
}

// IsRequest reports whether err is a non-terminal rejection of one request.
func IsRequest(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindRequest
}

// IsTerminal reports whether err ends the session.
func IsTerminal(err error) bool {
	k, ok := kindOf(err)
	return ok && (k == KindAuthentication || k == KindMalformedToken)
}

// classifyStatus maps an HTTP status to a Kind. The refresh endpoint
// answers a rejected refresh token with 400 (invalid_grant), so for that op
// 400 is an authentication failure too.
func classifyStatus(op string, status int) Kind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuthentication
	case status == http.StatusBadRequest && op == opRefresh:
		return KindAuthentication
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return KindTransient
	default:
		return KindRequest
	}
}

// classifyTransport maps a transport-level error (timeout, refused, reset)
// to a transient error. A canceled caller context is returned unchanged.
func classifyTransport(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &Error{Kind: KindTransient, Op: op, Err: err}
}
