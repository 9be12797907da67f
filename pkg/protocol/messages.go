// Package protocol defines the wire formats exchanged between a tether client
// and the remote service: the HTTP auth endpoints and the realtime channel.
//
// Channel messages are JSON-encoded and share a common envelope with a "type"
// field that names the event. Application event types are opaque to the
// client and are re-published by name.
package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the top-level wire format for realtime channel messages.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

// NewEnvelope builds an envelope stamped with the current time.
func NewEnvelope(msgType string, data any) (Envelope, error) {
	env := Envelope{Type: msgType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, err
		}
		env.Data = raw
	}
	now := time.Now().UTC()
	env.Timestamp = &now
	return env, nil
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// --- Message type constants ---

const (
	// Keep-alive
	TypePing = "ping"
	TypePong = "pong"

	// Application events pushed by the service.
	TypeBalanceChanged   = "balance-changed"
	TypeInventoryChanged = "inventory-changed"
	TypeReviewCompleted  = "review-completed"
)

// Close codes carried by the channel close frame.
const (
	CloseNormal   = 1000 // no reconnect
	CloseAbnormal = 1006 // reported locally when the peer vanished without a close frame
)

// --- Auth endpoints ---

// Endpoint paths relative to the service base URL.
const (
	PathSendCode = "/auth/send-code"
	PathLogin    = "/auth/login"
	PathRefresh  = "/auth/refresh"
	PathVerify   = "/auth/verify"
)

// SendCodeRequest asks the service to deliver a one-time login code.
type SendCodeRequest struct {
	Account string `json:"account"`
}

// LoginRequest exchanges a one-time code for a token pair.
type LoginRequest struct {
	Account string `json:"account"`
	Code    string `json:"code"`
}

// RefreshRequest exchanges a refresh token for a new token pair.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// TokenResponse is returned by the login and refresh endpoints.
type TokenResponse struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	ExpiresIn    int64         `json:"expires_in"` // seconds
	User         *UserSnapshot `json:"user_info,omitempty"`
}

// VerifyResponse is returned by the authenticated verify endpoint.
type VerifyResponse struct {
	Valid    bool          `json:"valid"`
	UserInfo *UserSnapshot `json:"user_info,omitempty"`
}

// UserSnapshot is the last-known user profile kept alongside the session.
type UserSnapshot struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	Phone    string `json:"phone,omitempty"`
	IsAdmin  bool   `json:"is_admin,omitempty"`
}

// ErrorBody is the JSON body the service returns alongside non-2xx statuses.
type ErrorBody struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}
