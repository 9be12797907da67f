// Package ipc exposes the running client to local tools over a Unix socket
// speaking JSON lines.
package ipc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/amurg-ai/tether/pkg/protocol"
)

// Methods understood by the server.
const (
	MethodStatus    = "status"
	MethodSubscribe = "subscribe"
	MethodReload    = "reload"
	MethodLogout    = "logout"
)

// Response types.
const (
	TypeResult = "result"
	TypeError  = "error"
	TypeEvent  = "event"
)

// Request is a JSON-Lines request from a local client.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is sent back to the client.
type Response struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ErrorResult is the payload of an error response.
type ErrorResult struct {
	Error string `json:"error"`
}

// StatusResult is returned by the "status" method.
type StatusResult struct {
	Session   string                 `json:"session"`
	LoggedIn  bool                   `json:"logged_in"`
	User      *protocol.UserSnapshot `json:"user,omitempty"`
	ExpiresAt time.Time              `json:"expires_at,omitempty"`

	Channel         string `json:"channel"`
	Attempt         int    `json:"attempt"`
	LastCloseCode   int    `json:"last_close_code,omitempty"`
	LastCloseReason string `json:"last_close_reason,omitempty"`

	Instance    string    `json:"instance"`
	BaseURL     string    `json:"base_url"`
	StoreDriver string    `json:"store_driver"`
	Uptime      string    `json:"uptime"`
	StartedAt   time.Time `json:"started_at"`
	Version     string    `json:"version"`
}

// SubscribeParams are sent with the "subscribe" method.
type SubscribeParams struct {
	Events []string `json:"events"`
}

// Event wraps an event bus event for IPC transport.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StateProvider is the interface the IPC server uses to query and control
// the running client.
type StateProvider interface {
	Status() StatusResult
	Reload(ctx context.Context) error
	Logout(ctx context.Context) error
}
