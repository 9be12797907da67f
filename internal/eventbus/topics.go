package eventbus

import (
	"time"

	"github.com/amurg-ai/tether/pkg/protocol"
)

// Topic is a named event kind bound to its payload type. Publishing and
// subscribing through the same Topic value makes the compiler check that
// both sides agree on the payload shape.
type Topic[T any] struct {
	name    string
	control bool
}

// NewTopic declares a topic whose publishes pass through the bus cooldown.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

// NewControlTopic declares a topic that bypasses the cooldown filter. State
// transitions are published on control topics: a repeated transition is
// still a transition and must reach every subscriber.
func NewControlTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name, control: true}
}

// Name returns the topic name.
func (t Topic[T]) Name() string { return t.name }

// SessionState mirrors the session manager's state machine for subscribers.
type SessionState string

const (
	SessionNone       SessionState = "no_session"
	SessionValid      SessionState = "valid"
	SessionRefreshing SessionState = "refreshing"
	SessionInvalid    SessionState = "invalid"
)

// SessionChange is published whenever the session state or user changes.
type SessionChange struct {
	State     SessionState           `json:"state"`
	User      *protocol.UserSnapshot `json:"user,omitempty"`
	ExpiresAt time.Time              `json:"expires_at,omitempty"`
}

// SessionExpired asks the UI to offer a re-login. It is published once per
// terminal authentication failure.
type SessionExpired struct {
	Reason string `json:"reason"`
}

// ChannelStateChange is published on every connection state transition.
type ChannelStateChange struct {
	State       string `json:"state"`
	Attempt     int    `json:"attempt"`
	CloseCode   int    `json:"close_code,omitempty"`
	CloseReason string `json:"close_reason,omitempty"`
}

// ConnectionLost is published once when automatic reconnects are exhausted.
// It is not fatal: the rest of the application keeps working.
type ConnectionLost struct {
	Attempts  int    `json:"attempts"`
	CloseCode int    `json:"close_code"`
	Reason    string `json:"reason,omitempty"`
}

// LogEntry is one log record re-published for IPC clients and the watch TUI.
// Attribute values are flattened to strings so every entry serializes.
type LogEntry struct {
	Time      time.Time         `json:"time"`
	Level     string            `json:"level"`
	Message   string            `json:"msg"`
	Component string            `json:"component,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// Built-in topics.
var (
	TopicSessionChanged = NewControlTopic[SessionChange]("session.changed")
	TopicSessionExpired = NewControlTopic[SessionExpired]("session.expired")
	TopicChannelState   = NewControlTopic[ChannelStateChange]("channel.state")
	TopicConnectionLost = NewControlTopic[ConnectionLost]("channel.lost")
	TopicLogEntry       = NewTopic[LogEntry]("log.entry")
)

// ChannelTopic returns the topic under which inbound channel messages of the
// given envelope type are re-published.
func ChannelTopic(msgType string) Topic[protocol.Envelope] {
	return Topic[protocol.Envelope]{name: msgType}
}

// Application event topics pushed by the service.
var (
	TopicBalanceChanged   = ChannelTopic(protocol.TypeBalanceChanged)
	TopicInventoryChanged = ChannelTopic(protocol.TypeInventoryChanged)
	TopicReviewCompleted  = ChannelTopic(protocol.TypeReviewCompleted)
)
