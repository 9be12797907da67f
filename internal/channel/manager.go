// Package channel owns the realtime websocket to the service. It connects
// with the session's access token, sends heartbeats, reconnects with linear
// backoff after abnormal closes and re-publishes inbound messages on the
// event bus under their envelope type.
package channel

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amurg-ai/tether/internal/eventbus"
	"github.com/amurg-ai/tether/internal/remote"
	"github.com/amurg-ai/tether/pkg/protocol"
)

// State is the connection state.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Open         State = "open"
	Closing      State = "closing"
)

var (
	// ErrNoSession is returned by Connect when there is no usable session.
	ErrNoSession = errors.New("no valid session")
	// ErrNotConnected is returned by Send when the channel is not open.
	ErrNotConnected = errors.New("channel not open")
)

// Session gates connection attempts and supplies the access token.
type Session interface {
	IsLoggedIn() bool
	EnsureValid(ctx context.Context) (string, error)
}

// Recorder observes connection lifecycle events.
type Recorder interface {
	ChannelState(state string)
	Reconnect()
	ConnectionLost()
	MessageReceived(msgType string)
}

// Config controls the channel.
type Config struct {
	URL                  string
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int // total connections per Connect, the initial one included
	ConnectCooldown      time.Duration
	HandshakeTimeout     time.Duration
	TLSSkipVerify        bool
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 2 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 3
	}
	if c.ConnectCooldown == 0 {
		c.ConnectCooldown = 5 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// Status is a point-in-time view of the channel.
type Status struct {
	State           State  `json:"state"`
	Attempt         int    `json:"attempt"`
	LastCloseCode   int    `json:"last_close_code,omitempty"`
	LastCloseReason string `json:"last_close_reason,omitempty"`
}

// Manager owns the single realtime connection of the process.
//
// Every dial attempt runs under its own epoch. Timers and read loops carry
// the epoch they were started in and do nothing once it is no longer
// current, so Disconnect only has to bump the epoch.
type Manager struct {
	cfg      Config
	session  Session
	bus      *eventbus.Bus
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time

	mu          sync.Mutex
	state       State
	epoch       uint64
	attempt     int
	closeCode   int
	closeReason string
	lastConnect time.Time
	conn        *websocket.Conn
	heartbeat   *time.Timer
	reconnect   *time.Timer
	runCtx      context.Context
	cancel      context.CancelFunc

	wmu sync.Mutex // serializes writes on conn
}

// Option configures a Manager.
type Option func(*Manager)

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithClock overrides the clock used for the connect cooldown.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager in the Disconnected state.
func New(cfg Config, s Session, bus *eventbus.Bus, logger *slog.Logger, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:     cfg,
		session: s,
		bus:     bus,
		logger:  logger.With("component", "channel"),
		now:     time.Now,
		state:   Disconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the connection state with its reconnect bookkeeping.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:           m.state,
		Attempt:         m.attempt,
		LastCloseCode:   m.closeCode,
		LastCloseReason: m.closeReason,
	}
}

// Connect starts connecting in the background. It does nothing when the
// channel is already connecting or open, while a Disconnect is still
// closing it, or when called again within the connect cooldown. It returns
// ErrNoSession when there is no usable session.
func (m *Manager) Connect() error {
	m.mu.Lock()
	switch m.state {
	case Connecting, Open:
		m.mu.Unlock()
		return nil
	case Closing:
		m.mu.Unlock()
		m.logger.Debug("connect ignored while closing")
		return nil
	}
	if !m.session.IsLoggedIn() {
		m.mu.Unlock()
		return ErrNoSession
	}
	now := m.now()
	if !m.lastConnect.IsZero() && now.Sub(m.lastConnect) < m.cfg.ConnectCooldown {
		m.mu.Unlock()
		m.logger.Debug("connect debounced", "since_last", now.Sub(m.lastConnect))
		return nil
	}
	m.lastConnect = now
	m.attempt = 0
	m.epoch++
	epoch := m.epoch
	m.runCtx, m.cancel = context.WithCancel(context.Background())
	ctx := m.runCtx
	change := m.setStateLocked(Connecting)
	m.mu.Unlock()

	m.publish(change)
	go m.dial(ctx, epoch)
	return nil
}

// Disconnect closes the channel with a normal close and cancels every
// pending heartbeat and reconnect. No reconnect happens until Connect is
// called again.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == Disconnected && m.cancel == nil {
		m.mu.Unlock()
		return
	}
	m.epoch++
	epoch := m.epoch
	m.stopTimersLocked()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.lastConnect = time.Time{}
	var closing *eventbus.ChannelStateChange
	if conn != nil {
		c := m.setStateLocked(Closing)
		closing = &c
	}
	m.mu.Unlock()

	if closing != nil {
		m.publish(*closing)
		m.wmu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(protocol.CloseNormal, "client disconnect"),
			time.Now().Add(time.Second))
		m.wmu.Unlock()
		_ = conn.Close()
	}

	m.mu.Lock()
	if m.epoch != epoch {
		// A later Disconnect finished the job.
		m.mu.Unlock()
		return
	}
	change := m.setStateLocked(Disconnected)
	m.mu.Unlock()
	m.publish(change)
	m.logger.Info("channel disconnected")
}

// Send writes an envelope of msgType to the open channel.
func (m *Manager) Send(msgType string, data any) error {
	m.mu.Lock()
	conn := m.conn
	open := m.state == Open
	m.mu.Unlock()
	if !open || conn == nil {
		return ErrNotConnected
	}
	env, err := protocol.NewEnvelope(msgType, data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}
	return m.write(conn, env)
}

func (m *Manager) write(conn *websocket.Conn, env protocol.Envelope) error {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(env); err != nil {
		return remote.Errorf(remote.KindChannel, "send", "%s: %v", env.Type, err)
	}
	return nil
}

func (m *Manager) dial(ctx context.Context, epoch uint64) {
	tok, err := m.session.EnsureValid(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if !remote.IsTransient(err) {
			m.logger.Info("no usable session, not connecting", "error", err)
			m.abort(epoch)
			return
		}
		m.closed(epoch, protocol.CloseAbnormal, err.Error())
		return
	}

	target, err := withToken(m.cfg.URL, tok)
	if err != nil {
		m.logger.Error("invalid channel url", "error", err)
		m.abort(epoch)
		return
	}

	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.HandshakeTimeout}
	if m.cfg.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("channel dial failed", "error", err)
		m.closed(epoch, protocol.CloseAbnormal, err.Error())
		return
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.heartbeat = m.after(epoch, m.cfg.HeartbeatInterval, m.beat(epoch))
	change := m.setStateLocked(Open)
	attempt := m.attempt
	m.mu.Unlock()

	m.logger.Info("channel open", "attempt", attempt)
	m.publish(change)
	m.readLoop(epoch, conn)
}

func (m *Manager) readLoop(epoch uint64, conn *websocket.Conn) {
	ctx := context.Background()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := closeInfo(err)
			m.closed(epoch, code, reason)
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			m.logger.Warn("invalid message on channel", "error", err)
			continue
		}
		if m.recorder != nil {
			m.recorder.MessageReceived(env.Type)
		}

		switch env.Type {
		case protocol.TypePing:
			pong, _ := protocol.NewEnvelope(protocol.TypePong, nil)
			if err := m.write(conn, pong); err != nil {
				m.logger.Debug("pong failed", "error", err)
			}
		case protocol.TypePong:
		default:
			eventbus.Publish(ctx, m.bus, eventbus.ChannelTopic(env.Type), env)
		}
	}
}

// closed handles the end of the connection or dial attempt of epoch.
func (m *Manager) closed(epoch uint64, code int, reason string) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.stopTimersLocked()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.closeCode, m.closeReason = code, reason

	if code == protocol.CloseNormal {
		m.cancelLocked()
		change := m.setStateLocked(Disconnected)
		m.mu.Unlock()
		m.logger.Info("channel closed normally", "reason", reason)
		m.publish(change)
		return
	}

	if m.attempt+1 >= m.cfg.MaxReconnectAttempts {
		attempts := m.attempt + 1
		m.cancelLocked()
		change := m.setStateLocked(Disconnected)
		m.mu.Unlock()

		m.logger.Warn("channel lost, giving up", "attempts", attempts, "close_code", code, "reason", reason)
		m.publish(change)
		if m.recorder != nil {
			m.recorder.ConnectionLost()
		}
		eventbus.Publish(context.Background(), m.bus, eventbus.TopicConnectionLost, eventbus.ConnectionLost{
			Attempts:  attempts,
			CloseCode: code,
			Reason:    reason,
		})
		return
	}

	delay := m.cfg.ReconnectBaseDelay * time.Duration(m.attempt+1)
	m.attempt++
	m.reconnect = m.after(epoch, delay, m.redial(epoch))
	change := m.setStateLocked(Connecting)
	attempt := m.attempt
	m.mu.Unlock()

	m.logger.Info("channel closed abnormally, reconnecting", "close_code", code, "reason", reason, "attempt", attempt, "delay", delay)
	m.publish(change)
}

// abort stops connecting without scheduling a reconnect.
func (m *Manager) abort(epoch uint64) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.cancelLocked()
	change := m.setStateLocked(Disconnected)
	m.mu.Unlock()
	m.publish(change)
}

func (m *Manager) redial(epoch uint64) func() func() {
	return func() func() {
		if m.state != Connecting {
			return nil
		}
		m.epoch++
		next := m.epoch
		ctx := m.runCtx
		if m.recorder != nil {
			m.recorder.Reconnect()
		}
		return func() { m.dial(ctx, next) }
	}
}

// beat sends a ping and re-arms itself. A connection that survives a full
// heartbeat interval is considered stable and resets the attempt counter.
func (m *Manager) beat(epoch uint64) func() func() {
	return func() func() {
		if m.state != Open || m.conn == nil {
			return nil
		}
		conn := m.conn
		m.attempt = 0
		m.heartbeat = m.after(epoch, m.cfg.HeartbeatInterval, m.beat(epoch))
		return func() {
			ping, _ := protocol.NewEnvelope(protocol.TypePing, nil)
			if err := m.write(conn, ping); err != nil {
				m.logger.Debug("heartbeat failed", "error", err)
			}
		}
	}
}

// after schedules fn to run once d elapses, provided epoch is still current.
// fn runs with m.mu held; the function it returns, if any, runs after the
// lock is released.
func (m *Manager) after(epoch uint64, d time.Duration, fn func() func()) *time.Timer {
	return time.AfterFunc(d, func() {
		m.mu.Lock()
		if m.epoch != epoch {
			m.mu.Unlock()
			return
		}
		next := fn()
		m.mu.Unlock()
		if next != nil {
			next()
		}
	})
}

func (m *Manager) stopTimersLocked() {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

func (m *Manager) cancelLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *Manager) setStateLocked(s State) eventbus.ChannelStateChange {
	m.state = s
	if m.recorder != nil {
		m.recorder.ChannelState(string(s))
	}
	return eventbus.ChannelStateChange{
		State:       string(s),
		Attempt:     m.attempt,
		CloseCode:   m.closeCode,
		CloseReason: m.closeReason,
	}
}

func (m *Manager) publish(c eventbus.ChannelStateChange) {
	eventbus.Publish(context.Background(), m.bus, eventbus.TopicChannelState, c)
}

// closeInfo extracts the close code from a read error. Errors without a
// close frame are reported as an abnormal closure.
func closeInfo(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return protocol.CloseAbnormal, err.Error()
}

// withToken appends the url-encoded access token to the channel URL.
func withToken(raw, tok string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("channel url must be ws or wss, got %q", raw)
	}
	q := u.Query()
	q.Set("token", tok)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
