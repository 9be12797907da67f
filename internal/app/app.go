// Package app is the orchestrator that ties together the durable store, the
// session manager, the realtime channel and the local control surfaces.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/google/uuid"

	"github.com/amurg-ai/tether/internal/channel"
	"github.com/amurg-ai/tether/internal/config"
	"github.com/amurg-ai/tether/internal/daemon"
	"github.com/amurg-ai/tether/internal/eventbus"
	"github.com/amurg-ai/tether/internal/ipc"
	"github.com/amurg-ai/tether/internal/metrics"
	"github.com/amurg-ai/tether/internal/refresh"
	"github.com/amurg-ai/tether/internal/remote"
	"github.com/amurg-ai/tether/internal/session"
	"github.com/amurg-ai/tether/internal/store"
	"github.com/amurg-ai/tether/internal/token"
)

// App is the running client process.
type App struct {
	cfg      *config.Config
	paths    daemon.Paths
	logger   *slog.Logger
	bus      *eventbus.Bus
	metrics  *metrics.Metrics
	store    store.Store
	remote   *remote.Client
	sessions *session.Manager
	channel  *channel.Manager

	version   string
	instance  string
	startedAt time.Time

	mu     sync.Mutex
	subs   []eventbus.Subscription
	closed bool
}

// Options are the process-level inputs that do not come from config.
type Options struct {
	Paths   daemon.Paths
	Version string
	// Handler receives log records. Records are also teed onto the event bus.
	Handler slog.Handler
}

// New builds every component. It opens the store but does not touch the
// network. Without Run the App serves one-shot commands such as login.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if opts.Handler == nil {
		opts.Handler = slog.Default().Handler()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	instance := uuid.NewString()

	m := metrics.New()
	// The bus logs handler failures through the plain handler; logging
	// through the tee would publish back into the bus.
	bus := eventbus.New(
		eventbus.WithCooldown(cfg.Events.Cooldown.Duration),
		eventbus.WithLogger(slog.New(opts.Handler)),
		eventbus.WithRecorder(m),
	)
	logger := slog.New(eventbus.NewSlogHandler(opts.Handler, bus)).With("instance", instance)

	dsn := cfg.Store.DSN
	if dsn == "" && cfg.Store.Driver == "sqlite" {
		if err := opts.Paths.Ensure(); err != nil {
			return nil, err
		}
		dsn = opts.Paths.DB()
	}
	st, err := store.Open(ctx, store.Config{Driver: cfg.Store.Driver, DSN: dsn, KeyPrefix: cfg.Store.KeyPrefix})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}

	rc, err := remote.New(remote.Config{
		BaseURL:       cfg.Remote.BaseURL,
		Timeout:       cfg.Remote.Timeout.Duration,
		TLSSkipVerify: cfg.Remote.TLSSkipVerify,
		UserAgent:     "tether/" + opts.Version,
	}, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var vopts []token.Option
	if cfg.Remote.JWKSURL != "" {
		kf, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.Remote.JWKSURL})
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("load jwks: %w", err)
		}
		vopts = append(vopts, token.WithKeyfunc(kf))
	}
	validator := token.New(vopts...)

	coord := refresh.New(rc, refresh.Config{
		MaxRetries:     *cfg.Session.RefreshRetries,
		BaseDelay:      cfg.Session.RefreshBaseDelay.Duration,
		VerifyCooldown: cfg.Session.VerifyCooldown.Duration,
		LoginGrace:     cfg.Session.LoginGrace.Duration,
	}, logger, refresh.WithRecorder(m))

	sessions := session.NewManager(st, rc, coord, bus, logger, session.WithValidator(validator))
	rc.SetTokenSource(sessions)

	ch := channel.New(channel.Config{
		URL:                  cfg.Remote.ChannelURL,
		HeartbeatInterval:    cfg.Channel.HeartbeatInterval.Duration,
		ReconnectBaseDelay:   cfg.Channel.ReconnectBaseDelay.Duration,
		MaxReconnectAttempts: cfg.Channel.MaxReconnectAttempts,
		ConnectCooldown:      cfg.Channel.ConnectCooldown.Duration,
		HandshakeTimeout:     cfg.Channel.HandshakeTimeout.Duration,
		TLSSkipVerify:        cfg.Remote.TLSSkipVerify,
	}, sessions, bus, logger, channel.WithRecorder(m))

	a := &App{
		cfg:       cfg,
		paths:     opts.Paths,
		logger:    logger.With("component", "app"),
		bus:       bus,
		metrics:   m,
		store:     st,
		remote:    rc,
		sessions:  sessions,
		channel:   ch,
		version:   opts.Version,
		instance:  instance,
		startedAt: time.Now(),
	}
	return a, nil
}

// wire makes the channel follow the session: it connects when the session
// becomes valid and closes when the session is destroyed.
func (a *App) wire() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subs = append(a.subs,
		eventbus.Subscribe(a.bus, eventbus.TopicSessionChanged, "app.channel", func(ctx context.Context, c eventbus.SessionChange) error {
			switch c.State {
			case eventbus.SessionValid:
				if err := a.channel.Connect(); err != nil && !errors.Is(err, channel.ErrNoSession) {
					return err
				}
			case eventbus.SessionNone:
				a.channel.Disconnect()
			}
			return nil
		}),
		eventbus.Subscribe(a.bus, eventbus.TopicSessionExpired, "app.expired", func(ctx context.Context, e eventbus.SessionExpired) error {
			a.logger.Warn("session expired, run `tether login` to sign in again", "reason", e.Reason)
			return nil
		}),
		eventbus.Subscribe(a.bus, eventbus.TopicConnectionLost, "app.lost", func(ctx context.Context, e eventbus.ConnectionLost) error {
			a.logger.Warn("realtime channel lost, continuing without live updates",
				"attempts", e.Attempts, "close_code", e.CloseCode, "reason", e.Reason)
			return nil
		}),
	)
}

// Bus returns the event bus.
func (a *App) Bus() *eventbus.Bus { return a.bus }

// Logger returns the process logger. Its records are teed onto the bus.
func (a *App) Logger() *slog.Logger { return a.logger }

// Sessions returns the session manager.
func (a *App) Sessions() *session.Manager { return a.sessions }

// Channel returns the realtime channel manager.
func (a *App) Channel() *channel.Manager { return a.channel }

// Call performs an application request against the remote service,
// attaching the access token when req.NeedAuth is set.
func (a *App) Call(ctx context.Context, req remote.Request, out any) error {
	return a.remote.Call(ctx, req, out)
}

// Run restores the session, serves IPC and metrics, and blocks until ctx is
// canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting tether",
		"version", a.version,
		"base_url", a.cfg.Remote.BaseURL,
		"store", a.cfg.Store.Driver,
	)
	defer a.Close()
	a.wire()

	if err := a.sessions.Restore(ctx); err != nil {
		a.logger.Error("session restore failed", "error", err)
	}

	srv := ipc.NewServer(a.paths.Socket(), a, a.bus, a.logger)
	if err := a.paths.Ensure(); err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer func() { _ = srv.Close() }()

	errCh := make(chan error, 1)
	if addr := a.cfg.Client.MetricsAddr; addr != "" {
		ms := metrics.NewServer(addr, a.metrics, a.store.Ping, a.logger)
		go func() {
			if err := ms.ListenAndServe(ctx); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Close disconnects the channel and releases the store. It is safe to call
// more than once.
func (a *App) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()

	a.logger.Debug("shutting down")
	for _, s := range subs {
		a.bus.Unsubscribe(s)
	}
	a.channel.Disconnect()
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "error", err)
	}
}

// Status implements ipc.StateProvider.
func (a *App) Status() ipc.StatusResult {
	res := ipc.StatusResult{
		Session:     string(a.sessions.State()),
		LoggedIn:    a.sessions.IsLoggedIn(),
		Instance:    a.instance,
		BaseURL:     a.cfg.Remote.BaseURL,
		StoreDriver: a.cfg.Store.Driver,
		StartedAt:   a.startedAt,
		Uptime:      time.Since(a.startedAt).Truncate(time.Second).String(),
		Version:     a.version,
	}
	if s, ok := a.sessions.Snapshot(); ok {
		res.User = s.User
		res.ExpiresAt = s.ExpiresAt
	}
	cs := a.channel.Status()
	res.Channel = string(cs.State)
	res.Attempt = cs.Attempt
	res.LastCloseCode = cs.LastCloseCode
	res.LastCloseReason = cs.LastCloseReason
	return res
}

// Reload implements ipc.StateProvider. It re-reads the session written by
// another process, such as `tether login`.
func (a *App) Reload(ctx context.Context) error {
	return a.sessions.Restore(ctx)
}

// Logout implements ipc.StateProvider.
func (a *App) Logout(ctx context.Context) error {
	return a.sessions.Logout(ctx)
}
