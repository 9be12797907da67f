// Package refresh serializes token refresh and verify calls against the
// remote service. At most one refresh and one verify are in flight at a
// time; concurrent callers attach to the outstanding attempt.
package refresh

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/amurg-ai/tether/internal/remote"
	"github.com/amurg-ai/tether/pkg/protocol"
)

// Remote is the subset of the remote client used by the coordinator.
type Remote interface {
	Refresh(ctx context.Context, refreshToken string) (*protocol.TokenResponse, error)
	Verify(ctx context.Context, accessToken string) (*protocol.VerifyResponse, error)
}

// Recorder observes refresh and verify outcomes.
type Recorder interface {
	RefreshResult(result string)
	VerifyResult(result string)
}

// Config controls retry and cooldown behavior.
type Config struct {
	MaxRetries     int           // retries after the first attempt for transient failures
	BaseDelay      time.Duration // delay before retry n is BaseDelay*n
	VerifyCooldown time.Duration // minimum interval between remote verifies
	LoginGrace     time.Duration // verify is skipped this long after login
}

func (c *Config) applyDefaults() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = time.Second
	}
	if c.VerifyCooldown == 0 {
		c.VerifyCooldown = 5 * time.Minute
	}
	if c.LoginGrace == 0 {
		c.LoginGrace = 30 * time.Second
	}
}

// DefaultConfig returns the stock retry and cooldown settings.
func DefaultConfig() Config {
	c := Config{MaxRetries: 2}
	c.applyDefaults()
	return c
}

// CommitFunc applies a new token pair. It runs inside the flight, so every
// caller that attached to the refresh observes the committed session.
type CommitFunc func(ctx context.Context, resp *protocol.TokenResponse) error

// VerifyCommitFunc records a successful verify. Like CommitFunc it runs
// before any waiter is released.
type VerifyCommitFunc func(ctx context.Context, resp *protocol.VerifyResponse, at time.Time)

// Marks are the session timestamps that gate verification.
type Marks struct {
	LastVerifiedAt time.Time
	LastLoginAt    time.Time
}

// Coordinator runs refresh and verify flights.
type Coordinator struct {
	remote   Remote
	cfg      Config
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	group      singleflight.Group
	refreshing atomic.Bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the clock used for cooldown checks.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithSleep overrides the retry delay function.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) { c.sleep = sleep }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// New creates a Coordinator.
func New(r Remote, cfg Config, logger *slog.Logger, opts ...Option) *Coordinator {
	cfg.applyDefaults()
	c := &Coordinator{
		remote: r,
		cfg:    cfg,
		logger: logger.With("component", "refresh"),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refreshing reports whether a refresh flight is outstanding.
func (c *Coordinator) Refreshing() bool {
	return c.refreshing.Load()
}

// Refresh obtains a new token pair. If a refresh is already in flight the
// caller waits for its outcome instead of issuing another network call. The
// flight itself is detached from the caller's cancellation: a caller giving
// up does not abort the refresh for the others.
func (c *Coordinator) Refresh(ctx context.Context, refreshToken string, commit CommitFunc) (*protocol.TokenResponse, error) {
	ch := c.group.DoChan("refresh", func() (any, error) {
		c.refreshing.Store(true)
		defer c.refreshing.Store(false)

		fctx := context.WithoutCancel(ctx)
		resp, err := c.refreshWithRetry(fctx, refreshToken)
		if err != nil {
			return nil, err
		}
		if commit != nil {
			if err := commit(fctx, resp); err != nil {
				c.recordRefresh("rejected")
				return nil, err
			}
		}
		return resp, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*protocol.TokenResponse), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) refreshWithRetry(ctx context.Context, refreshToken string) (*protocol.TokenResponse, error) {
	attempts := 1 + c.cfg.MaxRetries
	for attempt := 1; ; attempt++ {
		resp, err := c.remote.Refresh(ctx, refreshToken)
		if err == nil {
			c.recordRefresh("ok")
			c.logger.Info("access token refreshed", "attempt", attempt)
			return resp, nil
		}
		if !remote.IsTransient(err) {
			c.recordRefresh("terminal")
			c.logger.Warn("refresh rejected", "attempt", attempt, "error", err)
			return nil, err
		}
		if attempt >= attempts {
			c.recordRefresh("exhausted")
			c.logger.Warn("refresh retries exhausted", "attempts", attempt, "error", err)
			return nil, err
		}

		delay := c.cfg.BaseDelay * time.Duration(attempt)
		c.recordRefresh("retry")
		c.logger.Info("refresh failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// Fresh reports whether verification can be skipped: the token was verified
// within the cooldown, or issued by a login within the grace period. Both
// cases are the same check against the later of the two deadlines.
func (c *Coordinator) Fresh(m Marks) bool {
	now := c.now()
	until := m.LastVerifiedAt.Add(c.cfg.VerifyCooldown)
	if grace := m.LastLoginAt.Add(c.cfg.LoginGrace); grace.After(until) {
		until = grace
	}
	return now.Before(until)
}

// Verify checks accessToken against the service unless Fresh(marks). It
// reports skipped=true when no network call was needed. A response with
// valid=false is returned as an authentication error.
func (c *Coordinator) Verify(ctx context.Context, accessToken string, marks Marks, commit VerifyCommitFunc) (resp *protocol.VerifyResponse, skipped bool, err error) {
	if c.Fresh(marks) {
		c.recordVerify("skipped")
		return nil, true, nil
	}

	ch := c.group.DoChan("verify", func() (any, error) {
		fctx := context.WithoutCancel(ctx)
		resp, err := c.verifyWithRetry(fctx, accessToken)
		if err != nil {
			return nil, err
		}
		if commit != nil {
			commit(fctx, resp, c.now())
		}
		return resp, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.(*protocol.VerifyResponse), false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (c *Coordinator) verifyWithRetry(ctx context.Context, accessToken string) (*protocol.VerifyResponse, error) {
	attempts := 1 + c.cfg.MaxRetries
	for attempt := 1; ; attempt++ {
		resp, err := c.remote.Verify(ctx, accessToken)
		if err == nil {
			if !resp.Valid {
				c.recordVerify("invalid")
				return nil, remote.Errorf(remote.KindAuthentication, "verify", "token rejected by service")
			}
			c.recordVerify("ok")
			return resp, nil
		}
		if !remote.IsTransient(err) || attempt >= attempts {
			c.recordVerify("failed")
			return nil, err
		}
		if err := c.sleep(ctx, c.cfg.BaseDelay*time.Duration(attempt)); err != nil {
			return nil, err
		}
	}
}

func (c *Coordinator) recordRefresh(result string) {
	if c.recorder != nil {
		c.recorder.RefreshResult(result)
	}
}

func (c *Coordinator) recordVerify(result string) {
	if c.recorder != nil {
		c.recorder.VerifyResult(result)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
