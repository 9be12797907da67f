package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/amurg-ai/tether/internal/eventbus"
	"github.com/amurg-ai/tether/internal/refresh"
	"github.com/amurg-ai/tether/internal/remote"
	"github.com/amurg-ai/tether/internal/remote/remotetest"
	"github.com/amurg-ai/tether/internal/store"
	"github.com/amurg-ai/tether/internal/token/tokentest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	srv    *remotetest.Server
	store  store.Store
	bus    *eventbus.Bus
	clock  *fakeClock
	mgr    *Manager
	states []State
	mu     sync.Mutex
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		srv:   remotetest.New(t),
		store: store.NewMemory(),
		bus:   eventbus.New(eventbus.WithCooldown(0), eventbus.WithLogger(testLogger())),
		clock: &fakeClock{now: time.Now()},
	}
	t.Cleanup(func() { _ = h.store.Close() })

	client, err := remote.New(remote.Config{BaseURL: h.srv.URL, Timeout: 2 * time.Second}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	coord := refresh.New(client, refresh.Config{MaxRetries: 2, BaseDelay: time.Millisecond}, testLogger(),
		refresh.WithClock(h.clock.Now),
		refresh.WithSleep(func(context.Context, time.Duration) error { return nil }))
	h.mgr = NewManager(h.store, client, coord, h.bus, testLogger(), WithClock(h.clock.Now))

	eventbus.Subscribe(h.bus, eventbus.TopicSessionChanged, "test", func(_ context.Context, c eventbus.SessionChange) error {
		h.mu.Lock()
		h.states = append(h.states, c.State)
		h.mu.Unlock()
		return nil
	})
	return h
}

func (h *harness) seen(s State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, got := range h.states {
		if got == s {
			return true
		}
	}
	return false
}

func (h *harness) seed(t *testing.T, kv map[string]string) {
	t.Helper()
	if err := h.store.SetMany(context.Background(), kv); err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
}

func TestEnsureValid_NoSession(t *testing.T) {
	h := newHarness(t)
	if err := h.mgr.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := h.mgr.EnsureValid(context.Background())
	if !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("got %v, want ErrNotLoggedIn", err)
	}
	if n := h.srv.RefreshCalls.Load() + h.srv.VerifyCalls.Load(); n != 0 {
		t.Errorf("network calls = %d, want 0", n)
	}
	if h.mgr.State() != NoSession {
		t.Errorf("state = %v", h.mgr.State())
	}
}

func TestEnsureValid_ExpiredTokenRefreshesWithoutVerify(t *testing.T) {
	h := newHarness(t)
	pair := h.srv.Issue("u1")
	h.seed(t, map[string]string{
		store.KeyAccessToken:  tokentest.Expired("u1", time.Second),
		store.KeyRefreshToken: pair.RefreshToken,
	})
	if h.mgr.State() != Invalid {
		t.Fatalf("restored state = %v, want invalid", h.mgr.State())
	}
	if h.mgr.IsLoggedIn() {
		t.Fatal("expired token reported as logged in")
	}

	tok, err := h.mgr.EnsureValid(context.Background())
	if err != nil {
		t.Fatalf("EnsureValid: %v", err)
	}
	if tok == "" || !h.mgr.IsLoggedIn() {
		t.Fatal("no usable token after refresh")
	}
	if !h.seen(Refreshing) {
		t.Error("never transitioned through refreshing")
	}
	if n := h.srv.RefreshCalls.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}
	if n := h.srv.VerifyCalls.Load(); n != 0 {
		t.Errorf("verify calls = %d, want 0", n)
	}

	stored, _, _ := h.store.Get(context.Background(), store.KeyAccessToken)
	if stored != tok {
		t.Error("refreshed token not persisted")
	}
}

func TestEnsureValid_SingleFlightRefresh(t *testing.T) {
	h := newHarness(t)
	pair := h.srv.Issue("u1")
	h.seed(t, map[string]string{
		store.KeyAccessToken:  tokentest.Expired("u1", time.Minute),
		store.KeyRefreshToken: pair.RefreshToken,
	})
	h.srv.SetRefreshDelay(100 * time.Millisecond)

	const callers = 16
	var wg sync.WaitGroup
	toks := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			toks[i], errs[i] = h.mgr.EnsureValid(context.Background())
		}(i)
	}
	wg.Wait()

	if n := h.srv.RefreshCalls.Load(); n != 1 {
		t.Fatalf("refresh calls = %d, want 1", n)
	}
	for i := range toks {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if toks[i] != toks[0] {
			t.Errorf("caller %d got a different token", i)
		}
	}
}

func TestRestore_SentinelAccessToken(t *testing.T) {
	h := newHarness(t)
	pair := h.srv.Issue("u1")
	h.seed(t, map[string]string{
		store.KeyAccessToken:  "undefined",
		store.KeyRefreshToken: pair.RefreshToken,
		store.KeyUserSnapshot: "null",
	})

	if h.mgr.IsLoggedIn() {
		t.Fatal(`"undefined" treated as a usable token`)
	}
	if h.mgr.State() != Invalid {
		t.Fatalf("state = %v, want invalid (recoverable)", h.mgr.State())
	}
	for _, k := range []string{store.KeyAccessToken, store.KeyUserSnapshot} {
		if _, ok, _ := h.store.Get(context.Background(), k); ok {
			t.Errorf("corrupt key %s not removed", k)
		}
	}
	if _, ok, _ := h.store.Get(context.Background(), store.KeyRefreshToken); !ok {
		t.Fatal("refresh token removed during repair")
	}

	if _, err := h.mgr.EnsureValid(context.Background()); err != nil {
		t.Fatalf("EnsureValid after repair: %v", err)
	}
	snap, ok := h.mgr.Snapshot()
	if !ok || snap.User == nil || snap.User.ID != "u1" {
		t.Fatalf("snapshot after repair = %+v", snap)
	}
}

func TestRestore_NothingRecoverable(t *testing.T) {
	h := newHarness(t)
	h.seed(t, map[string]string{
		store.KeyAccessToken:  "null",
		store.KeyRefreshToken: "undefined",
		store.KeyLastLoginAt:  "12345",
	})

	if h.mgr.State() != NoSession {
		t.Fatalf("state = %v", h.mgr.State())
	}
	vals, err := h.store.GetMany(context.Background(), store.SessionKeys...)
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != 0 {
		t.Errorf("store not cleared: %v", vals)
	}
}

func TestRestore_RederivesUserFromClaims(t *testing.T) {
	h := newHarness(t)
	access := tokentest.Mint(tokentest.Params{Subject: "u9", Admin: true})
	h.seed(t, map[string]string{
		store.KeyAccessToken:  access,
		store.KeyRefreshToken: "rt",
		store.KeyUserSnapshot: "{not json",
		store.KeyTokenExpire:  "abc",
	})

	if h.mgr.State() != Valid {
		t.Fatalf("state = %v", h.mgr.State())
	}
	snap, _ := h.mgr.Snapshot()
	if snap.User == nil || snap.User.ID != "u9" || !snap.User.IsAdmin {
		t.Fatalf("user = %+v", snap.User)
	}
	raw, ok, _ := h.store.Get(context.Background(), store.KeyUserSnapshot)
	if !ok || raw == "{not json" {
		t.Errorf("user snapshot not repaired: %q", raw)
	}
	exp, ok, _ := h.store.Get(context.Background(), store.KeyTokenExpire)
	if !ok || exp != strconv.FormatInt(snap.ExpiresAt.UnixMilli(), 10) {
		t.Errorf("token_expire_at = %q", exp)
	}
}

func TestLogin_PersistsAndSkipsVerifyDuringGrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	user, err := h.mgr.Login(ctx, "alice", remotetest.Code)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if user.ID != "alice" {
		t.Errorf("user = %+v", user)
	}

	vals, _ := h.store.GetMany(ctx, store.SessionKeys...)
	for _, k := range store.SessionKeys {
		if vals[k] == "" {
			t.Errorf("key %s not persisted", k)
		}
	}
	if vals[store.KeyLastLoginAt] != strconv.FormatInt(h.clock.Now().UnixMilli(), 10) {
		t.Errorf("last_login_at = %s", vals[store.KeyLastLoginAt])
	}

	if _, err := h.mgr.EnsureValid(ctx); err != nil {
		t.Fatal(err)
	}
	if n := h.srv.VerifyCalls.Load(); n != 0 {
		t.Errorf("verify during login grace: %d calls", n)
	}
}

func TestLogin_WrongCode(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.Login(context.Background(), "alice", "000000")
	if !remote.IsAuthentication(err) {
		t.Fatalf("got %v", err)
	}
	if h.mgr.State() != NoSession {
		t.Errorf("state = %v", h.mgr.State())
	}
}

func TestEnsureValid_VerifyCooldown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.mgr.Login(ctx, "alice", remotetest.Code); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := h.mgr.EnsureValid(ctx); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if n := h.srv.VerifyCalls.Load(); n != 1 {
		t.Fatalf("verify calls = %d, want 1", n)
	}

	h.clock.Advance(6 * time.Minute)
	if _, err := h.mgr.EnsureValid(ctx); err != nil {
		t.Fatal(err)
	}
	if n := h.srv.VerifyCalls.Load(); n != 2 {
		t.Errorf("verify calls after cooldown = %d, want 2", n)
	}
}

func TestEnsureValid_VerifyRejectedRefreshes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.mgr.Login(ctx, "alice", remotetest.Code); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(time.Minute)
	h.srv.SetVerifyValid(false)

	if _, err := h.mgr.EnsureValid(ctx); err != nil {
		t.Fatalf("EnsureValid: %v", err)
	}
	if n := h.srv.RefreshCalls.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}
	if h.mgr.State() != Valid {
		t.Errorf("state = %v", h.mgr.State())
	}
}

func TestEnsureValid_TransientVerifyKeepsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.mgr.Login(ctx, "alice", remotetest.Code); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(time.Minute)
	h.srv.FailVerify(503, 503, 503)

	tok, err := h.mgr.EnsureValid(ctx)
	if err != nil || tok == "" {
		t.Fatalf("tok=%q err=%v", tok, err)
	}
	if n := h.srv.VerifyCalls.Load(); n != 3 {
		t.Errorf("verify calls = %d, want 3", n)
	}
	if h.mgr.State() != Valid {
		t.Errorf("state = %v", h.mgr.State())
	}
}

func TestEnsureValid_TerminalRefreshDestroysSession(t *testing.T) {
	h := newHarness(t)
	pair := h.srv.Issue("u1")
	h.seed(t, map[string]string{
		store.KeyAccessToken:  tokentest.Expired("u1", time.Second),
		store.KeyRefreshToken: pair.RefreshToken,
	})
	h.srv.FailRefresh(401)

	var expired []eventbus.SessionExpired
	eventbus.Subscribe(h.bus, eventbus.TopicSessionExpired, "test", func(_ context.Context, e eventbus.SessionExpired) error {
		expired = append(expired, e)
		return nil
	})

	_, err := h.mgr.EnsureValid(context.Background())
	if !remote.IsAuthentication(err) {
		t.Fatalf("got %v", err)
	}
	if h.mgr.State() != NoSession {
		t.Errorf("state = %v", h.mgr.State())
	}
	if len(expired) != 1 {
		t.Errorf("session expired events = %d, want 1", len(expired))
	}
	if _, ok, _ := h.store.Get(context.Background(), store.KeyRefreshToken); ok {
		t.Error("store not cleared")
	}

	if _, err := h.mgr.EnsureValid(context.Background()); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("after expiry got %v", err)
	}
}

func TestEnsureValid_TransientRefreshExhausted(t *testing.T) {
	h := newHarness(t)
	pair := h.srv.Issue("u1")
	h.seed(t, map[string]string{
		store.KeyAccessToken:  tokentest.Expired("u1", time.Second),
		store.KeyRefreshToken: pair.RefreshToken,
	})
	h.srv.FailRefresh(502, 502, 502)

	_, err := h.mgr.EnsureValid(context.Background())
	if !remote.IsTransient(err) {
		t.Fatalf("got %v", err)
	}
	if h.mgr.State() != Invalid {
		t.Errorf("state = %v, want invalid", h.mgr.State())
	}

	if _, err := h.mgr.EnsureValid(context.Background()); err != nil {
		t.Fatalf("retry after outage: %v", err)
	}
}

func TestEnsureValid_RecoversFromStoreAfterCorruption(t *testing.T) {
	h := newHarness(t)
	pair := h.srv.Issue("u1")
	h.seed(t, map[string]string{
		store.KeyAccessToken:  "null",
		store.KeyRefreshToken: pair.RefreshToken,
	})

	// Another process logs in and writes a clean session.
	fresh := h.srv.Issue("u1")
	if err := h.store.SetMany(context.Background(), map[string]string{
		store.KeyAccessToken:  fresh.AccessToken,
		store.KeyRefreshToken: fresh.RefreshToken,
	}); err != nil {
		t.Fatal(err)
	}

	tok, err := h.mgr.EnsureValid(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok != fresh.AccessToken {
		t.Error("did not adopt the clean token from the store")
	}
	if n := h.srv.RefreshCalls.Load(); n != 0 {
		t.Errorf("refresh calls = %d, want 0", n)
	}
}

func TestLogout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.mgr.Login(ctx, "alice", remotetest.Code); err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.Logout(ctx); err != nil {
		t.Fatal(err)
	}
	if h.mgr.IsLoggedIn() || h.mgr.State() != NoSession {
		t.Fatal("still logged in")
	}
	vals, _ := h.store.GetMany(ctx, store.SessionKeys...)
	if len(vals) != 0 {
		t.Errorf("store not cleared: %v", vals)
	}
}
