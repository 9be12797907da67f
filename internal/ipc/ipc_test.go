package ipc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amurg-ai/tether/internal/eventbus"
)

type fakeProvider struct {
	reloads   atomic.Int32
	logouts   atomic.Int32
	reloadErr error
}

func (p *fakeProvider) Status() StatusResult {
	return StatusResult{Session: "valid", LoggedIn: true, Channel: "open", Version: "test"}
}

func (p *fakeProvider) Reload(context.Context) error {
	p.reloads.Add(1)
	return p.reloadErr
}

func (p *fakeProvider) Logout(context.Context) error {
	p.logouts.Add(1)
	return nil
}

func startServer(t *testing.T, p StateProvider, bus *eventbus.Bus) string {
	t.Helper()
	// Unix socket paths are length-limited; keep it short.
	dir, err := os.MkdirTemp("", "tipc")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	path := filepath.Join(dir, "s.sock")

	srv := NewServer(path, p, bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return path
}

func dial(t *testing.T, path string) *Client {
	t.Helper()
	c, err := Dial(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestStatusReloadLogout(t *testing.T) {
	p := &fakeProvider{}
	c := dial(t, startServer(t, p, eventbus.New()))

	st, err := c.Status()
	if err != nil {
		t.Fatal(err)
	}
	if st.Session != "valid" || !st.LoggedIn || st.Channel != "open" {
		t.Errorf("status = %+v", st)
	}

	if _, err := c.Reload(); err != nil {
		t.Fatal(err)
	}
	if err := c.Logout(); err != nil {
		t.Fatal(err)
	}
	if p.reloads.Load() != 1 || p.logouts.Load() != 1 {
		t.Errorf("reloads=%d logouts=%d", p.reloads.Load(), p.logouts.Load())
	}
}

func TestErrorResponses(t *testing.T) {
	p := &fakeProvider{reloadErr: errors.New("store unavailable")}
	c := dial(t, startServer(t, p, eventbus.New()))

	if _, err := c.Reload(); err == nil || err.Error() != "reload: store unavailable" {
		t.Fatalf("got %v", err)
	}
	if err := c.Call("bogus", nil, nil); err == nil {
		t.Fatal("expected unknown method error")
	}
}

func TestSubscribe(t *testing.T) {
	bus := eventbus.New(eventbus.WithCooldown(0))
	c := dial(t, startServer(t, &fakeProvider{}, bus))

	if err := c.Subscribe(eventbus.TopicSessionChanged.Name()); err != nil {
		t.Fatal(err)
	}
	eventbus.Publish(context.Background(), bus, eventbus.TopicChannelState, eventbus.ChannelStateChange{State: "open"})
	eventbus.Publish(context.Background(), bus, eventbus.TopicSessionChanged, eventbus.SessionChange{State: eventbus.SessionValid})

	select {
	case evt := <-c.Events():
		if evt.Type != "session.changed" {
			t.Fatalf("got %q, want only subscribed topics", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}

	// The connection still serves requests while streaming.
	if _, err := c.Status(); err != nil {
		t.Fatalf("status while subscribed: %v", err)
	}
}

func TestSubscriptionEndsWithConnection(t *testing.T) {
	bus := eventbus.New()
	path := startServer(t, &fakeProvider{}, bus)

	c, err := Dial(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Subscribe(); err != nil {
		t.Fatal(err)
	}
	if n := bus.StreamCount(); n != 1 {
		t.Fatalf("streams = %d, want 1", n)
	}

	// Nothing is published; the stream must go away with the client alone.
	_ = c.Close()
	deadline := time.Now().Add(2 * time.Second)
	for bus.StreamCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stream still open after client disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
