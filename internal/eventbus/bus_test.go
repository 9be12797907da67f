package eventbus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/amurg-ai/tether/pkg/protocol"
)

var topicA = NewTopic[string]("a")
var topicB = NewTopic[string]("b")

// fakeClock is advanced manually by tests.
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

func newTestBus(t *testing.T) (*Bus, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	return New(WithClock(clk.Now), WithLogger(logger)), clk
}

func TestPublish_RegistrationOrder(t *testing.T) {
	b, _ := newTestBus(t)
	var got []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		Subscribe(b, topicA, name, func(_ context.Context, p string) error {
			got = append(got, name+":"+p)
			return nil
		})
	}

	if !Publish(context.Background(), b, topicA, "x") {
		t.Fatal("publish suppressed")
	}
	want := []string{"first:x", "second:x", "third:x"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// Two components subscribing with the same subscriber id share one slot:
// the handler runs once per publish.
func TestSubscribe_SameIDDeduplicated(t *testing.T) {
	b, _ := newTestBus(t)
	calls := 0
	h := func(context.Context, protocol.Envelope) error { calls++; return nil }

	s1 := Subscribe(b, TopicBalanceChanged, "wallet-badge", h)
	s2 := Subscribe(b, TopicBalanceChanged, "wallet-badge", h)
	if s1 != s2 {
		t.Errorf("subscriptions differ: %v vs %v", s1, s2)
	}
	if n := b.Count(TopicBalanceChanged.Name()); n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}

	Publish(context.Background(), b, TopicBalanceChanged, protocol.Envelope{Type: protocol.TypeBalanceChanged})
	if calls != 1 {
		t.Errorf("handler invoked %d times, want 1", calls)
	}
}

// Anonymous subscriptions are distinct even for the same handler.
func TestSubscribe_AnonymousNotDeduplicated(t *testing.T) {
	b, _ := newTestBus(t)
	calls := 0
	h := func(context.Context, string) error { calls++; return nil }
	Subscribe(b, topicA, "", h)
	Subscribe(b, topicA, "", h)

	Publish(context.Background(), b, topicA, "x")
	if calls != 2 {
		t.Errorf("handler invoked %d times, want 2", calls)
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	b, _ := newTestBus(t)
	calls := 0
	sub := Subscribe(b, topicA, "", func(context.Context, string) error { calls++; return nil })

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(Subscription{Topic: "nope", ID: "nope"})

	Publish(context.Background(), b, topicA, "x")
	if calls != 0 {
		t.Errorf("unsubscribed handler invoked %d times", calls)
	}
}

func TestPublish_HandlerIsolation(t *testing.T) {
	b, clk := newTestBus(t)
	var mu sync.Mutex
	ran := map[string]int{}
	mark := func(name string) {
		mu.Lock()
		ran[name]++
		mu.Unlock()
	}

	failing := true
	Subscribe(b, topicA, "err", func(context.Context, string) error {
		mark("err")
		if failing {
			return errors.New("boom")
		}
		return nil
	})
	Subscribe(b, topicA, "panic", func(context.Context, string) error {
		mark("panic")
		if failing {
			panic("kaboom")
		}
		return nil
	})
	Subscribe(b, topicA, "ok", func(context.Context, string) error { mark("ok"); return nil })
	Subscribe(b, topicB, "other", func(context.Context, string) error { mark("other"); return nil })

	Publish(context.Background(), b, topicA, "1")
	Publish(context.Background(), b, topicB, "1")

	for _, name := range []string{"err", "panic", "ok", "other"} {
		if ran[name] != 1 {
			t.Errorf("%s ran %d times after first publish, want 1", name, ran[name])
		}
	}

	// The failing handlers are not permanently broken.
	failing = false
	clk.Advance(time.Second)
	Publish(context.Background(), b, topicA, "1")
	for _, name := range []string{"err", "panic", "ok"} {
		if ran[name] != 2 {
			t.Errorf("%s ran %d times after second publish, want 2", name, ran[name])
		}
	}
	if b.Count(topicA.Name()) != 3 {
		t.Errorf("registry corrupted: Count = %d", b.Count(topicA.Name()))
	}
}

func TestPublish_Cooldown(t *testing.T) {
	b, clk := newTestBus(t)
	calls := 0
	Subscribe(b, topicA, "", func(context.Context, string) error { calls++; return nil })
	ctx := context.Background()

	if !Publish(ctx, b, topicA, "same") {
		t.Fatal("first publish suppressed")
	}
	clk.Advance(100 * time.Millisecond)
	if Publish(ctx, b, topicA, "same") {
		t.Error("duplicate within cooldown delivered")
	}
	// A different payload is a different fingerprint.
	if !Publish(ctx, b, topicA, "different") {
		t.Error("distinct payload suppressed")
	}
	// Same payload on another topic is independent.
	if !Publish(ctx, b, topicB, "same") {
		t.Error("same payload on other topic suppressed")
	}

	clk.Advance(DefaultCooldown)
	if !Publish(ctx, b, topicA, "same") {
		t.Error("publish after cooldown suppressed")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestPublish_CooldownDisabled(t *testing.T) {
	b := New(WithCooldown(0))
	calls := 0
	Subscribe(b, topicA, "", func(context.Context, string) error { calls++; return nil })
	for i := 0; i < 3; i++ {
		Publish(context.Background(), b, topicA, "x")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestPublish_ControlTopicsBypassCooldown(t *testing.T) {
	b, _ := newTestBus(t)
	var states []SessionState
	Subscribe(b, TopicSessionChanged, "", func(_ context.Context, c SessionChange) error {
		states = append(states, c.State)
		return nil
	})
	ctx := context.Background()

	// no_session -> valid -> no_session inside one cooldown window.
	for _, st := range []SessionState{SessionNone, SessionValid, SessionNone} {
		if !Publish(ctx, b, TopicSessionChanged, SessionChange{State: st}) {
			t.Fatalf("publish of %s suppressed", st)
		}
	}
	if len(states) != 3 || states[2] != SessionNone {
		t.Errorf("states = %v", states)
	}

	lost := ConnectionLost{Attempts: 3, CloseCode: 1006}
	if !Publish(ctx, b, TopicConnectionLost, lost) || !Publish(ctx, b, TopicConnectionLost, lost) {
		t.Error("repeated channel.lost suppressed")
	}
	if !Publish(ctx, b, TopicBalanceChanged, protocol.Envelope{Type: protocol.TypeBalanceChanged}) {
		t.Fatal("first application event suppressed")
	}
	if Publish(ctx, b, TopicBalanceChanged, protocol.Envelope{Type: protocol.TypeBalanceChanged}) {
		t.Error("duplicate application event delivered")
	}
}

func TestSubscribe_FromWithinHandler(t *testing.T) {
	b, clk := newTestBus(t)
	ctx := context.Background()
	lateCalls := 0
	var self Subscription
	self = Subscribe(b, topicA, "once", func(context.Context, string) error {
		b.Unsubscribe(self)
		Subscribe(b, topicA, "late", func(context.Context, string) error { lateCalls++; return nil })
		return nil
	})

	Publish(ctx, b, topicA, "1")
	if lateCalls != 0 {
		t.Errorf("handler added during publish ran in the same publish")
	}
	clk.Advance(time.Second)
	Publish(ctx, b, topicA, "1")
	if lateCalls != 1 {
		t.Errorf("lateCalls = %d, want 1", lateCalls)
	}
	if b.Count(topicA.Name()) != 1 {
		t.Errorf("Count = %d, want 1", b.Count(topicA.Name()))
	}
}

func TestStream(t *testing.T) {
	b, _ := newTestBus(t)
	ch := b.Stream(TopicConnectionLost.Name())
	defer b.Unstream(ch)

	Publish(context.Background(), b, topicA, "ignored")
	Publish(context.Background(), b, TopicConnectionLost, ConnectionLost{Attempts: 2, CloseCode: 1006})

	select {
	case e := <-ch:
		if e.Type != TopicConnectionLost.Name() {
			t.Fatalf("Type = %q", e.Type)
		}
		var lost ConnectionLost
		if err := json.Unmarshal(e.Data, &lost); err != nil {
			t.Fatal(err)
		}
		if lost.Attempts != 2 || lost.CloseCode != 1006 {
			t.Errorf("payload = %+v", lost)
		}
	case <-time.After(time.Second):
		t.Fatal("no event on stream")
	}
}

func TestUnstream_ClosesChannel(t *testing.T) {
	b, _ := newTestBus(t)
	ch := b.Stream()
	b.Unstream(ch)
	b.Unstream(ch)
	if _, ok := <-ch; ok {
		t.Error("expected closed channel")
	}
}

func TestSlogHandler_PublishesLogEntries(t *testing.T) {
	b, _ := newTestBus(t)
	var got []LogEntry
	Subscribe(b, TopicLogEntry, "", func(_ context.Context, e LogEntry) error {
		got = append(got, e)
		return nil
	})

	logger := slog.New(NewSlogHandler(slog.NewTextHandler(&bytes.Buffer{}, nil), b)).
		With("component", "test")
	logger.Info("hello", "n", 1, "error", errors.New("boom"))
	logger.WithGroup("req").With("id", "r-1").Warn("slow", slog.Group("t", "ms", 40))

	if len(got) != 2 {
		t.Fatalf("published %d entries, want 2", len(got))
	}
	first := got[0]
	if first.Message != "hello" || first.Component != "test" || first.Level != "INFO" {
		t.Errorf("entry = %+v", first)
	}
	if first.Attrs["n"] != "1" || first.Attrs["error"] != "boom" {
		t.Errorf("attrs = %v", first.Attrs)
	}
	if got[1].Attrs["req.id"] != "r-1" || got[1].Attrs["req.t.ms"] != "40" {
		t.Errorf("grouped attrs = %v", got[1].Attrs)
	}
}
