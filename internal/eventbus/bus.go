// Package eventbus is the client's named-topic pub/sub registry. UI
// components subscribe to session and channel events; the session and
// channel managers publish them.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// DefaultCooldown suppresses identical (topic, payload) publishes that
// arrive within this window of each other.
const DefaultCooldown = 500 * time.Millisecond

// Handler receives a topic's payload. A returned error or a panic is logged
// and never stops delivery to the remaining handlers.
type Handler[T any] func(ctx context.Context, payload T) error

// Subscription identifies a registered handler. It is comparable and safe to
// keep after the handler has been removed.
type Subscription struct {
	Topic string
	ID    string
}

// Event is the serialized form of a publish, delivered to stream subscribers
// (IPC clients, the watch TUI).
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Recorder observes dispatcher activity. The metrics package implements it.
type Recorder interface {
	EventPublished(topic string)
	EventSuppressed(topic string)
	HandlerFailed(topic string)
}

type entry struct {
	id string
	fn func(context.Context, any) error
}

// Bus maintains topic -> ordered handler lists plus channel-based streams.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]entry
	streams  map[chan Event]map[string]bool // channel -> subscribed topics (nil = all)

	cooldown time.Duration
	cmu      sync.Mutex
	recent   map[uint64]time.Time

	now      func() time.Time
	logger   *slog.Logger
	recorder Recorder
}

// Option configures a Bus.
type Option func(*Bus)

// WithCooldown sets the duplicate-suppression window. Zero disables it.
func WithCooldown(d time.Duration) Option {
	return func(b *Bus) { b.cooldown = d }
}

// WithLogger sets the logger used for handler failures. It must not write
// back into this bus.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l.With("component", "eventbus") }
}

// WithClock overrides the clock used by the cooldown filter.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(b *Bus) { b.recorder = r }
}

// New creates a new event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[string][]entry),
		streams:  make(map[chan Event]map[string]bool),
		cooldown: DefaultCooldown,
		recent:   make(map[uint64]time.Time),
		now:      time.Now,
		logger:   slog.Default().With("component", "eventbus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h for topic t and returns its Subscription.
//
// id names the subscriber. Subscribing again with the same (topic, id)
// replaces the earlier handler in place, so it keeps its position and is
// invoked once per publish. An empty id registers an anonymous subscriber
// that is never de-duplicated.
func Subscribe[T any](b *Bus, t Topic[T], id string, h Handler[T]) Subscription {
	if id == "" {
		id = uuid.NewString()
	}
	fn := func(ctx context.Context, v any) error {
		p, ok := v.(T)
		if !ok {
			return fmt.Errorf("payload type %T does not match topic %q", v, t.name)
		}
		return h(ctx, p)
	}
	b.add(t.name, entry{id: id, fn: fn})
	return Subscription{Topic: t.name, ID: id}
}

func (b *Bus) add(topic string, e entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.handlers[topic]
	for i := range list {
		if list[i].id == e.id {
			// Copy-on-write: publishers may hold the old slice.
			next := slices.Clone(list)
			next[i] = e
			b.handlers[topic] = next
			return
		}
	}
	next := make([]entry, len(list), len(list)+1)
	copy(next, list)
	b.handlers[topic] = append(next, e)
}

// Unsubscribe removes a handler. Removing an unknown or already removed
// subscription is a no-op.
func (b *Bus) Unsubscribe(s Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.handlers[s.Topic]
	idx := slices.IndexFunc(list, func(e entry) bool { return e.id == s.ID })
	if idx < 0 {
		return
	}
	next := slices.Delete(slices.Clone(list), idx, idx+1)
	if len(next) == 0 {
		delete(b.handlers, s.Topic)
		return
	}
	b.handlers[s.Topic] = next
}

// Count returns the number of handlers registered for topic.
func (b *Bus) Count(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}

// Publish delivers payload to every handler of t in registration order. It
// reports false when the publish was suppressed by the cooldown filter.
// Publishes on control topics are never suppressed.
func Publish[T any](ctx context.Context, b *Bus, t Topic[T], payload T) bool {
	return b.publish(ctx, t.name, !t.control, payload)
}

func (b *Bus) publish(ctx context.Context, topic string, filtered bool, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(fmt.Sprintf("%#v", payload))
	}

	if filtered && b.suppressed(topic, data) {
		if b.recorder != nil {
			b.recorder.EventSuppressed(topic)
		}
		b.logger.Debug("event suppressed by cooldown", "topic", topic)
		return false
	}
	if b.recorder != nil {
		b.recorder.EventPublished(topic)
	}

	b.mu.RLock()
	list := b.handlers[topic]
	b.mu.RUnlock()

	for _, e := range list {
		if err := b.invoke(ctx, topic, e, payload); err != nil {
			if b.recorder != nil {
				b.recorder.HandlerFailed(topic)
			}
			b.logger.Warn("event handler failed", "topic", topic, "subscriber", e.id, "error", err)
		}
	}

	b.fanOut(Event{Type: topic, Timestamp: b.now(), Data: json.RawMessage(data)})
	return true
}

func (b *Bus) invoke(ctx context.Context, topic string, e entry, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler for %q: %v", topic, r)
		}
	}()
	return e.fn(ctx, payload)
}

// suppressed applies the per-(topic, payload fingerprint) cooldown.
func (b *Bus) suppressed(topic string, data []byte) bool {
	if b.cooldown <= 0 {
		return false
	}
	d := xxhash.New()
	_, _ = d.WriteString(topic)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(data)
	fp := d.Sum64()

	now := b.now()
	b.cmu.Lock()
	defer b.cmu.Unlock()

	if last, ok := b.recent[fp]; ok && now.Sub(last) < b.cooldown {
		return true
	}
	b.recent[fp] = now

	if len(b.recent) > 1024 {
		for k, t := range b.recent {
			if now.Sub(t) >= b.cooldown {
				delete(b.recent, k)
			}
		}
	}
	return false
}

// Stream returns a channel that receives serialized events for the given
// topics. If no topics are given, all events are received. The channel is
// buffered (64); events are dropped for slow readers.
func (b *Bus) Stream(topics ...string) chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(topics) == 0 {
		b.streams[ch] = nil
	} else {
		filter := make(map[string]bool, len(topics))
		for _, t := range topics {
			filter[t] = true
		}
		b.streams[ch] = filter
	}
	return ch
}

// Unstream removes a stream and closes its channel.
func (b *Bus) Unstream(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[ch]; ok {
		delete(b.streams, ch)
		close(ch)
	}
}

// StreamCount returns the number of open streams.
func (b *Bus) StreamCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.streams)
}

func (b *Bus) fanOut(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.streams {
		if filter != nil && !filter[e.Type] {
			continue
		}
		select {
		case ch <- e:
		default:
			// slow reader, drop
		}
	}
}

// Close removes all handlers and closes every stream.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.streams {
		close(ch)
		delete(b.streams, ch)
	}
	b.handlers = make(map[string][]entry)
}
