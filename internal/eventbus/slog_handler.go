package eventbus

import (
	"context"
	"log/slog"
)

// SlogHandler tees records into the bus as LogEntry payloads on
// TopicLogEntry, then hands them to the wrapped handler.
type SlogHandler struct {
	next   slog.Handler
	bus    *Bus
	prefix string
	attrs  []slog.Attr
}

// NewSlogHandler returns a handler that writes to next and also publishes to bus.
func NewSlogHandler(next slog.Handler, bus *Bus) *SlogHandler {
	return &SlogHandler{next: next, bus: bus}
}

func (h *SlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SlogHandler) Handle(ctx context.Context, r slog.Record) error {
	Publish(ctx, h.bus, TopicLogEntry, h.entry(r))
	return h.next.Handle(ctx, r)
}

func (h *SlogHandler) entry(r slog.Record) LogEntry {
	e := LogEntry{Time: r.Time, Level: r.Level.String(), Message: r.Message}
	for _, a := range h.attrs {
		flatten(&e, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		flatten(&e, h.prefix, a)
		return true
	})
	return e
}

// flatten writes a into e, joining group names with dots. The top-level
// "component" attribute is lifted into its own field.
func flatten(e *LogEntry, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := prefix + a.Key
	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			key += "."
		}
		for _, g := range a.Value.Group() {
			flatten(e, key, g)
		}
		return
	}
	if key == "component" {
		e.Component = a.Value.String()
		return
	}
	if e.Attrs == nil {
		e.Attrs = make(map[string]string)
	}
	e.Attrs[key] = a.Value.String()
}

func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.next = h.next.WithAttrs(attrs)
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *SlogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.next = h.next.WithGroup(name)
	next.prefix = h.prefix + name + "."
	return &next
}
