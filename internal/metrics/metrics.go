// Package metrics exposes Prometheus collectors for the session, channel and
// event bus, and serves them alongside health checks.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tether"

var channelStates = []string{"disconnected", "connecting", "open", "closing"}

// Metrics implements the recorder interfaces of the event bus, the refresh
// coordinator and the channel manager.
type Metrics struct {
	registry *prometheus.Registry

	refreshTotal   *prometheus.CounterVec
	verifyTotal    *prometheus.CounterVec
	eventsTotal    *prometheus.CounterVec
	suppressed     *prometheus.CounterVec
	handlerErrors  *prometheus.CounterVec
	channelState   *prometheus.GaugeVec
	reconnects     prometheus.Counter
	connectionLost prometheus.Counter
	messages       *prometheus.CounterVec
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: r,
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "token_refresh_total",
			Help: "Refresh attempts by outcome.",
		}, []string{"result"}),
		verifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "token_verify_total",
			Help: "Verify checks by outcome.",
		}, []string{"result"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_published_total",
		}, []string{"topic"}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_suppressed_total",
			Help: "Events dropped by the duplicate cooldown.",
		}, []string{"topic"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "event_handler_errors_total",
		}, []string{"topic"}),
		channelState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "channel_state",
			Help: "1 for the current channel state, 0 otherwise.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "channel_reconnects_total",
		}),
		connectionLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "channel_lost_total",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "channel_messages_total",
		}, []string{"type"}),
	}
	r.MustRegister(m.refreshTotal, m.verifyTotal, m.eventsTotal, m.suppressed, m.handlerErrors,
		m.channelState, m.reconnects, m.connectionLost, m.messages)
	m.ChannelState("disconnected")
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RefreshResult(result string) { m.refreshTotal.WithLabelValues(result).Inc() }
func (m *Metrics) VerifyResult(result string)  { m.verifyTotal.WithLabelValues(result).Inc() }

func (m *Metrics) EventPublished(topic string)  { m.eventsTotal.WithLabelValues(topic).Inc() }
func (m *Metrics) EventSuppressed(topic string) { m.suppressed.WithLabelValues(topic).Inc() }
func (m *Metrics) HandlerFailed(topic string)   { m.handlerErrors.WithLabelValues(topic).Inc() }

func (m *Metrics) ChannelState(state string) {
	for _, s := range channelStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.channelState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) Reconnect()                     { m.reconnects.Inc() }
func (m *Metrics) ConnectionLost()                { m.connectionLost.Inc() }
func (m *Metrics) MessageReceived(msgType string) { m.messages.WithLabelValues(msgType).Inc() }
