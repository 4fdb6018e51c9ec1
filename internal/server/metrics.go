package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes Prometheus instruments for the chat engine. A nil *Metrics
// is valid and records nothing, which keeps rooms and sessions usable in
// isolation.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive    prometheus.Gauge
	messagesBroadcast prometheus.Counter
	deliveriesDropped prometheus.Counter
	protocolErrors    prometheus.Counter
	heartbeatFailures prometheus.Counter
	acceptErrors      prometheus.Counter
}

// NewMetrics registers every instrument on a fresh prometheus registry. The
// active room gauge is read from rooms on every scrape.
func NewMetrics(rooms *Registry) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomchat_sessions_active",
			Help: "Number of WebSocket sessions currently being served.",
		}),
		messagesBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomchat_messages_broadcast_total",
			Help: "Chat messages appended to a room history and fanned out.",
		}),
		deliveriesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomchat_deliveries_dropped_total",
			Help: "Per-member deliveries dropped because the session was closed or its queue full.",
		}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomchat_protocol_errors_total",
			Help: "Sessions terminated because of an invalid room command.",
		}),
		heartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomchat_heartbeat_failures_total",
			Help: "Sessions terminated because a ping went unanswered.",
		}),
		acceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomchat_accept_errors_total",
			Help: "Errors returned by the listening socket while accepting.",
		}),
	}

	m.registry.MustRegister(
		m.sessionsActive,
		m.messagesBroadcast,
		m.deliveriesDropped,
		m.protocolErrors,
		m.heartbeatFailures,
		m.acceptErrors,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "roomchat_rooms_active",
			Help: "Number of rooms currently registered.",
		}, func() float64 {
			if rooms == nil {
				return 0
			}
			return float64(rooms.Len())
		}),
	)
	return m
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry, mainly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.sessionsActive.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.sessionsActive.Dec()
	}
}

func (m *Metrics) messageBroadcast() {
	if m != nil {
		m.messagesBroadcast.Inc()
	}
}

func (m *Metrics) deliveryDropped() {
	if m != nil {
		m.deliveriesDropped.Inc()
	}
}

func (m *Metrics) protocolError() {
	if m != nil {
		m.protocolErrors.Inc()
	}
}

func (m *Metrics) heartbeatFailure() {
	if m != nil {
		m.heartbeatFailures.Inc()
	}
}

func (m *Metrics) acceptError() {
	if m != nil {
		m.acceptErrors.Inc()
	}
}
