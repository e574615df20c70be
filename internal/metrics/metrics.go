// Package metrics holds the prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors for one server instance.
type Metrics struct {
	Registry     *prometheus.Registry
	Sessions     prometheus.Gauge
	Events       *prometheus.CounterVec
	Broadcasts   *prometheus.CounterVec
	AuthFailures prometheus.Counter
	ContentOps   *prometheus.CounterVec
	ChatMessages *prometheus.CounterVec
	RateLimited  prometheus.Counter
}

// New creates and registers the collectors on a fresh registry so that
// several instances (tests) never collide on the default registerer.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scholarhub_sessions",
			Help: "Live authenticated sessions.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scholarhub_events_total",
			Help: "Inbound live-session events by name.",
		}, []string{"event"}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scholarhub_broadcasts_total",
			Help: "Outbound events queued to sessions by name.",
		}, []string{"event"}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scholarhub_auth_failures_total",
			Help: "Rejected connection handshakes.",
		}),
		ContentOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scholarhub_content_ops_total",
			Help: "Content store calls by operation and result.",
		}, []string{"op", "result"}),
		ChatMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scholarhub_chat_messages_total",
			Help: "Chat messages by direction (sent, received).",
		}, []string{"direction"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scholarhub_rate_limited_total",
			Help: "Inbound events dropped by the per-connection limiter.",
		}),
	}
	m.Registry.MustRegister(
		m.Sessions,
		m.Events,
		m.Broadcasts,
		m.AuthFailures,
		m.ContentOps,
		m.ChatMessages,
		m.RateLimited,
		prometheus.NewGoCollector(),
	)
	return m
}

// ContentOp records the outcome of a content store call. Safe on a nil receiver.
func (m *Metrics) ContentOp(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ContentOps.WithLabelValues(op, result).Inc()
}
