// Package metrics provides Prometheus instrumentation for the support console.
// It exposes gauges for connectivity and view sizes, counters for push events
// and operator actions, and a histogram for snapshot latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connected is 1 while the push channel is up.
	Connected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "console_connected",
		Help: "Whether the push channel is connected (1) or not (0)",
	})

	// QueueSize tracks the number of sessions waiting in the queue view.
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "console_queue_size",
		Help: "Current number of waiting sessions",
	})

	// ActiveChats tracks the number of sessions assigned to this agent.
	ActiveChats = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "console_active_chats",
		Help: "Current number of active sessions assigned to the agent",
	})

	// EventsTotal counts push events applied, labeled by event type.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "console_events_total",
		Help: "Total number of push events received",
	}, []string{"type"})

	// EventsDropped counts frames and actions discarded, labeled by reason:
	// "malformed", "unknown_type", "unhandled", "disconnected", "outbox_full".
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "console_events_dropped_total",
		Help: "Total number of push frames or outbound actions dropped",
	}, []string{"reason"})

	// ActionsTotal counts operator actions, labeled by action and result
	// ("ok", "rejected", "rate_limited").
	ActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "console_actions_total",
		Help: "Total number of operator actions",
	}, []string{"type", "result"})

	// SnapshotDuration records snapshot read latency in seconds.
	SnapshotDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "console_snapshot_duration_seconds",
		Help:    "Snapshot read latency in seconds",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// SnapshotFailures counts failed snapshot reads.
	SnapshotFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "console_snapshot_failures_total",
		Help: "Total number of failed snapshot reads",
	})

	// Reconnects counts push channel reconnect attempts.
	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "console_reconnects_total",
		Help: "Total number of push channel reconnect attempts",
	})
)

func init() {
	prometheus.MustRegister(
		Connected,
		QueueSize,
		ActiveChats,
		EventsTotal,
		EventsDropped,
		ActionsTotal,
		SnapshotDuration,
		SnapshotFailures,
		Reconnects,
	)
}

// SetConnected records the push channel state.
func SetConnected(up bool) {
	if up {
		Connected.Set(1)
		return
	}
	Connected.Set(0)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
