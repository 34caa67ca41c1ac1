// Package metrics provides Prometheus instrumentation for the realtime
// broadcast service. It exposes gauges for connection and subscription
// counts, counters for fan-out throughput and loss, and a histogram for
// dispatch latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of live realtime sessions.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections_total",
		Help: "Current number of live realtime sessions",
	})

	// SubscriptionsTotal tracks the current number of channel subscriptions.
	SubscriptionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_subscriptions_total",
		Help: "Current number of channel subscriptions across all sessions",
	})

	// EventsPublished counts events handed to the dispatcher, by event name.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_published_total",
		Help: "Total number of events published",
	}, []string{"event"})

	// Deliveries counts per-session fan-out outcomes.
	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_deliveries_total",
		Help: "Per-session fan-out outcomes",
	}, []string{"outcome"}) // outcome = "queued", "suppressed", "stale"

	// QueueDrops counts events evicted from full session queues.
	QueueDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_queue_drops_total",
		Help: "Events dropped from full session queues (oldest evicted)",
	})

	// AuthDecisions counts channel authorization outcomes.
	AuthDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_auth_decisions_total",
		Help: "Channel subscription authorization decisions",
	}, []string{"result"}) // result = "allowed" or a denial reason

	// SessionsClosed counts session closes by reason.
	SessionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_sessions_closed_total",
		Help: "Sessions closed, by reason",
	}, []string{"reason"})

	// Handshakes counts WebSocket handshake attempts by outcome.
	Handshakes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_handshakes_total",
		Help: "WebSocket handshake attempts",
	}, []string{"result"}) // result = "accepted", "unauthorized", "banned", "rate_limited", "full", "failed"

	// InboundFrames counts client frames by message type.
	InboundFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_inbound_frames_total",
		Help: "Client frames received, by type",
	}, []string{"type"})

	// FramesWritten counts event frames written to clients.
	FramesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_frames_written_total",
		Help: "Event frames written to client connections",
	})

	// DispatchLatency records how long a single fan-out takes.
	DispatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "realtime_dispatch_latency_seconds",
		Help:    "Time spent fanning one event out to its subscribers",
		Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .05},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		SubscriptionsTotal,
		EventsPublished,
		Deliveries,
		QueueDrops,
		AuthDecisions,
		SessionsClosed,
		Handshakes,
		InboundFrames,
		FramesWritten,
		DispatchLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
