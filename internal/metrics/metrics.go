// Package metrics provides Prometheus instrumentation for the whisper WS
// host: connection and message counters, plus gauges/histograms over the
// readiness core itself (open Link count, tick duration), since the core
// package stays free of any concrete metrics dependency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts the total number of messages processed, labeled by
	// type: "sent", "received", or "blocked".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_messages_total",
		Help: "Total number of messages processed",
	}, []string{"type"}) // type = "sent", "received", "blocked"

	// MessageLatency records message processing latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "whisper_message_latency_seconds",
		Help:    "Message processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// ActiveChats tracks the current number of active two-party chats.
	ActiveChats = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_active_chats",
		Help: "Current number of active chat sessions",
	})

	// ReadyLinksTotal tracks ready.Manager.Count() — the number of Links
	// currently registered with the readiness core.
	ReadyLinksTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_ready_links_total",
		Help: "Current number of Links registered with the readiness manager",
	})

	// ReadyTickDuration records wall-clock time spent in one Manager.Tick
	// call: interest refresh, backend wait, dispatch, and sweep when due.
	ReadyTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "whisper_ready_tick_duration_seconds",
		Help:    "Duration of one readiness manager Tick call",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
	})

	// ReadySweepEvictions counts Links the periodic liveness sweep tears
	// down for a heartbeat timeout or a failed ping, as opposed to a
	// read/write/error path. A Check that returns false because the
	// connection is flagged closing is not counted.
	ReadySweepEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "whisper_ready_sweep_evictions_total",
		Help: "Total Links evicted by the readiness manager's periodic liveness sweep",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		MessageLatency,
		ActiveChats,
		ReadyLinksTotal,
		ReadyTickDuration,
		ReadySweepEvictions,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
