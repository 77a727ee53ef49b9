// Package metrics provides Prometheus instrumentation for the sync server.
// It exposes gauges for connection and channel counts, counters for event
// throughput, and histograms for fan-out latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tripsync_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ChannelsTotal tracks the number of channels with at least one local
	// subscriber.
	ChannelsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tripsync_channels_total",
		Help: "Current number of channels with local subscribers",
	})

	// EventsTotal counts committed-and-broadcast events, labeled by kind:
	// "message", "reaction", "seen", "typing", "poll_create", "vote",
	// "vote_removed".
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tripsync_events_total",
		Help: "Total number of events committed and broadcast",
	}, []string{"kind"})

	// RejectedTotal counts operations rejected back to their caller, labeled
	// by wire error code.
	RejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tripsync_rejected_total",
		Help: "Total number of operations rejected to the caller",
	}, []string{"code"})

	// FanoutLatency records the time from store commit to bus publish.
	FanoutLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tripsync_fanout_latency_seconds",
		Help:    "Time from store commit to bus publish",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// VotesTotal counts poll votes, labeled by action: "cast", "replaced",
	// "removed".
	VotesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tripsync_votes_total",
		Help: "Total number of poll vote actions",
	}, []string{"action"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ChannelsTotal,
		EventsTotal,
		RejectedTotal,
		FanoutLatency,
		VotesTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
