// Package metrics provides Prometheus instrumentation for the realtime chat
// server. It exposes gauges for connection and presence counts, counters for
// message routing outcomes, and histograms for fan-out latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routing outcomes used as the "outcome" label of MessagesTotal.
const (
	OutcomeDelivered   = "delivered"
	OutcomeDropped     = "dropped"
	OutcomeFailed      = "failed"
	OutcomeRateLimited = "rate_limited"
	OutcomeMalformed   = "malformed"
	OutcomeRejected    = "rejected"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "amigo_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the size of the presence set.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "amigo_online_users",
		Help: "Current number of identified users in the presence registry",
	})

	// MessagesTotal counts inbound frames by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "amigo_messages_total",
		Help: "Total number of send-intents and frames processed, by outcome",
	}, []string{"outcome"})

	// RouteLatency records the time spent routing one send-intent.
	RouteLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "amigo_route_latency_seconds",
		Help:    "Send-intent routing latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// PresenceBroadcasts counts presence_update fan-outs.
	PresenceBroadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "amigo_presence_broadcasts_total",
		Help: "Total number of presence_update broadcasts",
	})

	// BroadcastLatency records how long one presence fan-out took.
	BroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "amigo_presence_broadcast_seconds",
		Help:    "Presence broadcast fan-out duration in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// ArchivedMessages counts messages persisted by the archiver, by result.
	ArchivedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "amigo_archived_messages_total",
		Help: "Messages handled by the archiver, by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		RouteLatency,
		PresenceBroadcasts,
		BroadcastLatency,
		ArchivedMessages,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
