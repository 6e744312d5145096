// Package metrics provides Prometheus instrumentation for the chat
// server: connection gauges, event counters, and latency histograms.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of live WebSocket
	// connections, authenticated or anonymous.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts processed chat messages, labeled by outcome:
	// "posted", "rejected", or "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"})

	// DialogsCreated counts successfully created dialogs.
	DialogsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_dialogs_created_total",
		Help: "Total number of dialogs created",
	})

	// NotificationsTotal counts outbound notifications by delivery mode:
	// "broadcast" or "targeted".
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_notifications_total",
		Help: "Total number of outbound notifications dispatched",
	}, []string{"mode"})

	// EventLatency records inbound socket event handling latency.
	EventLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_event_latency_seconds",
		Help:    "Socket event processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		DialogsCreated,
		NotificationsTotal,
		EventLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
