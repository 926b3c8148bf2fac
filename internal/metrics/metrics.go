// Package metrics provides Prometheus instrumentation for tabchat. It exposes
// counters for bus and message throughput, snapshot write outcomes, and
// gauges for snapshot size and UI bridge connections.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BusEvents counts bus frames, labeled by direction ("published",
	// "delivered", "dropped") and transport name.
	BusEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tabchat_bus_events_total",
		Help: "Total number of bus events by direction and transport",
	}, []string{"direction", "transport"})

	// MessagesTotal counts store mutations, labeled by type: "sent",
	// "received", "seen" or "reaction".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tabchat_messages_total",
		Help: "Total number of chat store mutations",
	}, []string{"type"})

	// SeenAnnouncements counts seen events published by this context.
	SeenAnnouncements = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tabchat_seen_announcements_total",
		Help: "Total number of seen notifications announced to peers",
	})

	// SnapshotWrites counts snapshot persists, labeled by result ("ok",
	// "error").
	SnapshotWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tabchat_snapshot_writes_total",
		Help: "Total number of snapshot writes",
	}, []string{"result"})

	// SnapshotBytes is the size of the most recently written snapshot.
	SnapshotBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tabchat_snapshot_bytes",
		Help: "Size in bytes of the last persisted snapshot",
	})

	// UIConnections tracks the current number of UI bridge connections.
	UIConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tabchat_ui_connections",
		Help: "Current number of UI bridge WebSocket connections",
	})
)

func init() {
	prometheus.MustRegister(
		BusEvents,
		MessagesTotal,
		SeenAnnouncements,
		SnapshotWrites,
		SnapshotBytes,
		UIConnections,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
