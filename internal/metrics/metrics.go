package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service.
	Registry = prometheus.NewRegistry()

	// HTTPRequests counts requests by method, path, and status.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds.
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// EventsPublished counts broker fan-out events by topic kind and type.
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broker_events_published_total", Help: "Events published by topic kind and event type."},
		[]string{"topic_kind", "event_type"},
	)
	// SubscribersDropped counts subscribers dropped for exceeding the send timeout.
	SubscribersDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "broker_subscribers_dropped_total", Help: "Subscribers dropped for exceeding the publish timeout."},
	)
	// WSConnections tracks currently open websocket connections.
	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "ws_connections", Help: "Open websocket connections."},
	)

	// NotificationIntents counts outward notification intents by kind and audience.
	NotificationIntents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notification_intents_total", Help: "Notification intents emitted by kind and audience."},
		[]string{"kind", "audience"},
	)
	// NotificationsSuppressed counts events suppressed by the flag store latch.
	NotificationsSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notifications_suppressed_total", Help: "Events suppressed by the once-only flag store."},
		[]string{"kind"},
	)
	// PushDeliveries counts outward intent POSTs by status.
	PushDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "push_deliveries_total", Help: "Outward notification deliveries by status."},
		[]string{"status"},
	)

	// OracleRequests counts routing/geocoding oracle calls by kind and outcome.
	OracleRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "oracle_requests_total", Help: "External oracle requests by kind and status."},
		[]string{"kind", "status"},
	)

	// Reconnects counts resilience-layer reconnect attempts by outcome.
	Reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "channel_reconnects_total", Help: "Channel reconnect attempts by outcome."},
		[]string{"outcome"},
	)
	// SnapshotPolls counts snapshot polls taken while degraded.
	SnapshotPolls = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "snapshot_polls_total", Help: "Snapshot polls taken in degraded mode."},
	)
)

// RegisterDefault registers all collectors on the dedicated registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(EventsPublished)
		Registry.MustRegister(SubscribersDropped)
		Registry.MustRegister(WSConnections)
		Registry.MustRegister(NotificationIntents)
		Registry.MustRegister(NotificationsSuppressed)
		Registry.MustRegister(PushDeliveries)
		Registry.MustRegister(OracleRequests)
		Registry.MustRegister(Reconnects)
		Registry.MustRegister(SnapshotPolls)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
