package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "live_tracking"

var (
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "connections_active", Help: "Live realtime connections by role"}, []string{"role"})
	DriversActive     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_active", Help: "Vehicles with a live position"})
	BroadcastDropped  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "broadcast_dropped_total", Help: "Outbound messages dropped because a recipient could not keep up"})
	DriversEvicted    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "drivers_evicted_total", Help: "Positions evicted after exceeding the driver TTL"})
	TripLogErrors     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trip_log_errors_total", Help: "Failed trip event log writes"})

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_total", Help: "Inbound realtime events by outcome"},
		[]string{"event", "outcome"},
	)
	IngestMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ingest_messages_total", Help: "Location messages consumed from Kafka by outcome"},
		[]string{"outcome"},
	)
	MirrorMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "mirror_messages_total", Help: "Live location messages mirrored into Redis by outcome"},
		[]string{"outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Event outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
)
