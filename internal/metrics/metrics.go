// Package metrics exposes the Prometheus instrumentation shared across the
// services and workers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the bundle handed to every component. One instance per process.
type Metrics struct {
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	RateLimited      *prometheus.CounterVec
	LoginAttempts    *prometheus.CounterVec
	IngestRecords    prometheus.Counter
	IngestDuplicates prometheus.Counter
	IngestFailures   prometheus.Counter
	AnomaliesFound   *prometheus.CounterVec
	AlertsDispatched *prometheus.CounterVec
	OutboxDispatched prometheus.Counter
	OutboxLag        prometheus.Gauge
	QueueDepth       *prometheus.GaugeVec
	JobsProcessed    *prometheus.CounterVec
	RetentionDeleted *prometheus.CounterVec
}

// New registers the full metric set on the given registerer. Tests pass a
// fresh prometheus.NewRegistry to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "costwatchdog_http_requests_total",
			Help: "HTTP requests by method, route and status class.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "costwatchdog_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "costwatchdog_rate_limited_total",
			Help: "Requests rejected by the rate limiter, by preset.",
		}, []string{"preset"}),
		LoginAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "costwatchdog_login_attempts_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"}),
		IngestRecords: factory.NewCounter(prometheus.CounterOpts{
			Name: "costwatchdog_ingest_records_total",
			Help: "Cost records persisted by the ingestion pipeline.",
		}),
		IngestDuplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "costwatchdog_ingest_duplicates_total",
			Help: "Uploads deduplicated by content hash.",
		}),
		IngestFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "costwatchdog_ingest_failures_total",
			Help: "Uploads whose extraction or persistence failed.",
		}),
		AnomaliesFound: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "costwatchdog_anomalies_total",
			Help: "Anomalies produced by the detection engine.",
		}, []string{"check", "severity"}),
		AlertsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "costwatchdog_alerts_dispatched_total",
			Help: "Alert deliveries by channel and outcome.",
		}, []string{"channel", "outcome"}),
		OutboxDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "costwatchdog_outbox_dispatched_total",
			Help: "Outbox events handed to the queue.",
		}),
		OutboxLag: factory.NewGauge(prometheus.GaugeOpts{
			Name: "costwatchdog_outbox_unprocessed",
			Help: "Unprocessed outbox rows seen at the last poll.",
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "costwatchdog_queue_depth",
			Help: "Ready jobs per queue at the last sample.",
		}, []string{"queue"}),
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "costwatchdog_jobs_processed_total",
			Help: "Queue jobs by queue and outcome.",
		}, []string{"queue", "outcome"}),
		RetentionDeleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "costwatchdog_retention_deleted_total",
			Help: "Rows removed by retention, per task.",
		}, []string{"task"}),
	}
}

// NewDefault registers on the global default registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}
