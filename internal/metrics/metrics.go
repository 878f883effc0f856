// Package metrics provides Prometheus metrics for the orphan sweeper.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the sweeper.
type Metrics struct {
	// Marker scan metrics
	MarkerPrefixesScanned *prometheus.CounterVec
	MarkerPrefixesFailed  *prometheus.CounterVec
	QualifiedProjects     prometheus.Gauge

	// Snapshot metrics
	PartitionsFetched *prometheus.CounterVec
	PartitionsSkipped *prometheus.CounterVec
	PartitionParse    *prometheus.HistogramVec

	// Reconciliation metrics
	OrphanProjects prometheus.Gauge
	OrphanFiles    prometheus.Gauge
	OrphanBytes    prometheus.Gauge

	// Deletion metrics
	DeleteBatches prometheus.Counter
	FilesDeleted  prometheus.Counter
	DeleteErrors  *prometheus.CounterVec
	BatchDuration prometheus.Histogram
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "orphansweep"
	}

	m := &Metrics{
		MarkerPrefixesScanned: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "marker_prefixes_scanned_total",
				Help:      "Total number of marker hour prefixes listed",
			},
			[]string{"class"},
		),
		MarkerPrefixesFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "marker_prefixes_failed_total",
				Help:      "Total number of marker prefix listings that failed",
			},
			[]string{"class"},
		),
		QualifiedProjects: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "qualified_projects",
				Help:      "Projects confirmed by both marker classes in the last scan",
			},
		),
		PartitionsFetched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inventory_partitions_fetched_total",
				Help:      "Total number of inventory partitions materialized",
			},
			[]string{"format"},
		),
		PartitionsSkipped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inventory_partitions_skipped_total",
				Help:      "Total number of inventory partitions skipped after fetch failures",
			},
			[]string{"format"},
		),
		PartitionParse: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "partition_parse_duration_seconds",
				Help:      "Time to parse one inventory partition",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"format", "pass"},
		),
		OrphanProjects: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "orphan_projects",
				Help:      "Orphan projects found by the last reconciliation",
			},
		),
		OrphanFiles: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "orphan_files",
				Help:      "Orphan files found by the last reconciliation",
			},
		),
		OrphanBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "orphan_bytes",
				Help:      "Total size of orphan files found by the last reconciliation",
			},
		),
		DeleteBatches: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delete_batches_total",
				Help:      "Total number of DeleteObjects calls issued",
			},
		),
		FilesDeleted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_deleted_total",
				Help:      "Total number of objects successfully deleted",
			},
		),
		DeleteErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delete_errors_total",
				Help:      "Total number of per-key deletion errors",
			},
			[]string{"code"},
		),
		BatchDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delete_batch_duration_seconds",
				Help:      "Time per DeleteObjects call",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
			},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}
