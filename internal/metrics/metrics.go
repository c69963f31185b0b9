// Package metrics defines custom Prometheus metrics for the storage core.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size and extent
// write histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration) for the ambient ops surface
// (/health, /metrics, /admin/gc, /admin/extents/{id}). The path label is the
// raw request path, so /admin/extents/{id} adds one label value per extent
// id requested; the other routes are fixed.
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleepstore_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bleepstore_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Extent store metrics.
var (
	// ExtentAppendsTotal counts successful extent appends.
	ExtentAppendsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bleepstore_extent_appends_total",
			Help: "Total successful extent append operations",
		},
	)

	// ExtentAppendBytes observes the size of each appended chunk.
	ExtentAppendBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bleepstore_extent_append_bytes",
			Help:    "Size in bytes of each extent append",
			Buckets: sizeBuckets,
		},
	)

	// ExtentReadsTotal counts extent read operations.
	ExtentReadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bleepstore_extent_reads_total",
			Help: "Total extent read operations",
		},
	)

	// ExtentCatalogSize is a gauge tracking the current number of catalog
	// entries, sampled periodically by the owning store.
	ExtentCatalogSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bleepstore_extent_catalog_size",
			Help: "Current number of entries in the extent catalog",
		},
	)
)

// Garbage collector metrics.
var (
	// GCSweepsTotal counts completed GC sweeps.
	GCSweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bleepstore_gc_sweeps_total",
			Help: "Total completed garbage collection sweeps",
		},
	)

	// GCExtentsScannedTotal counts extents visited by GC across all sweeps.
	GCExtentsScannedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bleepstore_gc_extents_scanned_total",
			Help: "Total extents scanned by garbage collection sweeps",
		},
	)

	// GCExtentsDeletedTotal counts extents reclaimed by GC.
	GCExtentsDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bleepstore_gc_extents_deleted_total",
			Help: "Total extents deleted by garbage collection sweeps",
		},
	)

	// GCBytesReclaimedTotal sums the size of all extents GC has deleted.
	GCBytesReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bleepstore_gc_bytes_reclaimed_total",
			Help: "Total bytes reclaimed by garbage collection sweeps",
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			ExtentAppendsTotal,
			ExtentAppendBytes,
			ExtentReadsTotal,
			ExtentCatalogSize,
			GCSweepsTotal,
			GCExtentsScannedTotal,
			GCExtentsDeletedTotal,
			GCBytesReclaimedTotal,
		)
	})
}
