// Package metrics provides Prometheus metrics for the sandfile server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// File operation metrics
	fileOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandfile_file_operations_total",
			Help: "Total file operations by type and status",
		},
		[]string{"operation", "status"},
	)

	fileOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandfile_file_operation_duration_seconds",
			Help:    "File operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	bytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sandfile_bytes_written_total",
			Help: "Total bytes written through the file manager",
		},
	)

	bytesRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sandfile_bytes_read_total",
			Help: "Total bytes read through the file manager",
		},
	)

	// Security metrics
	securityRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandfile_security_rejections_total",
			Help: "Total security-classified rejections",
		},
		[]string{"kind"},
	)

	// Cache metrics
	cacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sandfile_cache_hits_total",
			Help: "Total cache hits",
		},
	)

	cacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sandfile_cache_misses_total",
			Help: "Total cache misses",
		},
	)

	cacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandfile_cache_evictions_total",
			Help: "Total cache evictions by reason",
		},
		[]string{"reason"},
	)

	cacheSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandfile_cache_size_bytes",
			Help: "Current cache memory usage in bytes",
		},
	)

	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandfile_cache_entries",
			Help: "Current number of cache entries",
		},
	)

	// Watcher metrics
	watchersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandfile_watchers_active",
			Help: "Number of live watcher leases",
		},
	)

	watcherQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandfile_watcher_queue_depth",
			Help: "Number of queued watcher admission requests",
		},
	)

	watcherEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandfile_watcher_events_total",
			Help: "Total watcher events delivered by kind",
		},
		[]string{"kind"},
	)

	watcherBatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sandfile_watcher_batches_total",
			Help: "Total debounced event batches delivered",
		},
	)

	watcherEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sandfile_watcher_evictions_total",
			Help: "Total watcher leases evicted under capacity pressure",
		},
	)

	// Event delivery metrics
	eventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sandfile_events_dropped_total",
			Help: "Total event batches dropped for slow subscribers",
		},
	)

	// Lock metrics
	locksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandfile_locks_active",
			Help: "Number of active file locks",
		},
	)

	// Audit metrics
	auditRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandfile_audit_records_total",
			Help: "Total audit records emitted",
		},
		[]string{"operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordFileOperation records a file manager operation.
func RecordFileOperation(operation string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	fileOperationsTotal.WithLabelValues(operation, status).Inc()
	fileOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordBytesWritten records bytes written.
func RecordBytesWritten(n int64) {
	bytesWritten.Add(float64(n))
}

// RecordBytesRead records bytes read.
func RecordBytesRead(n int64) {
	bytesRead.Add(float64(n))
}

// RecordSecurityRejection records a security-classified rejection.
func RecordSecurityRejection(kind string) {
	securityRejectionsTotal.WithLabelValues(kind).Inc()
}

// RecordCacheHit records a cache hit.
func RecordCacheHit() {
	cacheHitsTotal.Inc()
}

// RecordCacheMiss records a cache miss.
func RecordCacheMiss() {
	cacheMissesTotal.Inc()
}

// RecordCacheEviction records a cache eviction.
func RecordCacheEviction(reason string) {
	cacheEvictionsTotal.WithLabelValues(reason).Inc()
}

// SetCacheSize sets the current cache usage.
func SetCacheSize(bytes int64, entries int) {
	cacheSizeBytes.Set(float64(bytes))
	cacheEntries.Set(float64(entries))
}

// SetWatchersActive sets the number of live watcher leases.
func SetWatchersActive(n int) {
	watchersActive.Set(float64(n))
}

// SetWatcherQueueDepth sets the admission queue depth.
func SetWatcherQueueDepth(n int) {
	watcherQueueDepth.Set(float64(n))
}

// RecordWatcherEvent records a delivered watcher event.
func RecordWatcherEvent(kind string) {
	watcherEventsTotal.WithLabelValues(kind).Inc()
}

// RecordWatcherBatch records a delivered event batch.
func RecordWatcherBatch() {
	watcherBatchesTotal.Inc()
}

// RecordWatcherEviction records a lease eviction.
func RecordWatcherEviction() {
	watcherEvictionsTotal.Inc()
}

// RecordEventDropped records a batch dropped for a slow subscriber.
func RecordEventDropped() {
	eventsDroppedTotal.Inc()
}

// SetLocksActive sets the number of active file locks.
func SetLocksActive(n int) {
	locksActive.Set(float64(n))
}

// RecordAuditRecord records an emitted audit record.
func RecordAuditRecord(operation, status string) {
	auditRecordsTotal.WithLabelValues(operation, status).Inc()
}
