// Package metrics provides Prometheus metrics for the master and watchers.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "folderagg_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"server", "method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "folderagg_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server", "method"},
	)

	// Intake metrics
	reportsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "folderagg_reports_received_total",
			Help: "Watcher reports received by the master",
		},
		[]string{"kind", "result"},
	)

	reportItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "folderagg_report_items_total",
			Help: "Items carried by accepted watcher reports",
		},
		[]string{"change"},
	)

	// Store metrics
	sourcesTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "folderagg_sources_tracked",
			Help: "Number of sources held by the aggregator store",
		},
	)

	itemsTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "folderagg_items_tracked",
			Help: "Number of items held by the aggregator store",
		},
	)

	sourcesExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "folderagg_sources_expired_total",
			Help: "Sources removed by the cleanup scheduler",
		},
	)

	cleanupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "folderagg_cleanup_duration_seconds",
			Help:    "Time spent expiring sources",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Event metrics
	eventSubscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "folderagg_event_subscribers_active",
			Help: "Number of active change event subscribers",
		},
	)

	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "folderagg_events_published_total",
			Help: "Total change events published",
		},
		[]string{"type"},
	)

	natsPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "folderagg_nats_publish_total",
			Help: "Change events forwarded to NATS",
		},
		[]string{"status"},
	)

	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "folderagg_rate_limit_hits_total",
			Help: "Total watcher reports rejected with 429",
		},
	)

	// Watcher metrics
	watcherTicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "folderagg_watcher_ticks_total",
			Help: "Ticks that ran a scan and report",
		},
	)

	watcherTicksSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "folderagg_watcher_ticks_skipped_total",
			Help: "Ticks dropped because a report was still in flight",
		},
	)

	watcherReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "folderagg_watcher_reports_total",
			Help: "Reports sent by the watcher",
		},
		[]string{"kind", "result"},
	)

	watcherResyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "folderagg_watcher_resyncs_total",
			Help: "Resets to a full resync after a failed tick",
		},
		[]string{"cause"},
	)

	watcherScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "folderagg_watcher_scan_duration_seconds",
			Help:    "Time to list the watched folder",
			Buckets: prometheus.DefBuckets,
		},
	)

	watcherReportDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "folderagg_watcher_report_duration_seconds",
			Help:    "Time to deliver a report to the master",
			Buckets: prometheus.DefBuckets,
		},
	)

	watcherSnapshotSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "folderagg_watcher_snapshot_items",
			Help: "Number of entries in the last folder scan",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(server, method string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(server, method, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(server, method).Observe(duration.Seconds())
}

func reportKind(first bool) string {
	if first {
		return "full"
	}
	return "diff"
}

// RecordReportAccepted records a report applied to the store.
func RecordReportAccepted(first bool, added, removed int) {
	reportsReceivedTotal.WithLabelValues(reportKind(first), "accepted").Inc()
	reportItemsTotal.WithLabelValues("added").Add(float64(added))
	reportItemsTotal.WithLabelValues("removed").Add(float64(removed))
}

// RecordReportRejected records a report refused before reaching the store.
func RecordReportRejected(reason string) {
	reportsReceivedTotal.WithLabelValues("unknown", reason).Inc()
}

// SetStoreSize sets the store gauges.
func SetStoreSize(sources, items int) {
	sourcesTracked.Set(float64(sources))
	itemsTracked.Set(float64(items))
}

// RecordCleanup records one cleanup pass.
func RecordCleanup(expired int, duration time.Duration) {
	sourcesExpiredTotal.Add(float64(expired))
	cleanupDuration.Observe(duration.Seconds())
}

// SetEventSubscribers sets the number of active event subscribers.
func SetEventSubscribers(count int64) {
	eventSubscribersActive.Set(float64(count))
}

// RecordEvent records a change event publication.
func RecordEvent(eventType string) {
	eventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// RecordNATSPublish records a NATS forward attempt.
func RecordNATSPublish(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	natsPublishTotal.WithLabelValues(status).Inc()
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// RecordTick records a tick that ran.
func RecordTick() {
	watcherTicksTotal.Inc()
}

// RecordTickSkipped records a tick dropped by the in-flight cap.
func RecordTickSkipped() {
	watcherTicksSkippedTotal.Inc()
}

// RecordScan records a folder scan.
func RecordScan(items int, duration time.Duration) {
	watcherSnapshotSize.Set(float64(items))
	watcherScanDuration.Observe(duration.Seconds())
}

// RecordReportSent records a report delivery attempt.
func RecordReportSent(first bool, duration time.Duration, success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	watcherReportsTotal.WithLabelValues(reportKind(first), result).Inc()
	watcherReportDuration.Observe(duration.Seconds())
}

// RecordResync records a reset to full resync.
func RecordResync(cause string) {
	watcherResyncsTotal.WithLabelValues(cause).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics under
// the given server label. Paths are not used as labels since the static
// file server would make them unbounded.
func Middleware(server string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)
			RecordHTTPRequest(server, r.Method, rw.statusCode, time.Since(start))
		})
	}
}
