package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	searchDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	queryDurationBuckets  = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}
	bodySizeBuckets       = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Query lifecycle metrics
	QueriesSubmittedTotal prometheus.Counter
	QueryCompletionsTotal *prometheus.CounterVec
	QueryDuration         prometheus.Histogram
	ActiveSessions        prometheus.Gauge
	SessionEvictionsTotal prometheus.Counter

	// Aggregator stream metrics
	StreamConnectsTotal    *prometheus.CounterVec
	StreamEventsTotal      *prometheus.CounterVec
	AggregatorBreakerState prometheus.Gauge

	// Directory search metrics
	DirectorySearchesTotal  *prometheus.CounterVec
	DirectorySearchDuration prometheus.Histogram
	SearchCacheHitsTotal    prometheus.Counter
	SearchCacheMissesTotal  prometheus.Counter

	// Persistence metrics
	QueryRecordsStoredTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "askd_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "askd_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "askd_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "askd_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Query lifecycle
		QueriesSubmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "askd_queries_submitted_total",
			Help: "Total number of submitted queries.",
		}),
		QueryCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "askd_query_completions_total",
			Help: "Total number of finished query runs by outcome.",
		}, []string{"outcome"}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "askd_query_duration_seconds",
			Help:    "End-to-end query duration from submission to terminal phase.",
			Buckets: queryDurationBuckets,
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "askd_active_sessions",
			Help: "Number of live query sessions.",
		}),
		SessionEvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "askd_session_evictions_total",
			Help: "Total number of idle sessions evicted.",
		}),

		// Aggregator stream
		StreamConnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "askd_stream_connects_total",
			Help: "Total aggregator stream connection attempts by outcome.",
		}, []string{"status"}),
		StreamEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "askd_stream_events_total",
			Help: "Total aggregator stream events received by type.",
		}, []string{"type"}),
		AggregatorBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "askd_aggregator_circuit_breaker_state",
			Help: "Aggregator circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		// Directory search
		DirectorySearchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "askd_directory_searches_total",
			Help: "Total directory search requests by outcome.",
		}, []string{"status"}),
		DirectorySearchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "askd_directory_search_duration_seconds",
			Help:    "Directory search duration in seconds.",
			Buckets: searchDurationBuckets,
		}),
		SearchCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "askd_search_cache_hits_total",
			Help: "Total directory search cache hits.",
		}),
		SearchCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "askd_search_cache_misses_total",
			Help: "Total directory search cache misses.",
		}),

		// Persistence
		QueryRecordsStoredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "askd_query_records_stored_total",
			Help: "Total completed query results written to the store.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Query lifecycle
		m.QueriesSubmittedTotal,
		m.QueryCompletionsTotal,
		m.QueryDuration,
		m.ActiveSessions,
		m.SessionEvictionsTotal,
		// Aggregator stream
		m.StreamConnectsTotal,
		m.StreamEventsTotal,
		m.AggregatorBreakerState,
		// Directory search
		m.DirectorySearchesTotal,
		m.DirectorySearchDuration,
		m.SearchCacheHitsTotal,
		m.SearchCacheMissesTotal,
		// Persistence
		m.QueryRecordsStoredTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordQuerySubmitted records a query submission.
func (m *Metrics) RecordQuerySubmitted() {
	m.QueriesSubmittedTotal.Inc()
}

// RecordQueryCompletion records a finished query run.
// Outcome: "complete", "error", or "superseded".
func (m *Metrics) RecordQueryCompletion(outcome string, duration time.Duration) {
	m.QueryCompletionsTotal.WithLabelValues(outcome).Inc()
	m.QueryDuration.Observe(duration.Seconds())
}

// SetActiveSessions sets the live session count.
func (m *Metrics) SetActiveSessions(count float64) {
	m.ActiveSessions.Set(count)
}

// RecordSessionEviction records an idle session eviction.
func (m *Metrics) RecordSessionEviction() {
	m.SessionEvictionsTotal.Inc()
}

// RecordStreamConnect records an aggregator stream connection attempt.
// Status: "ok", "error", or "rejected" when the breaker is open.
func (m *Metrics) RecordStreamConnect(status string) {
	m.StreamConnectsTotal.WithLabelValues(status).Inc()
}

// RecordStreamEvent records a received aggregator stream event.
func (m *Metrics) RecordStreamEvent(kind string) {
	m.StreamEventsTotal.WithLabelValues(kind).Inc()
}

// SetAggregatorBreakerState sets the circuit breaker state gauge.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetAggregatorBreakerState(state float64) {
	m.AggregatorBreakerState.Set(state)
}

// RecordDirectorySearch records a directory search request.
func (m *Metrics) RecordDirectorySearch(status string, duration time.Duration) {
	m.DirectorySearchesTotal.WithLabelValues(status).Inc()
	m.DirectorySearchDuration.Observe(duration.Seconds())
}

// RecordSearchCacheHit records a directory search cache hit.
func (m *Metrics) RecordSearchCacheHit() {
	m.SearchCacheHitsTotal.Inc()
}

// RecordSearchCacheMiss records a directory search cache miss.
func (m *Metrics) RecordSearchCacheMiss() {
	m.SearchCacheMissesTotal.Inc()
}

// RecordQueryRecordStored records a completed result written to the store.
func (m *Metrics) RecordQueryRecordStored() {
	m.QueryRecordsStoredTotal.Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
