package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	// Record a value for each metric so they appear in Gather.
	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 0, 100)
	m.RecordQuerySubmitted()
	m.RecordQueryCompletion("complete", time.Second)
	m.SetActiveSessions(3)
	m.RecordSessionEviction()
	m.RecordStreamConnect("ok")
	m.RecordStreamEvent("token")
	m.SetAggregatorBreakerState(0)
	m.RecordDirectorySearch("ok", 10*time.Millisecond)
	m.RecordSearchCacheHit()
	m.RecordSearchCacheMiss()
	m.RecordQueryRecordStored()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"askd_http_requests_total",
		"askd_http_request_duration_seconds",
		"askd_http_request_size_bytes",
		"askd_http_response_size_bytes",
		"askd_queries_submitted_total",
		"askd_query_completions_total",
		"askd_query_duration_seconds",
		"askd_active_sessions",
		"askd_session_evictions_total",
		"askd_stream_connects_total",
		"askd_stream_events_total",
		"askd_aggregator_circuit_breaker_state",
		"askd_directory_searches_total",
		"askd_directory_search_duration_seconds",
		"askd_search_cache_hits_total",
		"askd_search_cache_misses_total",
		"askd_query_records_stored_total",
	}

	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/ask/sessions/{sessionId}/state", 200, 50*time.Millisecond, 0, 1024)
	m.RecordHTTPRequest("GET", "/ask/sessions/{sessionId}/state", 200, 100*time.Millisecond, 0, 2048)
	m.RecordHTTPRequest("POST", "/ask/sessions/{sessionId}/query", 500, 200*time.Millisecond, 512, 256)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/ask/sessions/{sessionId}/state", "200"))
	if val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/ask/sessions/{sessionId}/query", "500"))
	if val != 1 {
		t.Errorf("POST requests = %v, want 1", val)
	}
}

func TestRecordQueryLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordQuerySubmitted()
	m.RecordQuerySubmitted()
	m.RecordQueryCompletion("complete", 2*time.Second)
	m.RecordQueryCompletion("error", 500*time.Millisecond)

	submitted := testutil.ToFloat64(m.QueriesSubmittedTotal)
	if submitted != 2 {
		t.Errorf("submitted = %v, want 2", submitted)
	}
	complete := testutil.ToFloat64(m.QueryCompletionsTotal.WithLabelValues("complete"))
	if complete != 1 {
		t.Errorf("complete = %v, want 1", complete)
	}
	failed := testutil.ToFloat64(m.QueryCompletionsTotal.WithLabelValues("error"))
	if failed != 1 {
		t.Errorf("error = %v, want 1", failed)
	}
	if count := testutil.CollectAndCount(m.QueryDuration); count == 0 {
		t.Error("expected query duration histogram to have observations")
	}
}

func TestSessionMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetActiveSessions(4)
	val := testutil.ToFloat64(m.ActiveSessions)
	if val != 4 {
		t.Errorf("active sessions = %v, want 4", val)
	}

	m.RecordSessionEviction()
	m.RecordSessionEviction()
	val = testutil.ToFloat64(m.SessionEvictionsTotal)
	if val != 2 {
		t.Errorf("evictions = %v, want 2", val)
	}
}

func TestStreamMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordStreamConnect("ok")
	m.RecordStreamConnect("error")
	m.RecordStreamEvent("token")
	m.RecordStreamEvent("token")
	m.RecordStreamEvent("done")

	ok := testutil.ToFloat64(m.StreamConnectsTotal.WithLabelValues("ok"))
	if ok != 1 {
		t.Errorf("ok connects = %v, want 1", ok)
	}
	tokens := testutil.ToFloat64(m.StreamEventsTotal.WithLabelValues("token"))
	if tokens != 2 {
		t.Errorf("token events = %v, want 2", tokens)
	}
}

func TestSetAggregatorBreakerState(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetAggregatorBreakerState(0)
	val := testutil.ToFloat64(m.AggregatorBreakerState)
	if val != 0 {
		t.Errorf("breaker state = %v, want 0 (closed)", val)
	}

	m.SetAggregatorBreakerState(2)
	val = testutil.ToFloat64(m.AggregatorBreakerState)
	if val != 2 {
		t.Errorf("breaker state = %v, want 2 (open)", val)
	}
}

func TestDirectorySearchMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordDirectorySearch("ok", 50*time.Millisecond)
	m.RecordDirectorySearch("error", 100*time.Millisecond)

	ok := testutil.ToFloat64(m.DirectorySearchesTotal.WithLabelValues("ok"))
	if ok != 1 {
		t.Errorf("ok searches = %v, want 1", ok)
	}
	if count := testutil.CollectAndCount(m.DirectorySearchDuration); count == 0 {
		t.Error("expected search duration histogram to have observations")
	}
}

func TestSearchCacheMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordSearchCacheHit()
	m.RecordSearchCacheHit()
	m.RecordSearchCacheMiss()

	hits := testutil.ToFloat64(m.SearchCacheHitsTotal)
	if hits != 2 {
		t.Errorf("cache hits = %v, want 2", hits)
	}
	misses := testutil.ToFloat64(m.SearchCacheMissesTotal)
	if misses != 1 {
		t.Errorf("cache misses = %v, want 1", misses)
	}
}

func TestRecordQueryRecordStored(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordQueryRecordStored()
	val := testutil.ToFloat64(m.QueryRecordsStoredTotal)
	if val != 1 {
		t.Errorf("records stored = %v, want 1", val)
	}
}

func TestMetricsMiddleware_recordsRequestMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Build a chi router so route patterns are captured.
	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/ask/sessions/{sessionId}/state", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/ask/sessions/abc123/state", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// Verify metrics were recorded with the route pattern, not the actual path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/ask/sessions/{sessionId}/state", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesResponseSize(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/ask/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("healthy"))
	})

	req := httptest.NewRequest(http.MethodGet, "/ask/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	// Response size should have been recorded.
	count := testutil.CollectAndCount(m.HTTPResponseSizeBytes)
	if count == 0 {
		t.Error("expected response size histogram to have observations")
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/ask/sessions/{sessionId}/query", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	req := httptest.NewRequest(http.MethodPost, "/ask/sessions/abc123/query", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/ask/sessions/{sessionId}/query", "400"))
	if val != 1 {
		t.Errorf("400 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Use middleware directly without chi router.
	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// Without chi, should fall back to raw path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	handler := Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	// Prometheus handler should return at least go runtime metrics.
	if !strings.Contains(body, "go_") {
		t.Error("metrics response should contain go runtime metrics")
	}
}

func TestHistogramBuckets(t *testing.T) {
	// Verify buckets are sorted ascending.
	for name, buckets := range map[string][]float64{
		"http":   httpDurationBuckets,
		"search": searchDurationBuckets,
		"query":  queryDurationBuckets,
		"body":   bodySizeBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}
