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

	expected := []string{
		"intake_http_requests_total",
		"intake_http_request_duration_seconds",
		"intake_http_request_size_bytes",
		"intake_http_response_size_bytes",
		"intake_sessions_mounted_total",
		"intake_sessions_unmounted_total",
		"intake_sessions_live",
		"intake_events_total",
		"intake_syncs_total",
		"intake_protection_reverts_total",
		"intake_emissions_total",
		"intake_validations_total",
		"intake_backend_requests_total",
		"intake_backend_request_duration_seconds",
		"intake_backend_circuit_breaker_state",
		"intake_backend_retries_total",
		"intake_catalog_cache_hits_total",
		"intake_catalog_cache_misses_total",
	}

	// Record a value for each metric so they appear in Gather.
	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 0, 100)
	m.RecordSessionMounted()
	m.RecordSessionUnmounted("client")
	m.SetLiveSessions(1)
	m.RecordEvent("set_value")
	m.RecordSync("applied")
	m.RecordProtectionRevert()
	m.RecordEmission()
	m.RecordValidation(true)
	m.RecordBackendRequest("fetch_catalog", 200, time.Millisecond)
	m.SetBackendCircuitBreakerState(0)
	m.RecordBackendRetry("fetch_catalog")
	m.RecordCatalogCacheHit()
	m.RecordCatalogCacheMiss()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/sessions/{sessionID}", 200, 50*time.Millisecond, 0, 1024)
	m.RecordHTTPRequest("GET", "/sessions/{sessionID}", 200, 100*time.Millisecond, 0, 2048)
	m.RecordHTTPRequest("POST", "/sessions/{sessionID}/events", 500, 200*time.Millisecond, 512, 256)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/sessions/{sessionID}", "200"))
	if val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/sessions/{sessionID}/events", "500"))
	if val != 1 {
		t.Errorf("POST requests = %v, want 1", val)
	}
}

func TestSessionLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordSessionMounted()
	m.RecordSessionMounted()
	m.SetLiveSessions(2)
	m.RecordSessionUnmounted("idle")
	m.SetLiveSessions(1)

	if got := testutil.ToFloat64(m.SessionsMountedTotal); got != 2 {
		t.Errorf("mounted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SessionsUnmountedTotal.WithLabelValues("idle")); got != 1 {
		t.Errorf("unmounted idle = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionsLive); got != 1 {
		t.Errorf("live = %v, want 1", got)
	}
}

func TestRecordSyncOutcomes(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordSync("applied")
	m.RecordSync("locked")
	m.RecordSync("locked")
	m.RecordSync("stale")

	if got := testutil.ToFloat64(m.SyncsTotal.WithLabelValues("locked")); got != 2 {
		t.Errorf("locked = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(m.SyncsTotal); got != 3 {
		t.Errorf("outcome series = %d, want 3", got)
	}
}

func TestRecordValidation(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordValidation(true)
	m.RecordValidation(false)
	m.RecordValidation(false)

	if got := testutil.ToFloat64(m.ValidationsTotal.WithLabelValues("valid")); got != 1 {
		t.Errorf("valid = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ValidationsTotal.WithLabelValues("invalid")); got != 2 {
		t.Errorf("invalid = %v, want 2", got)
	}
}

func TestRecordEngineCounters(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordEvent("set_value")
	m.RecordEvent("set_value")
	m.RecordEvent("sync")
	m.RecordProtectionRevert()
	m.RecordEmission()

	if got := testutil.ToFloat64(m.EventsTotal.WithLabelValues("set_value")); got != 2 {
		t.Errorf("set_value events = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ProtectionRevertsTotal); got != 1 {
		t.Errorf("reverts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EmissionsTotal); got != 1 {
		t.Errorf("emissions = %v, want 1", got)
	}
}

func TestRecordBackendRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordBackendRequest("fetch_booking", 200, 100*time.Millisecond)

	val := testutil.ToFloat64(m.BackendRequestsTotal.WithLabelValues("fetch_booking", "200"))
	if val != 1 {
		t.Errorf("backend requests = %v, want 1", val)
	}
}

func TestSetBackendCircuitBreakerState(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetBackendCircuitBreakerState(2)
	if val := testutil.ToFloat64(m.BackendCircuitBreakerState); val != 2 {
		t.Errorf("circuit breaker state = %v, want 2 (open)", val)
	}
	m.SetBackendCircuitBreakerState(0)
	if val := testutil.ToFloat64(m.BackendCircuitBreakerState); val != 0 {
		t.Errorf("circuit breaker state = %v, want 0 (closed)", val)
	}
}

func TestRecordBackendRetry(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordBackendRetry("fetch_catalog")
	m.RecordBackendRetry("fetch_catalog")
	val := testutil.ToFloat64(m.BackendRetriesTotal.WithLabelValues("fetch_catalog"))
	if val != 2 {
		t.Errorf("retries = %v, want 2", val)
	}
}

func TestRecordCatalogCache(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordCatalogCacheHit()
	m.RecordCatalogCacheHit()
	m.RecordCatalogCacheMiss()

	if hits := testutil.ToFloat64(m.CatalogCacheHitsTotal); hits != 2 {
		t.Errorf("cache hits = %v, want 2", hits)
	}
	if misses := testutil.ToFloat64(m.CatalogCacheMissesTotal); misses != 1 {
		t.Errorf("cache misses = %v, want 1", misses)
	}
}

func TestMetricsMiddleware_recordsRequestMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/sessions/{sessionID}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/sessions/abc-123", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// Recorded with the route pattern, not the actual path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/sessions/{sessionID}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
	if count := testutil.CollectAndCount(m.HTTPResponseSizeBytes); count == 0 {
		t.Error("expected response size histogram to have observations")
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/sessions/{sessionID}/events", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})

	req := httptest.NewRequest(http.MethodPost, "/sessions/abc/events", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/sessions/{sessionID}/events", "410"))
	if val != 1 {
		t.Errorf("410 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordEmission()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "intake_emissions_total 1") {
		t.Error("metrics response should contain the emission counter")
	}
}

func TestHistogramBuckets(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http":    httpDurationBuckets,
		"backend": backendDurationBuckets,
		"body":    bodySizeBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}
