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
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Session metrics
	SessionsMountedTotal   prometheus.Counter
	SessionsUnmountedTotal *prometheus.CounterVec
	SessionsLive           prometheus.Gauge

	// Engine metrics
	EventsTotal            *prometheus.CounterVec
	SyncsTotal             *prometheus.CounterVec
	ProtectionRevertsTotal prometheus.Counter
	EmissionsTotal         prometheus.Counter
	ValidationsTotal       *prometheus.CounterVec

	// Backend metrics
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState prometheus.Gauge
	BackendRetriesTotal        *prometheus.CounterVec

	// Cache metrics
	CatalogCacheHitsTotal   prometheus.Counter
	CatalogCacheMissesTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Sessions
		SessionsMountedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_sessions_mounted_total",
			Help: "Total number of form sessions mounted.",
		}),
		SessionsUnmountedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_sessions_unmounted_total",
			Help: "Total number of form sessions unmounted.",
		}, []string{"reason"}),
		SessionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intake_sessions_live",
			Help: "Number of mounted form sessions.",
		}),

		// Engine
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_events_total",
			Help: "Total number of events applied to sessions.",
		}, []string{"kind"}),
		SyncsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_syncs_total",
			Help: "Total number of external syncs by outcome.",
		}, []string{"outcome"}),
		ProtectionRevertsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_protection_reverts_total",
			Help: "Total number of protected selections restored after an external overwrite.",
		}),
		EmissionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_emissions_total",
			Help: "Total number of emissions delivered to the sink.",
		}),
		ValidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_validations_total",
			Help: "Total number of validation passes by outcome.",
		}, []string{"outcome"}),

		// Backend
		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_backend_requests_total",
			Help: "Total number of booking backend requests.",
		}, []string{"operation", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_backend_request_duration_seconds",
			Help:    "Backend request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"operation"}),
		BackendCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intake_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		BackendRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_backend_retries_total",
			Help: "Total number of backend request retries.",
		}, []string{"operation"}),

		// Cache
		CatalogCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_catalog_cache_hits_total",
			Help: "Total catalog cache hits.",
		}),
		CatalogCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_catalog_cache_misses_total",
			Help: "Total catalog cache misses.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Sessions
		m.SessionsMountedTotal,
		m.SessionsUnmountedTotal,
		m.SessionsLive,
		// Engine
		m.EventsTotal,
		m.SyncsTotal,
		m.ProtectionRevertsTotal,
		m.EmissionsTotal,
		m.ValidationsTotal,
		// Backend
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
		m.BackendRetriesTotal,
		// Cache
		m.CatalogCacheHitsTotal,
		m.CatalogCacheMissesTotal,
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

// RecordSessionMounted records a session mount.
func (m *Metrics) RecordSessionMounted() {
	m.SessionsMountedTotal.Inc()
}

// RecordSessionUnmounted records a session unmount and why it happened.
func (m *Metrics) RecordSessionUnmounted(reason string) {
	m.SessionsUnmountedTotal.WithLabelValues(reason).Inc()
}

// SetLiveSessions sets the number of mounted sessions.
func (m *Metrics) SetLiveSessions(n int) {
	m.SessionsLive.Set(float64(n))
}

// RecordEvent records an event applied to a session.
func (m *Metrics) RecordEvent(kind string) {
	m.EventsTotal.WithLabelValues(kind).Inc()
}

// RecordSync records the outcome of an external sync: "applied" or the
// reason it was dropped.
func (m *Metrics) RecordSync(outcome string) {
	m.SyncsTotal.WithLabelValues(outcome).Inc()
}

// RecordProtectionRevert records a protected selection being restored.
func (m *Metrics) RecordProtectionRevert() {
	m.ProtectionRevertsTotal.Inc()
}

// RecordEmission records an emission delivered to the sink.
func (m *Metrics) RecordEmission() {
	m.EmissionsTotal.Inc()
}

// RecordValidation records a validation pass.
func (m *Metrics) RecordValidation(valid bool) {
	outcome := "invalid"
	if valid {
		outcome = "valid"
	}
	m.ValidationsTotal.WithLabelValues(outcome).Inc()
}

// RecordBackendRequest records a booking backend request.
func (m *Metrics) RecordBackendRequest(operation string, status int, duration time.Duration) {
	m.BackendRequestsTotal.WithLabelValues(operation, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetBackendCircuitBreakerState sets the circuit breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBackendCircuitBreakerState(state float64) {
	m.BackendCircuitBreakerState.Set(state)
}

// RecordBackendRetry records a backend request retry.
func (m *Metrics) RecordBackendRetry(operation string) {
	m.BackendRetriesTotal.WithLabelValues(operation).Inc()
}

// RecordCatalogCacheHit records a catalog cache hit.
func (m *Metrics) RecordCatalogCacheHit() {
	m.CatalogCacheHitsTotal.Inc()
}

// RecordCatalogCacheMiss records a catalog cache miss.
func (m *Metrics) RecordCatalogCacheMiss() {
	m.CatalogCacheMissesTotal.Inc()
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
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	// Nested routers leave /* joints; RoutePattern collapses them.
	pattern := strings.TrimSuffix(rctx.RoutePattern(), "/*")
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
