// Package integration provides a test harness for end-to-end testing of the
// intake server. It starts the full HTTP stack against a mock catalog and
// booking backend, with in-memory emission and idempotency stores.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/intake/internal/catalog"
	"github.com/pitabwire/intake/internal/config"
	"github.com/pitabwire/intake/internal/emission"
	"github.com/pitabwire/intake/internal/engine"
	"github.com/pitabwire/intake/internal/fixture"
	"github.com/pitabwire/intake/internal/observability"
	"github.com/pitabwire/intake/internal/session"
	"github.com/pitabwire/intake/internal/transport"
	"github.com/pitabwire/intake/model"
)

// TestHarness is a fully wired intake instance backed by a MockBackend.
type TestHarness struct {
	t       *testing.T
	server  *httptest.Server
	backend *MockBackend

	Config  *config.Config
	Manager *session.Manager
	Sink    *emission.Memory
	Client  *catalog.Client
}

// HarnessOption adjusts the configuration before the server starts.
type HarnessOption func(*config.Config)

// WithCircuitBreaker overrides the backend circuit breaker settings.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *config.Config) {
		c.Backend.CircuitBreaker = cb
	}
}

// WithRetry overrides the backend retry settings.
func WithRetry(r config.RetryConfig) HarnessOption {
	return func(c *config.Config) {
		c.Backend.Retry = r
	}
}

// WithBackendTimeout sets the per-request backend timeout.
func WithBackendTimeout(d time.Duration) HarnessOption {
	return func(c *config.Config) {
		c.Backend.Timeout = d
	}
}

// NewTestHarness creates and starts a full intake test instance. Everything is
// cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	h := &TestHarness{t: t, backend: newMockBackend(t)}

	// Step 1: Build config pointing at the mock backend.
	cfg := config.Defaults()
	cfg.Backend.BaseURL = h.backend.URL()
	cfg.Backend.Timeout = 2 * time.Second
	cfg.Backend.Retry = config.RetryConfig{MaxAttempts: 1}
	cfg.Engine.EmitDebounce = 20 * time.Millisecond
	cfg.Engine.ValidateDebounce = 20 * time.Millisecond
	cfg.Engine.ValidateInteractionHold = 20 * time.Millisecond
	cfg.Engine.FetchTimeout = 5 * time.Second
	cfg.Server.HandlerTimeout = 10 * time.Second
	for _, opt := range opts {
		opt(cfg)
	}
	h.Config = cfg

	// Step 2: Build metrics on a private registry.
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)

	// Step 3: Build the backend client and catalog cache.
	h.Client = catalog.NewClient(cfg.Backend, zap.NewNop(), metrics)
	source := catalog.NewCachedSource(h.Client, cfg.CatalogCache.TTL, cfg.CatalogCache.MaxEntries, metrics)

	// Step 4: Build in-memory stores and the session manager.
	h.Sink = emission.NewMemory()
	pol := fixture.Policy(t)
	h.Manager = session.NewManager(session.Options{
		Config:        cfg.Engine,
		Policy:        pol,
		Source:        source,
		Sink:          h.Sink,
		Metrics:       metrics,
		EngineMetrics: metrics,
	})
	t.Cleanup(h.Manager.Close)

	// Step 5: Build the router with the full middleware chain.
	router := transport.NewRouter(transport.Dependencies{
		Config:      cfg,
		Manager:     h.Manager,
		Sink:        h.Sink,
		Limiter:     session.NewLimiter(cfg.RateLimit),
		Idempotency: session.NewMemoryIdempotencyStore(),
		Readiness: observability.ReadinessChecks{
			PolicyLoaded: func() bool { return pol != nil },
			Backend:      h.Client,
		},
		Metrics:  metrics,
		Gatherer: reg,
		Logger:   zap.NewNop(),
	})

	// Step 6: Start the test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Backend returns the mock catalog and booking backend.
func (h *TestHarness) Backend() *MockBackend {
	return h.backend
}

// --- HTTP client helpers ---

// GET performs a GET request.
func (h *TestHarness) GET(path string) *http.Response {
	h.t.Helper()
	return h.do(http.MethodGet, path, nil, nil)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any) *http.Response {
	h.t.Helper()
	return h.do(http.MethodPost, path, body, nil)
}

// POSTWithHeaders performs a POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.do(http.MethodPost, path, body, headers)
}

// DELETE performs a DELETE request.
func (h *TestHarness) DELETE(path string) *http.Response {
	h.t.Helper()
	return h.do(http.MethodDelete, path, nil, nil)
}

func (h *TestHarness) do(method, path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks the status code and drains the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks the status code and parses the body into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Session helpers ---

// Mount creates a session for bookingID and waits until its catalog and
// booking have loaded.
func (h *TestHarness) Mount(bookingID, bookingType string) string {
	h.t.Helper()
	var out struct {
		SessionID string `json:"session_id"`
	}
	resp := h.POST("/v1/sessions", map[string]any{"booking_id": bookingID, "booking_type": bookingType})
	h.AssertJSON(h.t, resp, http.StatusCreated, &out)
	h.Manager.Wait()
	return out.SessionID
}

// Snapshot fetches the session snapshot.
func (h *TestHarness) Snapshot(sessionID string) engine.Snapshot {
	h.t.Helper()
	var snap engine.Snapshot
	h.AssertJSON(h.t, h.GET("/v1/sessions/"+sessionID), http.StatusOK, &snap)
	return snap
}

// WaitForEmission polls the emission sink until an emission with at least
// minSeq has been delivered for sessionID.
func (h *TestHarness) WaitForEmission(sessionID string, minSeq uint64) model.Emission {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		em, ok, err := h.Sink.Latest(context.Background(), sessionID)
		if err != nil {
			h.t.Fatalf("read emission: %v", err)
		}
		if ok && em.Sequence >= minSeq {
			return em
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.t.Fatalf("no emission with sequence >= %d for session %s", minSeq, sessionID)
	return model.Emission{}
}

// --- Fixtures ---

// CatalogFixture returns the equipment catalog served by the mock backend.
func CatalogFixture() []model.SelectableItem {
	return fixture.Items()
}

// BookingFixture returns booking items for the given catalog ids. Items of
// the infant_care category carry quantity q.
func BookingFixture(q int, ids ...string) []model.BookedItem {
	byID := make(map[string]model.SelectableItem)
	for _, it := range fixture.Items() {
		byID[it.ID] = it
	}
	out := make([]model.BookedItem, 0, len(ids))
	for _, id := range ids {
		it := byID[id]
		if it.CategoryName == "infant_care" {
			out = append(out, fixture.Booked(it, q))
			continue
		}
		out = append(out, fixture.Booked(it))
	}
	return out
}
