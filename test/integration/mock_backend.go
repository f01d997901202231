package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// Backend operations served by the mock.
const (
	OpCatalog = "catalog"
	OpBooking = "booking"
)

// MockBackend is a configurable HTTP test server that stands in for the
// equipment catalog and booking service. Responses are queued per operation
// and every received request is recorded for later assertion.
type MockBackend struct {
	t      *testing.T
	server *httptest.Server

	mu         sync.RWMutex
	operations map[string]*operationConfig
	received   map[string][]*RecordedRequest
}

// RecordedRequest captures the details of a request received by the mock.
type RecordedRequest struct {
	Method     string
	Path       string
	BookingID  string
	Headers    http.Header
	ReceivedAt time.Time
}

type operationConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
}

// OperationMock is a builder for configuring responses of one operation.
type OperationMock struct {
	backend *MockBackend
	op      string
}

func newMockBackend(t *testing.T) *MockBackend {
	t.Helper()

	mb := &MockBackend{
		t:          t,
		operations: make(map[string]*operationConfig),
		received:   make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /equipment", mb.handle(OpCatalog))
	mux.HandleFunc("GET /bookings/{bookingId}/equipment", mb.handle(OpBooking))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"error": fmt.Sprintf("mock: no operation registered for %s %s", r.Method, r.URL.Path),
		})
	})

	mb.server = httptest.NewServer(mux)
	t.Cleanup(mb.server.Close)
	return mb
}

// URL returns the base URL of the mock server.
func (mb *MockBackend) URL() string {
	return mb.server.URL
}

// On returns a builder for the named operation.
func (mb *MockBackend) On(op string) *OperationMock {
	return &OperationMock{backend: mb, op: op}
}

// RespondWith queues a response with the given status and JSON body.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	om.backend.addResponse(om.op, &mockResponse{status: status, body: body})
	return om
}

// RespondWithDelay queues a slow response.
func (om *OperationMock) RespondWithDelay(delay time.Duration, status int, body any) *OperationMock {
	om.backend.addResponse(om.op, &mockResponse{status: status, body: body, delay: delay})
	return om
}

// RespondWithConnectionError queues a response that drops the connection.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	om.backend.addResponse(om.op, &mockResponse{connError: true})
	return om
}

func (mb *MockBackend) addResponse(op string, resp *mockResponse) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	cfg, ok := mb.operations[op]
	if !ok {
		cfg = &operationConfig{}
		mb.operations[op] = cfg
	}
	cfg.responses = append(cfg.responses, resp)
}

func (mb *MockBackend) handle(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mb.mu.Lock()
		mb.received[op] = append(mb.received[op], &RecordedRequest{
			Method:     r.Method,
			Path:       r.URL.Path,
			BookingID:  r.PathValue("bookingId"),
			Headers:    r.Header.Clone(),
			ReceivedAt: time.Now(),
		})
		mb.mu.Unlock()

		resp := mb.next(op)
		if resp == nil {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte("[]"))
			return
		}

		if resp.connError {
			if hj, ok := w.(http.Hijacker); ok {
				conn, _, _ := hj.Hijack()
				if conn != nil {
					conn.Close()
				}
			}
			return
		}

		if resp.delay > 0 {
			select {
			case <-time.After(resp.delay):
			case <-r.Context().Done():
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		if resp.body != nil {
			json.NewEncoder(w).Encode(resp.body)
		}
	}
}

// next returns the queued response for op. The last response repeats once
// the queue is drained.
func (mb *MockBackend) next(op string) *mockResponse {
	mb.mu.RLock()
	cfg, ok := mb.operations[op]
	mb.mu.RUnlock()
	if !ok {
		return nil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()
	if len(cfg.responses) == 0 {
		return nil
	}
	idx := cfg.current
	if idx >= len(cfg.responses) {
		idx = len(cfg.responses) - 1
	} else {
		cfg.current++
	}
	return cfg.responses[idx]
}

// Calls returns how many requests op has received.
func (mb *MockBackend) Calls(op string) int {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return len(mb.received[op])
}

// AssertCalled verifies that op was called the expected number of times.
func (mb *MockBackend) AssertCalled(t *testing.T, op string, expected int) {
	t.Helper()
	if actual := mb.Calls(op); actual != expected {
		t.Errorf("mock: operation %q called %d times, want %d", op, actual, expected)
	}
}

// LastRequest returns the last request received for op, or nil.
func (mb *MockBackend) LastRequest(op string) *RecordedRequest {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	reqs := mb.received[op]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// Reset clears recorded requests and queued responses.
func (mb *MockBackend) Reset() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.operations = make(map[string]*operationConfig)
	mb.received = make(map[string][]*RecordedRequest)
}
