package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/intake/internal/config"
	"github.com/pitabwire/intake/internal/observability"
	"github.com/pitabwire/intake/model"
)

// Source supplies the catalog of selectable items and a booking's saved
// selections.
type Source interface {
	FetchCatalog(ctx context.Context) ([]model.SelectableItem, error)
	FetchBooking(ctx context.Context, bookingID string) ([]model.BookedItem, error)
}

// Recorder receives backend and cache measurements. *observability.Metrics
// satisfies it.
type Recorder interface {
	RecordBackendRequest(operation string, status int, duration time.Duration)
	RecordBackendRetry(operation string)
	SetBackendCircuitBreakerState(state float64)
	RecordCatalogCacheHit()
	RecordCatalogCacheMiss()
}

type nopRecorder struct{}

func (nopRecorder) RecordBackendRequest(string, int, time.Duration) {}
func (nopRecorder) RecordBackendRetry(string)                       {}
func (nopRecorder) SetBackendCircuitBreakerState(float64)           {}
func (nopRecorder) RecordCatalogCacheHit()                          {}
func (nopRecorder) RecordCatalogCacheMiss()                         {}

// Operation names used for metrics and spans.
const (
	OpCatalog = "catalog"
	OpBooking = "booking"
)

// maxBodyBytes bounds the backend response size.
const maxBodyBytes = 10 << 20

// Client reads the equipment backend over HTTP. Reads are retried with
// exponential backoff on transport errors and 5xx responses and guarded by a
// circuit breaker.
type Client struct {
	cfg     config.BackendConfig
	http    *http.Client
	breaker *Breaker
	metrics Recorder
	logger  *zap.Logger
}

// NewClient creates a Client for the backend described by cfg. A nil
// recorder disables metrics.
func NewClient(cfg config.BackendConfig, logger *zap.Logger, rec Recorder) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		breaker: NewBreaker(cfg.CircuitBreaker),
		metrics: rec,
		logger:  logger,
	}
}

// Breaker exposes the client's circuit breaker.
func (c *Client) Breaker() *Breaker { return c.breaker }

// HealthCheck fails while the circuit breaker is open.
func (c *Client) HealthCheck(context.Context) error {
	if st := c.breaker.State(); st == BreakerOpen {
		return fmt.Errorf("backend circuit breaker %s", st)
	}
	return nil
}

// FetchCatalog returns the Active items of the catalog.
func (c *Client) FetchCatalog(ctx context.Context) ([]model.SelectableItem, error) {
	var items []model.SelectableItem
	if err := c.get(ctx, OpCatalog, c.cfg.BaseURL+c.cfg.CatalogPath, &items); err != nil {
		return nil, err
	}
	return FilterActive(items), nil
}

// FetchBooking returns the items saved against bookingID.
func (c *Client) FetchBooking(ctx context.Context, bookingID string) ([]model.BookedItem, error) {
	path := strings.ReplaceAll(c.cfg.BookingPath, "{bookingId}", url.PathEscape(bookingID))
	var items []model.BookedItem
	if err := c.get(ctx, OpBooking, c.cfg.BaseURL+path, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// get performs a GET with retry and decodes a JSON array, or an object
// wrapping the array under "data", into out.
func (c *Client) get(ctx context.Context, op, reqURL string, out any) error {
	ctx, span := observability.StartSpan(ctx, "backend."+op, observability.AttrOperation.String(op))
	body, err := c.getWithRetry(ctx, op, reqURL)
	observability.EndSpanWithError(span, err)
	if err != nil {
		return err
	}
	return decodeList(body, out)
}

func (c *Client) getWithRetry(ctx context.Context, op, reqURL string) ([]byte, error) {
	attempts := c.cfg.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.metrics.RecordBackendRetry(op)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff(c.cfg.Retry, attempt)):
			}
		}

		body, err := c.getOnce(ctx, op, reqURL)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
		c.logger.Debug("backend read failed, retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Int("max", attempts),
			zap.Error(err),
		)
	}
	return nil, lastErr
}

// statusError is a non-2xx backend response.
type statusError struct {
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("backend returned status %d", e.status)
}

func (c *Client) getOnce(ctx context.Context, op, reqURL string) ([]byte, error) {
	if err := c.breaker.Allow(); err != nil {
		c.metrics.SetBackendCircuitBreakerState(float64(c.breaker.State()))
		return nil, model.NewBackendUnavailableError()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		req.Header.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.Failure()
		c.metrics.SetBackendCircuitBreakerState(float64(c.breaker.State()))
		c.metrics.RecordBackendRequest(op, 0, time.Since(start))
		if ctx.Err() != nil {
			return nil, model.NewBackendTimeoutError()
		}
		if isConnectionError(err) {
			return nil, fmt.Errorf("catalog: %s: backend unreachable: %w", op, err)
		}
		return nil, fmt.Errorf("catalog: %s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	c.metrics.RecordBackendRequest(op, resp.StatusCode, time.Since(start))
	if err != nil {
		c.breaker.Failure()
		return nil, fmt.Errorf("catalog: %s read response: %w", op, err)
	}

	switch {
	case resp.StatusCode >= 500:
		c.breaker.Failure()
		c.metrics.SetBackendCircuitBreakerState(float64(c.breaker.State()))
		return nil, &statusError{status: resp.StatusCode}
	case resp.StatusCode >= 400:
		// A client error says nothing about backend health.
		return nil, &statusError{status: resp.StatusCode}
	}
	c.breaker.Success()
	c.metrics.SetBackendCircuitBreakerState(float64(c.breaker.State()))
	return body, nil
}

func decodeList(body []byte, out any) error {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if strings.HasPrefix(trimmed, "{") {
		var wrapped struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return fmt.Errorf("catalog: decode response: %w", err)
		}
		if len(wrapped.Data) == 0 {
			return nil
		}
		body = wrapped.Data
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("catalog: decode response: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		switch se.status {
		case http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	return true
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func backoff(cfg config.RetryConfig, attempt int) time.Duration {
	initial := cfg.BackoffInitial
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	mult := cfg.BackoffMultiplier
	if mult <= 0 {
		mult = 2
	}
	ceiling := cfg.BackoffMax
	if ceiling <= 0 {
		ceiling = 2 * time.Second
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * mult)
		if delay > ceiling {
			return ceiling
		}
	}
	return delay
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}
