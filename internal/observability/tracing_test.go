package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/intake/internal/config"
)

// setupTestTracer installs an always-sampling provider backed by an
// in-memory exporter.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestInitTracing(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TracingConfig
		wantErr bool
	}{
		{"disabled", config.TracingConfig{Enabled: false}, false},
		{"stdout", config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1.0}, false},
		{"unsupported exporter", config.TracingConfig{Enabled: true, Exporter: "zipkin"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := InitTracing(context.Background(), tt.cfg, "intaked", "1.0.0")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("InitTracing() error = %v", err)
			}
			if err := shutdown(context.Background()); err != nil {
				t.Errorf("shutdown() error = %v", err)
			}
		})
	}
}

func TestStartSpan_dispatchAttributes(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "session.dispatch",
		AttrSessionID.String("sess-1"),
		AttrEventKind.String("external_sync"),
	)
	if trace.SpanFromContext(ctx) != span {
		t.Error("context should carry the created span")
	}
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	attrs := spanAttrMap(spans[0])
	if attrs["intake.session_id"] != "sess-1" || attrs["intake.event_kind"] != "external_sync" {
		t.Errorf("attributes = %v", attrs)
	}
}

func TestEndSpanWithError(t *testing.T) {
	exporter := setupTestTracer(t)

	_, failed := StartSpan(context.Background(), "session.mount")
	EndSpanWithError(failed, errors.New("backend down"))
	_, ok := StartSpan(context.Background(), "session.mount")
	EndSpanWithError(ok, nil)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != "backend down" {
		t.Errorf("failed span status = %+v", spans[0].Status)
	}
	if spans[1].Status.Code == codes.Error {
		t.Error("status should not be Error when err is nil")
	}
}

func TestAddSpanEvent(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "session.dispatch")
	AddSpanEvent(ctx, SpanEventSyncDropped,
		AttrCategory.String("sling"),
		AttrReason.String("locked"),
	)
	AddSpanEvent(ctx, SpanEventProtectionRevert, AttrSelectionKey.String("sling"))
	span.End()

	// No span in context: nothing to record on, and no panic.
	AddSpanEvent(context.Background(), SpanEventCascade, AttrSelectionKey.String("sling"))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Name != SpanEventSyncDropped || events[1].Name != SpanEventProtectionRevert {
		t.Errorf("event names = %q, %q", events[0].Name, events[1].Name)
	}
	got := map[string]string{}
	for _, a := range events[0].Attributes {
		got[string(a.Key)] = a.Value.Emit()
	}
	if got["intake.category"] != "sling" || got["intake.reason"] != "locked" {
		t.Errorf("sync.dropped attributes = %v", got)
	}
}

func TestTraceIDFromContext(t *testing.T) {
	setupTestTracer(t)

	if id := TraceIDFromContext(context.Background()); id != "" {
		t.Errorf("TraceIDFromContext without span = %q, want empty", id)
	}

	ctx, span := StartSpan(context.Background(), "trace.id")
	defer span.End()
	if id := TraceIDFromContext(ctx); id != span.SpanContext().TraceID().String() {
		t.Errorf("TraceIDFromContext = %q, want %q", id, span.SpanContext().TraceID().String())
	}
}

func TestTracingMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantError bool
	}{
		{"created", http.StatusCreated, false},
		{"gone", http.StatusGone, false},
		{"server error", http.StatusInternalServerError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter := setupTestTracer(t)
			handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sessions/abc/events", nil))

			spans := exporter.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("expected 1 span, got %d", len(spans))
			}
			s := spans[0]
			if s.Name != "POST /v1/sessions/abc/events" || s.SpanKind != trace.SpanKindServer {
				t.Errorf("span = %q kind %v", s.Name, s.SpanKind)
			}
			if got := spanAttrMap(s)["http.response.status_code"]; got != strconv.Itoa(tt.status) {
				t.Errorf("http.response.status_code = %q, want %d", got, tt.status)
			}
			if (s.Status.Code == codes.Error) != tt.wantError {
				t.Errorf("status code = %v, want error %t", s.Status.Code, tt.wantError)
			}
			if rec.Header().Get("Traceparent") == "" {
				t.Error("response should carry a Traceparent header")
			}
		})
	}
}

func TestTracingMiddleware_extractsTraceparent(t *testing.T) {
	exporter := setupTestTracer(t)
	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	traceID := "0af7651916cd43dd8448eb211c80319c"
	parentSpanID := "b7ad6b7169203331"
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/abc", nil)
	req.Header.Set("Traceparent", "00-"+traceID+"-"+parentSpanID+"-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].SpanContext.TraceID().String(); got != traceID {
		t.Errorf("trace ID = %q, want %q", got, traceID)
	}
	if got := spans[0].Parent.SpanID().String(); got != parentSpanID {
		t.Errorf("parent span ID = %q, want %q", got, parentSpanID)
	}
}

func TestInjectTraceHeaders(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "backend.fetch_catalog")
	defer span.End()

	headers := http.Header{}
	InjectTraceHeaders(ctx, headers)
	if headers.Get("Traceparent") == "" {
		t.Error("InjectTraceHeaders should set Traceparent header")
	}
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		name string
		rate float64
		want string
	}{
		{"default rate", 0, "TraceIDRatioBased{0.1}"},
		{"always sample", 1.0, "AlwaysOnSampler"},
		{"clamps above one", 2.0, "AlwaysOnSampler"},
		{"ratio", 0.5, "TraceIDRatioBased{0.5}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := newSampler(config.TracingConfig{SamplingRate: tt.rate}).Description()
			if !strings.Contains(desc, "ParentBased") || !strings.Contains(desc, tt.want) {
				t.Errorf("sampler description = %q, want ParentBased with %s", desc, tt.want)
			}
		})
	}
}

func spanAttrMap(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string)
	for _, a := range s.Attributes {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}
