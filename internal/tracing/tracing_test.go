package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagator())
	return exporter
}

func TestCollectorEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{
			name:     "with http:// prefix",
			envValue: "http://collector:4318",
			expected: "collector:4318",
		},
		{
			name:     "with https:// prefix",
			envValue: "https://collector:4318",
			expected: "collector:4318",
		},
		{
			name:     "without protocol prefix",
			envValue: "otel-collector.monitoring.svc.cluster.local:4318",
			expected: "otel-collector.monitoring.svc.cluster.local:4318",
		},
		{
			name:     "empty environment variable",
			envValue: "",
			expected: "localhost:4318",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", tt.envValue)

			if got := collectorEndpoint(); got != tt.expected {
				t.Errorf("collectorEndpoint() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestInstanceID(t *testing.T) {
	tests := []struct {
		name     string
		hostname string
		podName  string
		expected string
	}{
		{name: "hostname wins", hostname: "host-1", podName: "pod-1", expected: "host-1"},
		{name: "pod name fallback", hostname: "", podName: "taskbridge-worker-abc123", expected: "taskbridge-worker-abc123"},
		{name: "unknown", hostname: "", podName: "", expected: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HOSTNAME", tt.hostname)
			t.Setenv("POD_NAME", tt.podName)

			if got := instanceID(); got != tt.expected {
				t.Errorf("instanceID() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestInitTracing_Disabled(t *testing.T) {
	t.Setenv("OTEL_SDK_DISABLED", "true")

	shutdown, err := InitTracing(context.Background(), "taskbridge-test")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if shutdown == nil {
		t.Fatal("InitTracing() returned nil shutdown")
	}
	shutdown()
}

func TestStartSpan_RecordsAttributesEventsAndErrors(t *testing.T) {
	exporter := setupTracer(t)

	ctx, span := StartSpan(context.Background(), "task.execute", attribute.String("task", "app.tasks.ping"))
	AddSpanEvent(ctx, "request.restored", attribute.Bool("snapshot", true))
	SetSpanError(ctx, errors.New("boom"))
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	got := spans[0]
	if got.Name != "task.execute" {
		t.Errorf("span name = %q, want %q", got.Name, "task.execute")
	}
	if len(got.Events) < 1 || got.Events[0].Name != "request.restored" {
		t.Errorf("span events = %v, want request.restored first", got.Events)
	}
	if got.Status.Code != codes.Error {
		t.Errorf("span status = %v, want Error", got.Status.Code)
	}
	foundAttr := false
	for _, kv := range got.Attributes {
		if kv.Key == "task" && kv.Value.AsString() == "app.tasks.ping" {
			foundAttr = true
		}
	}
	if !foundAttr {
		t.Errorf("span attributes = %v, want task=app.tasks.ping", got.Attributes)
	}
}

func TestGetTraceID_NoSpan(t *testing.T) {
	if got := GetTraceID(context.Background()); got != "" {
		t.Errorf("GetTraceID() = %q, want empty without span", got)
	}
}

func TestTraceRoundTripThroughMessageHeaders(t *testing.T) {
	setupTracer(t)

	ctx, span := StartSpan(context.Background(), "publish")
	defer span.End()

	originalTraceID := GetTraceID(ctx)
	if originalTraceID == "" {
		t.Fatal("GetTraceID() empty for active span")
	}

	headers := PropagateTraceToMessage(ctx)
	if _, ok := headers["traceparent"]; !ok {
		t.Fatalf("PropagateTraceToMessage() = %v, want traceparent", headers)
	}

	workerCtx := ExtractTraceFromMessage(context.Background(), headers)
	workerCtx, child := StartSpan(workerCtx, "task.execute")
	defer child.End()

	if got := GetTraceID(workerCtx); got != originalTraceID {
		t.Errorf("trace ID after round trip = %s, want %s", got, originalTraceID)
	}
}

func TestExtractTraceFromMessage_Invalid(t *testing.T) {
	setupTracer(t)

	for _, headers := range []map[string]string{nil, {}, {"traceparent": "invalid"}} {
		ctx := ExtractTraceFromMessage(context.Background(), headers)
		if GetTraceID(ctx) != "" {
			t.Errorf("ExtractTraceFromMessage(%v) produced a trace id", headers)
		}
	}
}

func TestAddSpanEvent_NoSpan(t *testing.T) {
	// a context without a span must not panic
	AddSpanEvent(context.Background(), "task.retry", attribute.Int("task.retries", 1))
	SetSpanError(context.Background(), errors.New("boom"))
}
