// Package tracing wires OpenTelemetry into task publishing and execution.
// The trace context of the publisher travels in the message's trace headers
// so a worker's task.execute span joins the caller's trace.
package tracing

import (
	"context"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/austindbirch/taskbridge"

const defaultCollector = "localhost:4318"

// InitTracing installs a global tracer provider exporting to the OTLP/HTTP
// collector named by OTEL_EXPORTER_OTLP_ENDPOINT. With OTEL_SDK_DISABLED=true
// only the propagator is installed, so trace headers still flow through
// messages. The returned func flushes and stops the provider.
func InitTracing(ctx context.Context, serviceName string) (func(), error) {
	otel.SetTextMapPropagator(propagator())
	if strings.EqualFold(os.Getenv("OTEL_SDK_DISABLED"), "true") {
		return func() {}, nil
	}

	res, err := newResource(ctx, serviceName)
	if err != nil {
		return nil, err
	}
	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(collectorEndpoint()),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return func() { _ = tp.Shutdown(ctx) }, nil
}

func newResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(firstEnv("dev", "SERVICE_VERSION")),
			semconv.ServiceInstanceIDKey.String(instanceID()),
		),
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
	)
}

func propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

// firstEnv returns the first non-empty variable of keys, or def.
func firstEnv(def string, keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

func instanceID() string {
	return firstEnv("unknown", "HOSTNAME", "POD_NAME")
}

// collectorEndpoint returns host:port; otlptracehttp adds the scheme itself.
func collectorEndpoint() string {
	ep := firstEnv(defaultCollector, "OTEL_EXPORTER_OTLP_ENDPOINT")
	for _, scheme := range []string{"http://", "https://"} {
		if rest, ok := strings.CutPrefix(ep, scheme); ok {
			return rest
		}
	}
	return ep
}

// StartSpan starts a span on the taskbridge tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
}

// AddSpanEvent records a named event on the span carried by ctx. Without a
// recording span it does nothing.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanError marks the span carried by ctx as failed with err.
func SetSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GetTraceID returns the hex trace id of ctx's span, or "" when there is none.
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// PropagateTraceToMessage renders the trace context of ctx as message
// trace headers.
func PropagateTraceToMessage(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier
}

// ExtractTraceFromMessage returns ctx joined to the trace carried in a
// message's trace headers.
func ExtractTraceFromMessage(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}
