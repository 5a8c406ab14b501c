// Package telemetry configures OpenTelemetry tracing for the monitor daemon.
//
// Custom span attributes use the `glasswatch.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "glasswatch/monitor"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("glasswatch"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartTickSpan creates the parent span for one observation tick.
func StartTickSpan(ctx context.Context, seq uint64) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "monitor.tick",
		trace.WithAttributes(
			attribute.Int64("glasswatch.tick", int64(seq)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartPollSpan creates a child span for the observation source poll.
func StartPollSpan(ctx context.Context) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "monitor.poll")
}

// EndPollSpan enriches the poll span with the observation count.
func EndPollSpan(span trace.Span, observations int, err error) {
	span.SetAttributes(attribute.Int("glasswatch.observations", observations))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// StartDispatchSpan creates a child span for alert dispatch of one
// confirmed status change.
func StartDispatchSpan(ctx context.Context, service, newStatus string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "alert.dispatch",
		trace.WithAttributes(
			attribute.String("glasswatch.service", service),
			attribute.String("glasswatch.new_status", newStatus),
		),
	)
}

// EndDispatchSpan enriches the dispatch span with attempt outcomes.
func EndDispatchSpan(span trace.Span, attempts, failures int) {
	span.SetAttributes(
		attribute.Int("glasswatch.attempts", attempts),
		attribute.Int("glasswatch.failures", failures),
	)
	span.End()
}
