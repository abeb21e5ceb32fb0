// Package telemetry sets up OpenTelemetry tracing for the certification service.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.26.0"
)

// TracerProvider is the global tracer provider
var TracerProvider *sdktrace.TracerProvider

// InitTracer initializes the OpenTelemetry tracer.
// Spans are exported as JSON to w, or to stdout when w is nil.
func InitTracer(serviceName, serviceVersion string, w io.Writer) (*sdktrace.TracerProvider, error) {
	opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if w != nil {
		opts = append(opts, stdouttrace.WithWriter(w))
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	// Create a resource with service information
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	TracerProvider = tp
	return tp, nil
}

// ShutdownTracer flushes remaining spans and shuts down the tracer provider
func ShutdownTracer(ctx context.Context) {
	if TracerProvider == nil {
		return
	}
	if err := TracerProvider.Shutdown(ctx); err != nil {
		slog.Error("error shutting down tracer provider", "error", err)
	}
	TracerProvider = nil
}
