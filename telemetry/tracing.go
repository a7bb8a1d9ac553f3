// Package telemetry sets up OpenTelemetry tracing and metrics for the
// monitoring engine.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds exporter configuration shared by tracing and metrics.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Endpoint       string  // OTLP HTTP endpoint; empty disables export
	SampleRate     float64 // 0.0 to 1.0
	Insecure       bool
}

// TracingProvider provides tracing functionality.
type TracingProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

func newResource(ctx context.Context, config Config) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			attribute.String("environment", config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// NewTracingProvider creates a tracer provider and installs it globally.
func NewTracingProvider(ctx context.Context, config Config) (*TracingProvider, error) {
	res, err := newResource(ctx, config)
	if err != nil {
		return nil, err
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case config.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SampleRate)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}

	if config.Endpoint != "" {
		exporterOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.Endpoint)}
		if config.Insecure {
			exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	provider := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracingProvider{
		provider: provider,
		tracer:   provider.Tracer(config.ServiceName),
	}, nil
}

// Tracer returns the tracer for creating spans.
func (t *TracingProvider) Tracer() trace.Tracer {
	return t.tracer
}

// Shutdown flushes and stops the provider.
func (t *TracingProvider) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

// TraceID returns the trace ID from context.
func TraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

// SetSpanError records an error on the current span.
func SetSpanError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TaskAttributes describes one run of a scheduled task.
func TaskAttributes(name string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("task.name", name),
	}
}

// TripAttributes identifies the trip, and the driver when known, a span
// is about.
func TripAttributes(tripID, driverID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("trip.id", tripID),
	}
	if driverID != "" {
		attrs = append(attrs, attribute.String("driver.id", driverID))
	}
	return attrs
}

// DatabaseAttributes returns common database span attributes.
func DatabaseAttributes(dbType, operation, container string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("db.system", dbType),
		attribute.String("db.operation", operation),
		attribute.String("db.collection", container),
	}
}

// WrapDatabaseOperation runs fn inside a client span.
func WrapDatabaseOperation(ctx context.Context, tracer trace.Tracer, dbType, operation, container string, fn func(context.Context) error) error {
	if tracer == nil {
		return fn(ctx)
	}
	ctx, span := tracer.Start(ctx, fmt.Sprintf("%s %s", operation, container),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(DatabaseAttributes(dbType, operation, container)...),
	)
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	return err
}

// WrapMessagingOperation runs fn inside a producer span named after
// operation and destination.
func WrapMessagingOperation(ctx context.Context, tracer trace.Tracer, system, destination, operation string, fn func(context.Context) error) error {
	if tracer == nil {
		return fn(ctx)
	}
	ctx, span := tracer.Start(ctx, fmt.Sprintf("%s %s", operation, destination),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", system),
			attribute.String("messaging.destination.name", destination),
			attribute.String("messaging.operation", operation),
		),
	)
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	return err
}
