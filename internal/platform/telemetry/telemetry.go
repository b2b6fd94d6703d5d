// Package telemetry wires OpenTelemetry tracing with a Jaeger collector
// exporter. The runner opens one span per workflow execution and per
// resume; disabled tracing degrades to no-op spans.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Config for tracing.
type Config struct {
	ServiceName    string
	JaegerEndpoint string
	TracingEnabled bool
}

// Telemetry holds the tracer provider lifecycle.
type Telemetry struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// New creates a telemetry instance. With tracing disabled, spans come from
// the global no-op tracer.
func New(cfg Config) (*Telemetry, error) {
	t := &Telemetry{}
	if !cfg.TracingEnabled {
		t.tracer = otel.Tracer(cfg.ServiceName)
		return t, nil
	}

	exporter, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("create jaeger exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
		)),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)

	t.provider = provider
	t.tracer = otel.Tracer(cfg.ServiceName)
	return t, nil
}

// StartExecutionSpan opens a span for driving one execution.
func (t *Telemetry) StartExecutionSpan(ctx context.Context, name, workflowID, executionID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.String("execution.id", executionID),
	))
}

// Tracer returns the underlying tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Close flushes and shuts down the provider.
func (t *Telemetry) Close() error {
	if t.provider != nil {
		return t.provider.Shutdown(context.Background())
	}
	return nil
}
