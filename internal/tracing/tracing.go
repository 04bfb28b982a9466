// Package tracing wires optional OpenTelemetry export for the pipeline.
package tracing

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config holds tracing configuration.
type Config struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
}

// Initialize sets up OpenTelemetry tracing. When disabled it returns a
// no-op tracer so callers never have to branch on the setting.
// Returns the tracer, a shutdown function, and an error.
func Initialize(cfg Config, logger *slog.Logger) (trace.Tracer, func(context.Context) error, error) {
	if !cfg.Enabled {
		logger.Info("tracing disabled, using no-op tracer")
		return noop.NewTracerProvider().Tracer(cfg.ServiceName), func(ctx context.Context) error { return nil }, nil
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	logger.Info("initializing tracing", "endpoint", endpoint, "service", cfg.ServiceName)

	exporter, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer := tp.Tracer(cfg.ServiceName)
	shutdown := func(ctx context.Context) error {
		logger.Info("shutting down tracer provider")
		return tp.Shutdown(ctx)
	}

	return tracer, shutdown, nil
}
