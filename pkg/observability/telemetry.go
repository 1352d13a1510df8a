// Package observability provides OpenTelemetry tracing and metrics for
// the event core, with graceful degradation to no-ops when no exporter
// is configured.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Config configures the telemetry stack.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// TraceExporter is the pluggable span exporter. Nil disables tracing.
	TraceExporter sdktrace.SpanExporter

	// MetricReader is the pluggable metric reader. Nil disables metrics.
	MetricReader sdkmetric.Reader

	Logger *slog.Logger
}

// Telemetry bundles the configured providers and instruments.
type Telemetry struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Metrics        *Metrics
	Logger         *slog.Logger

	shutdownFuncs []func(context.Context) error
}

// Init sets up tracing and metrics. Missing exporters degrade to
// no-op providers so call sites never need nil checks.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tel := &Telemetry{Logger: cfg.Logger}

	if cfg.TraceExporter != nil {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(cfg.TraceExporter),
			sdktrace.WithResource(res),
		)
		tel.TracerProvider = tp
		tel.shutdownFuncs = append(tel.shutdownFuncs, tp.Shutdown)
		otel.SetTracerProvider(tp)
		cfg.Logger.Info("tracing initialized", "service", cfg.ServiceName)
	} else {
		tel.TracerProvider = nooptrace.NewTracerProvider()
		cfg.Logger.Debug("tracing disabled, no exporter configured")
	}

	if cfg.MetricReader != nil {
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(cfg.MetricReader),
			sdkmetric.WithResource(res),
		)
		tel.MeterProvider = mp
		tel.shutdownFuncs = append(tel.shutdownFuncs, mp.Shutdown)
		otel.SetMeterProvider(mp)
		cfg.Logger.Info("metrics initialized", "service", cfg.ServiceName)
	} else {
		tel.MeterProvider = noopmetric.NewMeterProvider()
		cfg.Logger.Debug("metrics disabled, no reader configured")
	}

	metrics, err := NewMetrics(tel.MeterProvider.Meter("eventcore"))
	if err != nil {
		tel.Shutdown(ctx)
		return nil, fmt.Errorf("create metrics: %w", err)
	}
	tel.Metrics = metrics

	return tel, nil
}

// Tracer returns a named tracer from the configured provider.
func (t *Telemetry) Tracer(name string) trace.Tracer {
	return t.TracerProvider.Tracer(name)
}

// Shutdown flushes and stops the configured providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdownFuncs {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
