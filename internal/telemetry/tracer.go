// Package telemetry owns the gateway's OpenTelemetry wiring: a tracer
// provider exporting spans over OTLP, and a meter provider backing an
// in-process OTel mirror of the state-transition counter in
// internal/metrics. Tracing is optional -- a deployment that never sets
// LOCKER_TRACING_ENABLED runs with the no-op global tracer provider; the
// meter provider is installed either way.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config controls whether and how spans/metrics leave the process.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// Exporter selects the OTLP transport: "grpc" or "http". Ignored when
	// Enabled is false.
	Exporter string
	// Endpoint is the OTLP collector address, e.g. "localhost:4317" for
	// grpc or "localhost:4318" for http.
	Endpoint string
	// SamplingRate is the fraction of traces kept, 0.0-1.0.
	SamplingRate float64
}

// Provider owns the tracer (and, via NewMeterProvider, meter) lifecycle for
// the process. A disabled Provider installs the no-op global tracer so
// every call site can unconditionally call telemetry.Tracer(...).Start
// without a nil check.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// NewProvider installs cfg's tracer provider as the OpenTelemetry global
// and returns a handle for graceful shutdown.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return &Provider{}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "grpc":
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
	case "http", "":
		exporter, err = otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("telemetry: unsupported exporter %q (want grpc or http)", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: create %s exporter: %w", cfg.Exporter, err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SamplingRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return &Provider{tp: tp}, nil
}

// Shutdown flushes and closes the exporter. A no-op Provider (tracing
// disabled) returns nil immediately.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.tp.Shutdown(shutdownCtx)
}

// Tracer returns a named tracer against the current global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
