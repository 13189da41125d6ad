package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// NewMeterProvider installs a metric.MeterProvider as the OpenTelemetry
// global. Unlike the trace pipeline there is no OTLP metric exporter in
// this build (Prometheus's /metrics endpoint, internal/metrics, already
// covers scrape-based export) -- reader stays a ManualReader, giving
// in-process instruments (Instruments below) a real aggregation pipeline
// that tests can Collect from, without committing to a second export path
// for the same data Prometheus already serves.
func NewMeterProvider() *sdkmetric.MeterProvider {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(mp)
	return mp
}

// Instruments holds the counters recorded alongside spans for ownership
// state transitions -- a trace-correlated view of the same events
// internal/metrics exposes as Prometheus counters, aggregated by the
// ManualReader that NewMeterProvider installs.
type Instruments struct {
	lockerTransitions metric.Int64Counter
}

// NewInstruments creates the gateway's OTel metric instruments against the
// current global MeterProvider.
func NewInstruments() (*Instruments, error) {
	meter := otel.Meter("locker-gateway/statemgr")
	c, err := meter.Int64Counter("locker_gateway_state_transitions_total",
		metric.WithDescription("locker ownership state transitions, mirroring internal/metrics.LockerStateTransitions"))
	if err != nil {
		return nil, err
	}
	return &Instruments{lockerTransitions: c}, nil
}

// RecordTransition records one locker state-machine event, tagged the same
// way internal/metrics.LockerStateTransitions is.
func (i *Instruments) RecordTransition(ctx context.Context, event string) {
	if i == nil {
		return
	}
	i.lockerTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}
