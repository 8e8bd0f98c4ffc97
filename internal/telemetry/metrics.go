// Package telemetry exports device-layer metrics over OTLP. A nil
// *Metrics is a valid no-op recorder, so instrumented code never needs
// to check whether telemetry is enabled.
package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Metrics holds the metric instruments of the device layer.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	asyncEvents   metric.Int64Counter
	ahCacheHits   metric.Int64Counter
	ahCacheMisses metric.Int64Counter
	portChecks    metric.Int64Counter
}

// NewMetrics creates a metrics instance exporting to an OTLP gRPC
// collector. instanceID identifies this process (typically hostname).
func NewMetrics(ctx context.Context, instanceID, collectorAddr string) (*Metrics, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("ibcore"),
			semconv.ServiceVersion("0.1.0"),
			semconv.ServiceInstanceID(instanceID),
		),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(collectorAddr),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(provider)

	m := &Metrics{
		provider: provider,
		meter:    provider.Meter("ibcore/device"),
	}
	if err := m.initInstruments(); err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}

	log.Debug().Str("collector", collectorAddr).Msg("device telemetry enabled")
	return m, nil
}

func (m *Metrics) initInstruments() error {
	var err error
	if m.asyncEvents, err = m.meter.Int64Counter("ib.device.async_events",
		metric.WithDescription("Asynchronous hardware events observed per device")); err != nil {
		return err
	}
	if m.ahCacheHits, err = m.meter.Int64Counter("ib.device.ah_cache.hits",
		metric.WithDescription("Address-handle cache hits")); err != nil {
		return err
	}
	if m.ahCacheMisses, err = m.meter.Int64Counter("ib.device.ah_cache.misses",
		metric.WithDescription("Address-handle cache misses (handles created)")); err != nil {
		return err
	}
	if m.portChecks, err = m.meter.Int64Counter("ib.device.port_checks",
		metric.WithDescription("Port capability check outcomes")); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the exporter.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordAsyncEvent counts one async hardware event on device.
func (m *Metrics) RecordAsyncEvent(device string) {
	if m == nil {
		return
	}
	m.asyncEvents.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("device", device)))
}

// RecordAHCacheHit counts an address-handle cache hit.
func (m *Metrics) RecordAHCacheHit(device string) {
	if m == nil {
		return
	}
	m.ahCacheHits.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("device", device)))
}

// RecordAHCacheMiss counts an address-handle cache miss.
func (m *Metrics) RecordAHCacheMiss(device string) {
	if m == nil {
		return
	}
	m.ahCacheMisses.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("device", device)))
}

// RecordPortCheck counts one port capability check outcome.
func (m *Metrics) RecordPortCheck(device string, outcome string) {
	if m == nil {
		return
	}
	m.portChecks.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("device", device),
			attribute.String("outcome", outcome)))
}
