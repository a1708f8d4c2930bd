// Package telemetry wires OpenTelemetry metrics and traces for the download
// manager and exposes them for Prometheus scraping.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace"
)

const defaultExportInterval = 30 * time.Second

// Telemetry holds the meter provider and the instruments recorded by the
// queue, the HTTP surface and the repository. A nil *Telemetry and a zero
// Telemetry are both valid and record nothing.
type Telemetry struct {
	provider *sdkmetric.MeterProvider
	tracer   trace.Tracer
	exporter *prometheus.Exporter

	http   *httpMetrics
	queue  *queueMetrics
	store  *storeMetrics
	errors *errorMetrics
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint enables pushing metrics over OTLP/gRPC next to the
	// Prometheus pull endpoint.
	OTLPEndpoint   string
	ExportInterval time.Duration

	// Readers are attached in addition to the Prometheus exporter.
	Readers []sdkmetric.Reader
}

// New builds the meter provider and registers every instrument. With
// telemetry disabled it returns an inert Telemetry.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	readers, exporter, err := newReaders(ctx, cfg)
	if err != nil {
		return nil, err
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		)),
	}

	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	provider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)

	if err := otelruntime.Start(otelruntime.WithMeterProvider(provider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	b := &builder{meter: provider.Meter(cfg.ServiceName)}

	t := &Telemetry{
		provider: provider,
		tracer:   otel.Tracer(cfg.ServiceName),
		exporter: exporter,
		http:     newHTTPMetrics(b),
		queue:    newQueueMetrics(b),
		store:    newStoreMetrics(b),
		errors:   newErrorMetrics(b, time.Now()),
	}

	if err := b.err(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return t, nil
}

// newReaders returns the Prometheus reader and, when configured, a periodic
// OTLP reader.
func newReaders(ctx context.Context, cfg Config) ([]sdkmetric.Reader, *prometheus.Exporter, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	readers := append([]sdkmetric.Reader{exporter}, cfg.Readers...)

	if cfg.OTLPEndpoint == "" {
		return readers, exporter, nil
	}

	push, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create otlp exporter: %w", err)
	}

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = defaultExportInterval
	}

	return append(readers, sdkmetric.NewPeriodicReader(push, sdkmetric.WithInterval(interval))), exporter, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("")
	}

	return t.tracer
}

// Handler serves the Prometheus exposition, or 404 when telemetry is off.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown flushes pending exports and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}

	return t.provider.Shutdown(ctx)
}
