package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// builder creates instruments and collects the first failure of each.
type builder struct {
	meter metric.Meter
	errs  []error
}

func (b *builder) keep(name string, err error) {
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("%s: %w", name, err))
	}
}

func (b *builder) err() error {
	return errors.Join(b.errs...)
}

func (b *builder) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.keep(name, err)

	return c
}

func (b *builder) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc), metric.WithUnit("1"))
	b.keep(name, err)

	return c
}

func (b *builder) seconds(name, desc string, bounds ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(bounds) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(bounds...))
	}

	h, err := b.meter.Float64Histogram(name, opts...)
	b.keep(name, err)

	return h
}

type httpMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

func newHTTPMetrics(b *builder) *httpMetrics {
	return &httpMetrics{
		requests: b.counter("http_requests_total", "Total number of HTTP requests", "1"),
		duration: b.seconds("http_request_duration_seconds", "HTTP request duration in seconds"),
		inFlight: b.upDown("http_requests_in_flight", "Number of HTTP requests currently being processed"),
	}
}

type queueMetrics struct {
	finished metric.Int64Counter
	active   metric.Int64UpDownCounter
	queued   metric.Int64UpDownCounter
	duration metric.Float64Histogram
	bytes    metric.Int64Counter
}

func newQueueMetrics(b *builder) *queueMetrics {
	return &queueMetrics{
		finished: b.counter("downloads_total", "Downloads that reached a final status", "1"),
		active:   b.upDown("downloads_active", "Downloads currently transferring"),
		queued:   b.upDown("downloads_queued", "Downloads waiting for a slot"),
		duration: b.seconds("download_duration_seconds", "Time spent transferring a download",
			1, 5, 15, 60, 300, 900, 3600),
		bytes: b.counter("download_bytes_total", "Bytes of completed downloads", "By"),
	}
}

type storeMetrics struct {
	ops      metric.Int64Counter
	duration metric.Float64Histogram
}

func newStoreMetrics(b *builder) *storeMetrics {
	return &storeMetrics{
		ops:      b.counter("db_operations_total", "Total number of database operations", "1"),
		duration: b.seconds("db_operation_duration_seconds", "Database operation duration in seconds"),
	}
}

type errorMetrics struct {
	total metric.Int64Counter
}

// newErrorMetrics also registers the uptime gauge, observed on every collection.
func newErrorMetrics(b *builder, started time.Time) *errorMetrics {
	_, err := b.meter.Float64ObservableGauge("system_uptime_seconds",
		metric.WithDescription("Seconds since the process started"),
		metric.WithUnit("s"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(time.Since(started).Seconds())

			return nil
		}),
	)
	b.keep("system_uptime_seconds", err)

	return &errorMetrics{
		total: b.counter("system_errors_total", "Errors that did not fail a request or a download", "1"),
	}
}

// RecordHTTPRequest records one served request.
func (t *Telemetry) RecordHTTPRequest(method, route, statusClass string, d time.Duration) {
	if t == nil || t.http == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", route),
		attribute.String("status", statusClass),
	)

	t.http.requests.Add(context.Background(), 1, attrs)
	t.http.duration.Record(context.Background(), d.Seconds(), attrs)
}

func (t *Telemetry) addInFlight(delta int64) {
	if t != nil && t.http != nil {
		t.http.inFlight.Add(context.Background(), delta)
	}
}

// RecordDownload records a download reaching a terminal status.
func (t *Telemetry) RecordDownload(status string, d time.Duration) {
	if t == nil || t.queue == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	t.queue.finished.Add(context.Background(), 1, attrs)
	t.queue.duration.Record(context.Background(), d.Seconds(), attrs)
}

// RecordBytes adds the size of a completed download.
func (t *Telemetry) RecordBytes(n int64) {
	if t != nil && t.queue != nil && n > 0 {
		t.queue.bytes.Add(context.Background(), n)
	}
}

// AddActive moves the transferring downloads gauge by delta.
func (t *Telemetry) AddActive(delta int64) {
	if t != nil && t.queue != nil && delta != 0 {
		t.queue.active.Add(context.Background(), delta)
	}
}

// AddQueued moves the queued downloads gauge by delta.
func (t *Telemetry) AddQueued(delta int64) {
	if t != nil && t.queue != nil && delta != 0 {
		t.queue.queued.Add(context.Background(), delta)
	}
}

// RecordDBOperation records one repository call.
func (t *Telemetry) RecordDBOperation(operation, status string, d time.Duration) {
	if t == nil || t.store == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.store.ops.Add(context.Background(), 1, attrs)
	t.store.duration.Record(context.Background(), d.Seconds(), attrs)
}

// RecordSystemError counts an error that was logged and absorbed.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t == nil || t.errors == nil {
		return
	}

	t.errors.total.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("error_type", errorType),
	))
}
