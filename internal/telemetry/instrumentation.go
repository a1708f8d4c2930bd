package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes stay bounded. Download ids, URLs and file names belong in
// logs (see logctx.WithDownloadID).

// InstrumentedFunc is the unit of work wrapped by the Instrument helpers.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentDBOperation runs fn inside a span and records it as a repository
// call named operation.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.traced(ctx, "db_"+operation, "database", fn)

	t.RecordDBOperation(operation, outcome(err), time.Since(start))

	return err
}

// InstrumentDownload wraps a single transfer in a span and keeps the active
// gauge up for the duration of the call. The terminal status is recorded by
// the caller through RecordDownload, since a cancel can still win after the
// transfer returns.
func (t *Telemetry) InstrumentDownload(ctx context.Context, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	t.AddActive(1)
	defer t.AddActive(-1)

	return t.traced(ctx, "download", "scheduler", fn)
}

func (t *Telemetry) traced(ctx context.Context, name, component string, fn InstrumentedFunc) error {
	if t.tracer == nil {
		return fn(ctx)
	}

	ctx, span := t.tracer.Start(ctx, name)
	defer span.End()

	span.SetAttributes(attribute.String("component", component))

	err := fn(ctx)

	status := outcome(err)
	span.SetAttributes(attribute.String("status", status))

	if status == "error" {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return err
}

// outcome maps err to the status label shared by spans and metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
