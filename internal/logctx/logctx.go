// Package logctx carries a logger and log correlation fields on a context.
package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey contextKey = "logger"

	downloadIDKey contextKey = "download_id"
	requestIDKey  contextKey = "request_id"
)

// correlationKeys lists the context values TraceHandler copies onto records.
// The key's string form is the log field name.
var correlationKeys = []contextKey{downloadIDKey, requestIDKey}

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}

// WithDownloadID tags ctx with the download being worked on.
func WithDownloadID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, downloadIDKey, id)
}

// DownloadIDFromContext returns the download id stored on ctx, if any.
func DownloadIDFromContext(ctx context.Context) (string, bool) {
	return lookup(ctx, downloadIDKey)
}

// WithRequestID tags ctx with the id of the API request being served.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request id stored on ctx, if any.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	return lookup(ctx, requestIDKey)
}

func lookup(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)

	return v, ok && v != ""
}
