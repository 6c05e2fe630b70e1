// Package observability provides structured logging, Prometheus metrics,
// and OpenTelemetry tracing helpers shared across the chat core.
//
// Grounded on haasonsaas-nexus/internal/observability/logging.go (slog
// setup) and metrics.go (Prometheus registration style).
package observability

import (
	"context"
	"log/slog"
	"os"
)

// LogFormat selects the slog handler used for output.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// NewLogger builds a *slog.Logger writing to stderr in the given format at
// the given level. format defaults to JSON (production) when empty.
func NewLogger(format LogFormat, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == LogFormatText {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

type ctxKey int

const loggerCtxKey ctxKey = iota

// WithLogger attaches a request-scoped logger to ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey, logger)
}

// FromContext returns the logger attached by WithLogger, or slog.Default()
// if none was attached.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerCtxKey).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}

// WithRequest returns a context whose logger is annotated with request_id
// and session_key fields, the pair attached to nearly every log line
// emitted along the orchestrator pipeline.
func WithRequest(ctx context.Context, requestID, sessionKey string) context.Context {
	logger := FromContext(ctx).With("request_id", requestID, "session_key", sessionKey)
	return WithLogger(ctx, logger)
}
