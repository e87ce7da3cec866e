// Package logctx carries a *slog.Logger through context.Context.
package logctx

import (
	"context"
	"io"
	"log/slog"
)

type contextKey string

const loggerKey contextKey = "logger"

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

// With derives a logger with the given attributes from the one in ctx and
// returns both the new context and the derived logger.
func With(ctx context.Context, args ...any) (context.Context, *slog.Logger) {
	logger := LoggerFromContext(ctx).With(args...)

	return WithLogger(ctx, logger), logger
}

// NewHandler builds the process-wide handler: JSON to w at the given level,
// with trace and span ids injected from the active span.
func NewHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return NewTraceHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}
