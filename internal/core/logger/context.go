package logger

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// WithContext attaches l to ctx so that collaborators called for a job log
// through the job's logger.
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger attached to ctx, or fallback.
func FromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	if fallback == nil {
		return Discard()
	}
	return fallback
}
