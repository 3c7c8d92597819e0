package engine

import (
	"context"

	loggingpkg "github.com/drblury/msgflow/internal/engine/logging"
	metadatapkg "github.com/drblury/msgflow/internal/engine/metadata"
)

// MetadataKeyCorrelationID is the envelope header carrying the correlation
// identifier. The router assigns a fresh ULID when an inbound or outbound
// message arrives without one.
const MetadataKeyCorrelationID = "msgflow_correlation_id"

type contextKey int

const (
	metadataContextKey contextKey = iota
	loggerContextKey
)

func withMetadata(ctx context.Context, md metadatapkg.Metadata) context.Context {
	return context.WithValue(ctx, metadataContextKey, md)
}

// MetadataFromContext returns the envelope headers of the message being
// handled, or an empty map outside a handler invocation.
func MetadataFromContext(ctx context.Context) metadatapkg.Metadata {
	if md, ok := ctx.Value(metadataContextKey).(metadatapkg.Metadata); ok {
		return md
	}
	return metadatapkg.Metadata{}
}

func withLogger(ctx context.Context, log loggingpkg.ServiceLogger) context.Context {
	return context.WithValue(ctx, loggerContextKey, log)
}

// LoggerFromContext returns the per-message child logger carrying the
// correlation id, falling back to fallback outside a handler invocation.
func LoggerFromContext(ctx context.Context, fallback loggingpkg.ServiceLogger) loggingpkg.ServiceLogger {
	if log, ok := ctx.Value(loggerContextKey).(loggingpkg.ServiceLogger); ok {
		return log
	}
	return fallback
}
