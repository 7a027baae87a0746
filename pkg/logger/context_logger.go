package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

const (
	ctxKeySessionID   ctxKey = "session_id"
	ctxKeyCharacterID ctxKey = "character_id"
	ctxKeyClientID    ctxKey = "client_id"
)

// WithSessionID tags the context for downstream log calls.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeySessionID, id)
}

// WithCharacterID tags the context for downstream log calls.
func WithCharacterID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyCharacterID, id)
}

// WithClientID tags the context for downstream log calls.
func WithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyClientID, id)
}

// ContextLogger enriches log entries with session identifiers carried
// in the context.
type ContextLogger struct {
	logger *zap.Logger
}

// NewContextLogger creates a new context logger.
func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

// WithContext returns the underlying logger with any session fields the
// context carries.
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	fields := []zapcore.Field{}

	for _, key := range []ctxKey{ctxKeySessionID, ctxKeyCharacterID, ctxKeyClientID} {
		if v := ctx.Value(key); v != nil {
			if s, ok := v.(string); ok {
				fields = append(fields, zap.String(string(key), s))
			}
		}
	}

	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

// WithError adds an error field.
func (cl *ContextLogger) WithError(err error) *zap.Logger {
	return cl.logger.With(zap.Error(err))
}
