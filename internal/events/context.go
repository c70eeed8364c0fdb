package events

import (
	"context"
	"io"
	"sync"
)

type contextKey int

const (
	loggerKey contextKey = iota
	resourceIDKey
	sessionIDKey
)

// FromContext extracts logger from context.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

// WithLogger adds logger to context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithResourceID adds a resource ID to context.
func WithResourceID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("resource_id", id)
	ctx = context.WithValue(ctx, resourceIDKey, id)
	return WithLogger(ctx, logger)
}

// WithSessionID adds a push connection session ID to context.
func WithSessionID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("session_id", id)
	ctx = context.WithValue(ctx, sessionIDKey, id)
	return WithLogger(ctx, logger)
}

// GetResourceID retrieves the resource ID from context.
func GetResourceID(ctx context.Context) string {
	if id, ok := ctx.Value(resourceIDKey).(string); ok {
		return id
	}
	return ""
}

// GetSessionID retrieves the session ID from context.
func GetSessionID(ctx context.Context) string {
	if id, ok := ctx.Value(sessionIDKey).(string); ok {
		return id
	}
	return ""
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = newLogger(InfoLevel, "text", io.Discard)
)

// Default returns the process-wide fallback logger.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}
