// Package observability provides structured logging and metrics collection
// for the Thrall pipeline engine.
//
// Logger wraps log/slog with node-specific context fields.
// Metrics collects run counts, latencies, and error counts.
package observability

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Logger wraps slog with a persistent node-id field and any fields added
// via With.
type Logger struct {
	mu     sync.RWMutex
	inner  *slog.Logger
	node   string
	fields []slog.Attr
}

// NewLogger creates a structured logger tagged with the owning node's id.
// Output defaults to os.Stderr if w is nil.
func NewLogger(nodeID string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	return &Logger{
		inner: slog.New(handler),
		node:  nodeID,
	}
}

// NewLoggerWithHandler creates a logger with a custom slog handler.
func NewLoggerWithHandler(nodeID string, h slog.Handler) *Logger {
	return &Logger{
		inner: slog.New(h),
		node:  nodeID,
	}
}

// With returns a new Logger with additional persistent fields.
func (l *Logger) With(key string, value any) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{
		inner:  l.inner.With(slog.Any(key, value)),
		node:   l.node,
		fields: append(l.fields, slog.Any(key, value)),
	}
}

// attrs prepends the node id to the arguments.
func (l *Logger) attrs(msg string, args []any) (string, []any) {
	return msg, append([]any{slog.String("node", l.node)}, args...)
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(msg string, args ...any) {
	msg, args = l.attrs(msg, args)
	l.inner.Debug(msg, args...)
}

// Info logs at INFO level.
func (l *Logger) Info(msg string, args ...any) {
	msg, args = l.attrs(msg, args)
	l.inner.Info(msg, args...)
}

// Warn logs at WARN level.
func (l *Logger) Warn(msg string, args ...any) {
	msg, args = l.attrs(msg, args)
	l.inner.Warn(msg, args...)
}

// Error logs at ERROR level.
func (l *Logger) Error(msg string, args ...any) {
	msg, args = l.attrs(msg, args)
	l.inner.Error(msg, args...)
}

// Stage logs one pipeline stage event (trigger, filter, evaluate, action)
// for a given recipe.
func (l *Logger) Stage(stage, recipe, msg string, args ...any) {
	allArgs := append([]any{
		slog.String("node", l.node),
		slog.String("stage", stage),
		slog.String("recipe", recipe),
	}, args...)
	l.inner.Info(msg, allArgs...)
}

// BreakerEvent logs a breaker trip or loop/knock block.
func (l *Logger) BreakerEvent(event, target, reason string, args ...any) {
	allArgs := append([]any{
		slog.String("node", l.node),
		slog.String("event", event),
		slog.String("target", target),
		slog.String("reason", reason),
	}, args...)
	l.inner.Info("breaker", allArgs...)
}

// NodeID returns the node id associated with this logger.
func (l *Logger) NodeID() string {
	return l.node
}
