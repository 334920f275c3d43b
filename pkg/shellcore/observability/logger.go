// Package observability provides structured logging, metrics, and tracing
// for the shell core.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LogSettings selects the logger level and output format.
type LogSettings struct {
	Level  string // debug, info, warn, error
	Format string // text, json
	Output io.Writer
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a logger from settings. Output defaults to stderr.
func NewLogger(settings LogSettings) *slog.Logger {
	out := settings.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(settings.Level)}

	var handler slog.Handler
	switch strings.ToLower(settings.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

// DiscardLogger returns a logger that drops everything. Useful in tests.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// EnrichLogger adds a component name to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, "queue")
//	enriched.Info("replay starting") // includes component=queue
func EnrichLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("component", component))
}

// WithExecution adds execution context to a logger.
func WithExecution(logger *slog.Logger, executionID, action, ruleID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	attrs := []any{
		slog.String("execution_id", executionID),
		slog.String("action", action),
	}
	if ruleID != "" {
		attrs = append(attrs, slog.String("rule_id", ruleID))
	}
	return logger.With(attrs...)
}

// LogExecutionStart logs an automation starting.
func LogExecutionStart(logger *slog.Logger) {
	if logger == nil {
		return
	}
	logger.Debug("automation starting")
}

// LogExecutionEnd logs an automation reaching a terminal state.
func LogExecutionEnd(logger *slog.Logger, status string, duration time.Duration, err error) {
	if logger == nil {
		return
	}
	attrs := []any{
		slog.String("status", status),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		logger.Warn("automation ended", attrs...)
		return
	}
	logger.Info("automation ended", attrs...)
}

// LogEventDropped logs a queued event that will never be delivered.
func LogEventDropped(logger *slog.Logger, eventID, eventType, reason string) {
	if logger == nil {
		return
	}
	logger.Warn("queued event dropped",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("reason", reason),
	)
}

// LogPersistError logs a storage write failure (non-fatal).
func LogPersistError(logger *slog.Logger, key string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("persist failed",
		slog.String("key", key),
		slog.String("error", err.Error()),
	)
}
