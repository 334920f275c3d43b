package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records shell core metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordEmit records an emitted event and whether it was delivered
	// synchronously ("sync") or handed to the queue ("queued").
	RecordEmit(ctx context.Context, eventType, path string)

	// RecordListenerFailure records a listener that failed to handle an event.
	RecordListenerFailure(ctx context.Context, eventType string)

	// RecordQueueDepth records the current queue depth.
	RecordQueueDepth(ctx context.Context, depth int)

	// RecordQueueDrop records an event removed from the queue without delivery.
	RecordQueueDrop(ctx context.Context, reason string)

	// RecordReplay records a completed replay pass.
	RecordReplay(ctx context.Context, delivered, failed int, duration time.Duration)

	// RecordExecution records an automation reaching a terminal state.
	RecordExecution(ctx context.Context, action, status string, duration time.Duration)

	// RecordRuleMatch records a rule firing.
	RecordRuleMatch(ctx context.Context, ruleID string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	emits             metric.Int64Counter
	listenerFailures  metric.Int64Counter
	queueDepth        metric.Int64Gauge
	queueDrops        metric.Int64Counter
	replayDelivered   metric.Int64Counter
	replayFailed      metric.Int64Counter
	replayLatency     metric.Float64Histogram
	executions        metric.Int64Counter
	executionDuration metric.Float64Histogram
	ruleMatches       metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("shellcore")
	m := &otelMetrics{}
	var err error

	if m.emits, err = meter.Int64Counter("shellcore.event.emits",
		metric.WithDescription("Number of emitted events"),
	); err != nil {
		return nil, err
	}

	if m.listenerFailures, err = meter.Int64Counter("shellcore.event.listener_failures",
		metric.WithDescription("Number of listener failures during delivery"),
	); err != nil {
		return nil, err
	}

	if m.queueDepth, err = meter.Int64Gauge("shellcore.queue.depth",
		metric.WithDescription("Number of events waiting in the queue"),
	); err != nil {
		return nil, err
	}

	if m.queueDrops, err = meter.Int64Counter("shellcore.queue.drops",
		metric.WithDescription("Number of queued events dropped without delivery"),
	); err != nil {
		return nil, err
	}

	if m.replayDelivered, err = meter.Int64Counter("shellcore.queue.replay.delivered",
		metric.WithDescription("Number of events delivered by replay"),
	); err != nil {
		return nil, err
	}

	if m.replayFailed, err = meter.Int64Counter("shellcore.queue.replay.failed",
		metric.WithDescription("Number of replay delivery failures"),
	); err != nil {
		return nil, err
	}

	if m.replayLatency, err = meter.Float64Histogram("shellcore.queue.replay.latency_ms",
		metric.WithDescription("Replay pass latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	if m.executions, err = meter.Int64Counter("shellcore.automation.executions",
		metric.WithDescription("Number of finished automation executions"),
	); err != nil {
		return nil, err
	}

	if m.executionDuration, err = meter.Float64Histogram("shellcore.automation.duration_ms",
		metric.WithDescription("Automation execution duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	if m.ruleMatches, err = meter.Int64Counter("shellcore.trigger.matches",
		metric.WithDescription("Number of rule matches that started an automation"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordEmit records an emitted event.
func (m *otelMetrics) RecordEmit(ctx context.Context, eventType, path string) {
	m.emits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("path", path),
	))
}

// RecordListenerFailure records a listener failure.
func (m *otelMetrics) RecordListenerFailure(ctx context.Context, eventType string) {
	m.listenerFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordQueueDepth records the queue depth.
func (m *otelMetrics) RecordQueueDepth(ctx context.Context, depth int) {
	m.queueDepth.Record(ctx, int64(depth))
}

// RecordQueueDrop records a dropped event.
func (m *otelMetrics) RecordQueueDrop(ctx context.Context, reason string) {
	m.queueDrops.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordReplay records a replay pass.
func (m *otelMetrics) RecordReplay(ctx context.Context, delivered, failed int, duration time.Duration) {
	m.replayDelivered.Add(ctx, int64(delivered))
	m.replayFailed.Add(ctx, int64(failed))
	m.replayLatency.Record(ctx, float64(duration.Milliseconds()))
}

// RecordExecution records a finished execution.
func (m *otelMetrics) RecordExecution(ctx context.Context, action, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("status", status),
	)
	m.executions.Add(ctx, 1, attrs)
	m.executionDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordRuleMatch records a rule match.
func (m *otelMetrics) RecordRuleMatch(ctx context.Context, ruleID string) {
	m.ruleMatches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("rule_id", ruleID),
	))
}
