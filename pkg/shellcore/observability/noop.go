package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
// Use when metrics are disabled to avoid overhead.
type NoopMetrics struct{}

// Compile-time interface check.
var _ MetricsRecorder = NoopMetrics{}

// RecordEmit does nothing.
func (NoopMetrics) RecordEmit(_ context.Context, _, _ string) {}

// RecordListenerFailure does nothing.
func (NoopMetrics) RecordListenerFailure(_ context.Context, _ string) {}

// RecordQueueDepth does nothing.
func (NoopMetrics) RecordQueueDepth(_ context.Context, _ int) {}

// RecordQueueDrop does nothing.
func (NoopMetrics) RecordQueueDrop(_ context.Context, _ string) {}

// RecordReplay does nothing.
func (NoopMetrics) RecordReplay(_ context.Context, _, _ int, _ time.Duration) {}

// RecordExecution does nothing.
func (NoopMetrics) RecordExecution(_ context.Context, _, _ string, _ time.Duration) {}

// RecordRuleMatch does nothing.
func (NoopMetrics) RecordRuleMatch(_ context.Context, _ string) {}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

// Compile-time interface check.
var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartExecutionSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartExecutionSpan(ctx context.Context, _, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartReplaySpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartReplaySpan(ctx context.Context, _ int) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(_ trace.Span, _ error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(_ context.Context, _ string, _ ...attribute.KeyValue) {}
