package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of shellcore spans.
const TracerName = "github.com/randalmurphal/shellcore"

// Span names.
const (
	SpanExecution = "automation.execute"
	SpanReplay    = "queue.replay"
)

// SpanManager opens the spans around automation executions and replay
// passes. Use NewSpanManager for OpenTelemetry or NoopSpanManager{}.
type SpanManager interface {
	// StartExecutionSpan covers one execution from start to its terminal
	// status.
	StartExecutionSpan(ctx context.Context, action, executionID, ruleID string) (context.Context, trace.Span)

	// StartReplaySpan covers one replay pass over depth queued events.
	StartReplaySpan(ctx context.Context, depth int) (context.Context, trace.Span)

	// EndSpanWithError ends span with an error status when err is non-nil.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent records an event on the span carried by ctx.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

type otelSpans struct {
	tracer trace.Tracer
}

// NewSpanManager creates spans with tp, or with the global provider when tp
// is nil.
func NewSpanManager(tp trace.TracerProvider) SpanManager {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return otelSpans{tracer: tp.Tracer(TracerName)}
}

func (s otelSpans) StartExecutionSpan(ctx context.Context, action, executionID, ruleID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("automation.action", action),
		attribute.String("automation.execution_id", executionID),
	}
	if ruleID != "" {
		attrs = append(attrs, attribute.String("automation.rule_id", ruleID))
	}
	return s.tracer.Start(ctx, SpanExecution, trace.WithAttributes(attrs...))
}

func (s otelSpans) StartReplaySpan(ctx context.Context, depth int) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, SpanReplay, trace.WithAttributes(attribute.Int("queue.depth", depth)))
}

func (otelSpans) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (otelSpans) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}
