package shellcore

import (
	"log/slog"

	"github.com/randalmurphal/shellcore/pkg/shellcore/automation"
	"github.com/randalmurphal/shellcore/pkg/shellcore/clock"
	"github.com/randalmurphal/shellcore/pkg/shellcore/connectivity"
	"github.com/randalmurphal/shellcore/pkg/shellcore/crosstab"
	"github.com/randalmurphal/shellcore/pkg/shellcore/observability"
)

type options struct {
	logger   *slog.Logger
	clock    clock.Clock
	channel  crosstab.Channel
	executor automation.Executor
	prober   connectivity.Prober
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager
	origin   string
}

// Option configures a Core.
type Option func(*options)

// WithLogger sets the logger. Default: built from the log settings.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock sets the clock used for timestamps, expiry and timeouts.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithChannel sets the broadcast channel to other browsing contexts.
// Without one, state is exchanged through the store if it is watchable.
func WithChannel(ch crosstab.Channel) Option {
	return func(o *options) {
		o.channel = ch
	}
}

// WithOrigin sets this context's identifier for cross-context messages.
func WithOrigin(origin string) Option {
	return func(o *options) {
		o.origin = origin
	}
}

// WithExecutor runs actions through ex instead of Core.Actions.
func WithExecutor(ex automation.Executor) Option {
	return func(o *options) {
		o.executor = ex
	}
}

// WithProber overrides the connectivity probe built from the settings.
func WithProber(p connectivity.Prober) Option {
	return func(o *options) {
		o.prober = p
	}
}

// WithMetrics sets the metrics recorder. Default: OpenTelemetry when
// telemetry is enabled, otherwise no-op.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithSpans sets the span manager. Default: OpenTelemetry when telemetry is
// enabled, otherwise no-op.
func WithSpans(s observability.SpanManager) Option {
	return func(o *options) {
		o.spans = s
	}
}
