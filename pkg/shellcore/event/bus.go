package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/randalmurphal/shellcore/pkg/shellcore/observability"
)

// Listener receives events synchronously. Listeners must not assume
// asynchronous delivery and should not panic; the bus recovers panics but
// correctness should not rely on it.
type Listener func(Event)

// CheckedListener is a listener that reports failure by returning an error.
// Returned errors are treated like recovered panics; wrap them with
// errors.Permanent to stop the queue from retrying the event.
type CheckedListener func(Event) error

// Enqueuer accepts events for deferred delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, evt Event) error
}

// OnlineSource reports connectivity.
type OnlineSource interface {
	Online() bool
}

// BusConfig configures bus behavior.
type BusConfig struct {
	// Logger receives listener failures. Default: slog.Default().
	Logger *slog.Logger

	// Metrics records emits and listener failures. Default: no-op.
	Metrics observability.MetricsRecorder

	// OnError is called for every listener failure, after logging.
	OnError func(evt Event, err *ListenerError)
}

// Bus is a synchronous, in-process publish/subscribe channel.
//
// Emit delivers to every listener in registration order on the caller's
// goroutine, or hands the event to the attached queue when the queue policy
// says so.
type Bus struct {
	config BusConfig
	logger *slog.Logger

	mu        sync.RWMutex
	listeners []registered
	queue     Enqueuer
	online    OnlineSource

	nextID atomic.Int64
}

type registered struct {
	id int64
	fn CheckedListener
}

// NewBus creates a new bus.
func NewBus(config BusConfig) *Bus {
	if config.Metrics == nil {
		config.Metrics = observability.NoopMetrics{}
	}
	return &Bus{
		config: config,
		logger: observability.EnrichLogger(config.Logger, "bus"),
	}
}

// AttachQueue enables the queue policy. Critical events, and every event
// while online reports false, are handed to q instead of delivered directly.
// A nil online source is treated as always online.
func (b *Bus) AttachQueue(q Enqueuer, online OnlineSource) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = q
	b.online = online
}

// Subscribe registers a listener. The returned function removes it and is
// safe to call more than once.
func (b *Bus) Subscribe(fn Listener) (unsubscribe func()) {
	return b.SubscribeChecked(func(evt Event) error {
		fn(evt)
		return nil
	})
}

// SubscribeChecked registers a listener that can report failure.
func (b *Bus) SubscribeChecked(fn CheckedListener) (unsubscribe func()) {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.listeners = append(b.listeners, registered{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, l := range b.listeners {
				if l.id == id {
					b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// ListenerCount returns the number of registered listeners.
func (b *Bus) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Emit publishes an event. It returns an error only when the event is
// invalid or the queue rejects it; listener failures are logged and never
// returned.
func (b *Bus) Emit(ctx context.Context, evt Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	q, online := b.queue, b.online
	b.mu.RUnlock()

	if q != nil && (evt.Type.Critical() || (online != nil && !online.Online())) {
		b.config.Metrics.RecordEmit(ctx, evt.Type.String(), "queued")
		if err := q.Enqueue(ctx, evt); err != nil {
			return fmt.Errorf("enqueue %s: %w", evt.Type, err)
		}
		return nil
	}

	b.config.Metrics.RecordEmit(ctx, evt.Type.String(), "sync")
	b.dispatch(ctx, evt)
	return nil
}

// Deliver synchronously delivers to every listener, bypassing the queue
// policy. Listener failures are isolated as in Emit and also returned as a
// *DeliveryError so the caller can retry.
func (b *Bus) Deliver(ctx context.Context, evt Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}

	failures := b.dispatch(ctx, evt)
	if len(failures) == 0 {
		return nil
	}
	return &DeliveryError{Event: evt, Failures: failures}
}

// dispatch runs every listener registered at call time, in order.
func (b *Bus) dispatch(ctx context.Context, evt Event) []*ListenerError {
	b.mu.RLock()
	snapshot := make([]registered, len(b.listeners))
	copy(snapshot, b.listeners)
	b.mu.RUnlock()

	var failures []*ListenerError
	for i, l := range snapshot {
		if lerr := b.invoke(i, l.fn, evt); lerr != nil {
			b.logger.Error("listener failed",
				slog.String("event_type", evt.Type.String()),
				slog.Int("listener", i),
				slog.String("error", lerr.Err.Error()),
			)
			b.config.Metrics.RecordListenerFailure(ctx, evt.Type.String())
			if b.config.OnError != nil {
				b.config.OnError(evt, lerr)
			}
			failures = append(failures, lerr)
		}
	}
	return failures
}

func (b *Bus) invoke(index int, fn CheckedListener, evt Event) (lerr *ListenerError) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if ok {
				err = fmt.Errorf("listener panic: %w", err)
			} else {
				err = fmt.Errorf("listener panic: %v", r)
			}
			lerr = &ListenerError{Index: index, Err: err, Panic: r}
		}
	}()
	if err := fn(evt); err != nil {
		return &ListenerError{Index: index, Err: err}
	}
	return nil
}
