// Package queue provides the durable event queue.
//
// The queue holds events the bus could not be trusted to deliver: critical
// events, and anything emitted while offline. It is bounded by count and by
// age, survives restarts through a kv.Store, and replays its contents in
// order once connectivity returns. Delivery is at-least-once; consumers are
// expected to be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/shellcore/pkg/shellcore/clock"
	scerrors "github.com/randalmurphal/shellcore/pkg/shellcore/errors"
	"github.com/randalmurphal/shellcore/pkg/shellcore/event"
	"github.com/randalmurphal/shellcore/pkg/shellcore/kv"
	"github.com/randalmurphal/shellcore/pkg/shellcore/observability"
)

// StorageKey is the key the queue persists under.
const StorageKey = "event_queue"

// Defaults for Config.
const (
	DefaultCapacity       = 1000
	DefaultMaxAge         = 24 * time.Hour
	DefaultMaxRetries     = 3
	DefaultReplayDelay    = 100 * time.Millisecond
	DefaultReplayInterval = 30 * time.Second
)

// Drop reasons reported in logs and metrics.
const (
	DropCapacity  = "capacity"
	DropExpired   = "expired"
	DropRetries   = "retries_exhausted"
	DropPermanent = "permanent_failure"
	DropPersist   = "persist_failure"
)

// Sentinel errors.
var (
	// ErrOffline is returned by ProcessQueue when connectivity is down.
	ErrOffline = errors.New("queue: offline")

	// ErrReplayInProgress is returned by ProcessQueue when another pass is running.
	ErrReplayInProgress = errors.New("queue: replay already in progress")
)

// Deliverer delivers one event synchronously and reports failure.
type Deliverer interface {
	Deliver(ctx context.Context, evt event.Event) error
}

// OnlineSource reports connectivity.
type OnlineSource interface {
	Online() bool
}

// TransitionSource is an OnlineSource that also reports transitions.
type TransitionSource interface {
	OnlineSource
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// QueuedEvent is an event with the identity assigned at enqueue time.
type QueuedEvent struct {
	ID         string      `json:"id"`
	Event      event.Event `json:"event"`
	Timestamp  time.Time   `json:"timestamp"`
	RetryCount int         `json:"retryCount"`
}

// Config configures the queue.
type Config struct {
	// Capacity bounds the number of pending events. Default: 1000.
	Capacity int

	// MaxAge drops events older than this, measured from each event's own
	// timestamp. Default: 24h.
	MaxAge time.Duration

	// MaxRetries is the number of failed replays an event survives before
	// it is dropped. Default: 3.
	MaxRetries int

	// ReplayDelay is the pause between deliveries within a replay pass.
	// Default: 100ms. Negative disables the pause.
	ReplayDelay time.Duration

	// ReplayInterval is how often Run retries a non-empty queue while
	// online. Default: 30s.
	ReplayInterval time.Duration

	// Store persists the queue. Nil keeps the queue in memory only.
	Store kv.Store

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager

	// OnChange is called with the new depth after every mutation.
	OnChange func(depth int)
}

// Queue is the durable, bounded event queue.
type Queue struct {
	cfg       Config
	deliverer Deliverer
	online    OnlineSource
	logger    *slog.Logger

	mu       sync.Mutex
	events   []*QueuedEvent // waiting for the next pass
	inflight []*QueuedEvent // snapshot being replayed, not yet attempted
	carry    []*QueuedEvent // failed in the current pass, retried next pass
	arrived  int            // enqueued while the current pass was running
	dropped  map[string]int

	trigger chan struct{} // wakes Run for a pass

	processing atomic.Bool
	persistent atomic.Bool
	persistMu  sync.Mutex
}

// New creates a queue that delivers through d. A nil online source is
// treated as always online.
func New(d Deliverer, online OnlineSource, cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.ReplayDelay == 0 {
		cfg.ReplayDelay = DefaultReplayDelay
	}
	if cfg.ReplayInterval <= 0 {
		cfg.ReplayInterval = DefaultReplayInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Spans == nil {
		cfg.Spans = observability.NoopSpanManager{}
	}

	q := &Queue{
		cfg:       cfg,
		deliverer: d,
		online:    online,
		logger:    observability.EnrichLogger(cfg.Logger, "queue"),
		dropped:   make(map[string]int),
		trigger:   make(chan struct{}, 1),
	}
	q.persistent.Store(cfg.Store != nil)
	return q
}

func (q *Queue) isOnline() bool {
	return q.online == nil || q.online.Online()
}

// newID returns "<unix-millis>-<8 hex chars>". Uniqueness is not guaranteed.
func newID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

// Enqueue accepts an event. When online, the queue is empty and no replay
// is running, the event is delivered immediately without touching storage;
// if that delivery fails the event is queued like any other. An event held
// back by a running pass is replayed by Run as soon as that pass ends.
func (q *Queue) Enqueue(ctx context.Context, evt event.Event) error {
	if err := evt.Validate(); err != nil {
		return scerrors.Permanent(err, "enqueue")
	}
	if q.persistent.Load() {
		if _, err := json.Marshal(evt); err != nil {
			return scerrors.Permanent(err, "encode event payload")
		}
	}

	now := q.cfg.Clock.Now()

	q.mu.Lock()
	expired := q.dropExpiredLocked(now)
	online := q.isOnline()
	deferred := online && q.processing.Load()
	fast := online && q.pendingLocked() == 0 && !deferred
	q.mu.Unlock()

	q.logDropped(ctx, expired, DropExpired)

	if fast {
		err := q.deliverer.Deliver(ctx, evt)
		if err == nil {
			if len(expired) > 0 {
				q.persist(ctx)
				q.notify(ctx)
			}
			return nil
		}
		q.logger.Debug("immediate delivery failed, queueing",
			slog.String("event_type", evt.Type.String()),
			slog.String("error", err.Error()),
		)
	}

	qe := &QueuedEvent{
		ID:        newID(now),
		Event:     evt,
		Timestamp: now,
	}

	q.mu.Lock()
	q.events = append(q.events, qe)
	var evicted []*QueuedEvent
	for q.pendingLocked() > q.cfg.Capacity {
		evicted = append(evicted, q.evictOldestLocked())
	}
	wake := false
	switch {
	case q.processing.Load():
		q.arrived++
	case !fast && q.isOnline() && (deferred || q.pendingLocked() == 1):
		// No pass is running or requested that would pick this event up
		wake = true
	}
	q.mu.Unlock()

	q.logDropped(ctx, evicted, DropCapacity)
	q.persist(ctx)
	q.notify(ctx)
	if wake {
		q.kick()
	}
	return nil
}

// kick asks Run for a pass. Requests coalesce while one is pending.
func (q *Queue) kick() {
	select {
	case q.trigger <- struct{}{}:
	default:
	}
}

// Load restores the persisted queue, purging expired entries and events of
// unknown type. The purge is persisted so a restart never resurrects them.
// Events already queued in memory are kept after the restored ones.
func (q *Queue) Load(ctx context.Context) error {
	if q.cfg.Store == nil {
		return nil
	}

	data, err := q.cfg.Store.Get(ctx, StorageKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	var stored []*QueuedEvent
	corrupt := false
	if err := json.Unmarshal(data, &stored); err != nil {
		q.logger.Warn("persisted queue unreadable, starting empty", slog.String("error", err.Error()))
		stored, corrupt = nil, true
	}

	now := q.cfg.Clock.Now()
	var (
		kept    []*QueuedEvent
		expired []*QueuedEvent
		invalid []*QueuedEvent
	)
	for _, qe := range stored {
		switch {
		case qe == nil:
			continue
		case qe.Event.Validate() != nil:
			invalid = append(invalid, qe)
		case q.expired(qe, now):
			expired = append(expired, qe)
		default:
			kept = append(kept, qe)
		}
	}

	q.mu.Lock()
	q.events = append(kept, q.events...)
	var evicted []*QueuedEvent
	for q.pendingLocked() > q.cfg.Capacity {
		evicted = append(evicted, q.evictOldestLocked())
	}
	q.mu.Unlock()

	q.logDropped(ctx, expired, DropExpired)
	q.logDropped(ctx, invalid, "unknown_type")
	q.logDropped(ctx, evicted, DropCapacity)

	if corrupt || len(expired)+len(invalid)+len(evicted) > 0 {
		q.persist(ctx)
	}
	q.notify(ctx)

	q.logger.Info("queue loaded",
		slog.Int("restored", len(kept)),
		slog.Int("expired", len(expired)),
	)
	return nil
}

// Clear removes every pending event and persists the empty queue.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	n := q.pendingLocked()
	q.events, q.inflight, q.carry = nil, nil, nil
	q.mu.Unlock()

	q.logger.Info("queue cleared", slog.Int("removed", n))
	q.persist(ctx)
	q.notify(ctx)
	return nil
}

// Snapshot returns a copy of the pending events in delivery order.
func (q *Queue) Snapshot() []QueuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *Queue) snapshotLocked() []QueuedEvent {
	out := make([]QueuedEvent, 0, q.pendingLocked())
	for _, list := range [][]*QueuedEvent{q.carry, q.inflight, q.events} {
		for _, qe := range list {
			out = append(out, *qe)
		}
	}
	return out
}

// Len returns the number of pending events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingLocked()
}

func (q *Queue) pendingLocked() int {
	return len(q.carry) + len(q.inflight) + len(q.events)
}

// evictOldestLocked removes the first pending event in delivery order.
func (q *Queue) evictOldestLocked() *QueuedEvent {
	var qe *QueuedEvent
	switch {
	case len(q.carry) > 0:
		qe, q.carry = q.carry[0], q.carry[1:]
	case len(q.inflight) > 0:
		qe, q.inflight = q.inflight[0], q.inflight[1:]
	case len(q.events) > 0:
		qe, q.events = q.events[0], q.events[1:]
	}
	return qe
}

func (q *Queue) expired(qe *QueuedEvent, now time.Time) bool {
	return now.Sub(qe.Timestamp) > q.cfg.MaxAge
}

// dropExpiredLocked removes expired events waiting for the next pass.
func (q *Queue) dropExpiredLocked(now time.Time) []*QueuedEvent {
	var expired []*QueuedEvent
	kept := q.events[:0]
	for _, qe := range q.events {
		if q.expired(qe, now) {
			expired = append(expired, qe)
			continue
		}
		kept = append(kept, qe)
	}
	clear(q.events[len(kept):])
	q.events = kept
	return expired
}

func (q *Queue) logDropped(ctx context.Context, events []*QueuedEvent, reason string) {
	if len(events) == 0 {
		return
	}
	q.mu.Lock()
	q.dropped[reason] += len(events)
	q.mu.Unlock()

	for _, qe := range events {
		if qe == nil {
			continue
		}
		observability.LogEventDropped(q.logger, qe.ID, qe.Event.Type.String(), reason)
		q.cfg.Metrics.RecordQueueDrop(ctx, reason)
	}
}

func (q *Queue) notify(ctx context.Context) {
	depth := q.Len()
	q.cfg.Metrics.RecordQueueDepth(ctx, depth)
	if q.cfg.OnChange != nil {
		q.cfg.OnChange(depth)
	}
}

// persist writes the pending events. On failure it evicts the oldest event
// and tries once more; a second failure switches the queue to memory-only
// for the rest of the session.
func (q *Queue) persist(ctx context.Context) {
	if !q.persistent.Load() {
		return
	}

	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	// A write already started must not be abandoned halfway
	ctx = context.WithoutCancel(ctx)

	policy := scerrors.Once
	policy.Before = func(_ int, lastErr error) {
		observability.LogPersistError(q.logger, StorageKey, lastErr)
		q.mu.Lock()
		evicted := q.evictOldestLocked()
		q.mu.Unlock()
		if evicted != nil {
			q.logDropped(ctx, []*QueuedEvent{evicted}, DropPersist)
		}
	}

	result := scerrors.Do(ctx, policy, func(ctx context.Context) error {
		data, err := json.Marshal(q.Snapshot())
		if err != nil {
			return err
		}
		return q.cfg.Store.Set(ctx, StorageKey, data)
	})
	if result.Err != nil {
		q.persistent.Store(false)
		q.logger.Error("queue persistence disabled, continuing in memory",
			slog.String("error", result.Err.Error()),
		)
	}
}

// Persistent reports whether the queue is still writing to storage.
func (q *Queue) Persistent() bool {
	return q.persistent.Load()
}
