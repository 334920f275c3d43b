package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/shellcore/pkg/shellcore/clock"
	scerrors "github.com/randalmurphal/shellcore/pkg/shellcore/errors"
)

// ReplayResult summarizes one replay pass.
type ReplayResult struct {
	Attempted   int
	Delivered   int
	Failed      int // delivery attempts that failed
	Requeued    int // failed events carried into the next pass
	Dropped     int // failed events dropped (retries exhausted or permanent)
	Expired     int
	Interrupted bool // connectivity or the context ended the pass early
	Arrived     int  // events enqueued while the pass ran, left for the next one
	Duration    time.Duration
}

// ProcessQueue runs one replay pass. It returns ErrOffline when offline and
// ErrReplayInProgress when another pass is running; neither touches the
// queue.
//
// The pass works on a snapshot: events enqueued while it runs wait for the
// next pass, which Run starts as soon as this one returns. Events are
// delivered in order with ReplayDelay between them.
// A failed event is carried to the next pass with its RetryCount
// incremented, and dropped once it exceeds MaxRetries. Failures categorized
// as permanent are dropped without retry. If connectivity drops or ctx is
// cancelled mid-pass, the undelivered remainder goes back to the front of
// the queue in order.
func (q *Queue) ProcessQueue(ctx context.Context) (ReplayResult, error) {
	var result ReplayResult

	if !q.isOnline() {
		return result, ErrOffline
	}
	if !q.processing.CompareAndSwap(false, true) {
		return result, ErrReplayInProgress
	}

	start := q.cfg.Clock.Now()

	q.mu.Lock()
	q.inflight = q.events
	q.events = nil
	q.arrived = 0
	depth := len(q.inflight)
	q.mu.Unlock()

	if depth == 0 {
		result.Arrived = q.finishPass()
		return result, nil
	}

	spanCtx, span := q.cfg.Spans.StartReplaySpan(ctx, depth)
	q.logger.Info("replay starting", slog.Int("depth", depth))

	var (
		expired []*QueuedEvent
		dropped []*QueuedEvent
		reasons []string
		passErr error
	)

	for {
		q.mu.Lock()
		if len(q.inflight) == 0 {
			q.mu.Unlock()
			break
		}
		qe := q.inflight[0]
		q.mu.Unlock()

		if err := ctx.Err(); err != nil {
			result.Interrupted = true
			passErr = err
			break
		}
		if !q.isOnline() {
			result.Interrupted = true
			break
		}

		if q.expired(qe, q.cfg.Clock.Now()) {
			q.popInflight(qe)
			expired = append(expired, qe)
			result.Expired++
			continue
		}

		if result.Attempted > 0 && q.cfg.ReplayDelay > 0 {
			if err := q.sleep(ctx, q.cfg.ReplayDelay); err != nil {
				result.Interrupted = true
				passErr = err
				break
			}
			if !q.isOnline() {
				result.Interrupted = true
				break
			}
		}

		result.Attempted++
		err := q.deliverer.Deliver(spanCtx, qe.Event)

		q.mu.Lock()
		stillQueued := len(q.inflight) > 0 && q.inflight[0] == qe
		if stillQueued {
			q.inflight = q.inflight[1:]
		}
		if err == nil {
			result.Delivered++
			q.mu.Unlock()
			continue
		}

		result.Failed++
		reason := ""
		switch {
		case !stillQueued:
			// Evicted or cleared while being delivered
		case scerrors.IsPermanent(err):
			reason = DropPermanent
		default:
			qe.RetryCount++
			if qe.RetryCount > q.cfg.MaxRetries {
				reason = DropRetries
			} else {
				q.carry = append(q.carry, qe)
				result.Requeued++
			}
		}
		q.mu.Unlock()

		if reason != "" {
			dropped = append(dropped, qe)
			reasons = append(reasons, reason)
			result.Dropped++
		}
		q.cfg.Spans.AddSpanEvent(spanCtx, "delivery_failed",
			attribute.String("event.id", qe.ID),
			attribute.Int("event.retry_count", qe.RetryCount),
			attribute.String("drop_reason", reason),
		)
		q.logger.Warn("replay delivery failed",
			slog.String("event_id", qe.ID),
			slog.String("event_type", qe.Event.Type.String()),
			slog.Int("retry_count", qe.RetryCount),
			slog.String("error", err.Error()),
		)
	}

	q.mu.Lock()
	merged := make([]*QueuedEvent, 0, q.pendingLocked())
	merged = append(merged, q.carry...)
	merged = append(merged, q.inflight...)
	merged = append(merged, q.events...)
	q.events, q.inflight, q.carry = merged, nil, nil
	var evicted []*QueuedEvent
	for q.pendingLocked() > q.cfg.Capacity {
		evicted = append(evicted, q.evictOldestLocked())
	}
	q.mu.Unlock()

	q.logDropped(ctx, expired, DropExpired)
	for i, qe := range dropped {
		q.logDropped(ctx, []*QueuedEvent{qe}, reasons[i])
	}
	q.logDropped(ctx, evicted, DropCapacity)

	q.persist(ctx)
	q.notify(ctx)

	result.Duration = q.cfg.Clock.Now().Sub(start)
	q.cfg.Metrics.RecordReplay(ctx, result.Delivered, result.Failed, result.Duration)
	q.cfg.Spans.EndSpanWithError(span, passErr)

	result.Arrived = q.finishPass()
	q.logger.Info("replay finished",
		slog.Int("delivered", result.Delivered),
		slog.Int("requeued", result.Requeued),
		slog.Int("dropped", result.Dropped),
		slog.Int("expired", result.Expired),
		slog.Int("arrived", result.Arrived),
		slog.Bool("interrupted", result.Interrupted),
	)
	return result, passErr
}

// finishPass ends the running pass and returns how many events arrived
// during it. When any did, Run is woken for a follow-up pass.
func (q *Queue) finishPass() int {
	q.mu.Lock()
	arrived := q.arrived
	q.arrived = 0
	q.processing.Store(false)
	q.mu.Unlock()

	if arrived > 0 {
		q.kick()
	}
	return arrived
}

// popInflight removes qe from the head of the in-flight batch if it is
// still there.
func (q *Queue) popInflight(qe *QueuedEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.inflight) > 0 && q.inflight[0] == qe {
		q.inflight = q.inflight[1:]
	}
}

// sleep waits for d on the queue's clock.
func (q *Queue) sleep(ctx context.Context, d time.Duration) error {
	done := make(chan struct{})
	t := q.cfg.Clock.AfterFunc(d, func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
}

// Processing reports whether a replay pass is running.
func (q *Queue) Processing() bool {
	return q.processing.Load()
}

// Run replays on every offline-to-online transition, after any pass that
// left newly arrived events behind, and every ReplayInterval while online,
// until ctx is cancelled. If the online source does not report transitions,
// the transition trigger does not apply.
func (q *Queue) Run(ctx context.Context) error {
	if ts, ok := q.online.(TransitionSource); ok {
		unsubscribe := ts.Subscribe(func(online bool) {
			if online {
				q.kick()
			}
		})
		defer unsubscribe()
	}

	ticker := clock.NewTicker(q.cfg.Clock, q.cfg.ReplayInterval)
	defer ticker.Stop()

	q.kick()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.trigger:
			q.replay(ctx)
		case <-ticker.C:
			if q.Len() > 0 {
				q.replay(ctx)
			}
		}
	}
}

func (q *Queue) replay(ctx context.Context) {
	_, err := q.ProcessQueue(ctx)
	if err == nil || errors.Is(err, ErrOffline) || errors.Is(err, ErrReplayInProgress) || ctx.Err() != nil {
		return
	}
	q.logger.Warn("replay pass ended with error", slog.String("error", err.Error()))
}
