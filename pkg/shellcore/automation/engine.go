package automation

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/shellcore/pkg/shellcore/abort"
	"github.com/randalmurphal/shellcore/pkg/shellcore/clock"
	"github.com/randalmurphal/shellcore/pkg/shellcore/event"
	"github.com/randalmurphal/shellcore/pkg/shellcore/observability"
)

// Engine defaults.
const (
	DefaultTimeout    = 10 * time.Minute
	DefaultPurgeDelay = 5 * time.Second
)

// Emitter publishes lifecycle events. *event.Bus satisfies it.
type Emitter interface {
	Emit(ctx context.Context, evt event.Event) error
}

// Config configures an Engine. Zero values take defaults.
type Config struct {
	// Timeout bounds every execution.
	Timeout time.Duration

	// PurgeDelay is how long completed and failed executions stay visible.
	PurgeDelay time.Duration

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
}

// Engine runs actions as tracked, cancellable executions.
//
// Each execution moves from running to exactly one terminal status.
// Cancelled and timed-out executions leave the table immediately; completed
// and failed ones are purged after PurgeDelay.
type Engine struct {
	executor Executor
	emitter  Emitter
	cfg      Config
	logger   *slog.Logger

	lifetime context.Context
	stop     context.CancelCauseFunc
	wg       sync.WaitGroup

	mu         sync.Mutex
	executions map[string]*execution
	seq        int64
	closed     bool

	listenMu  sync.Mutex
	listeners map[int]func([]Execution)
	nextID    int
}

// New creates an engine. emitter may be nil.
func New(executor Executor, emitter Emitter, cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PurgeDelay <= 0 {
		cfg.PurgeDelay = DefaultPurgeDelay
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

	lifetime, stop := context.WithCancelCause(context.Background())
	return &Engine{
		executor:   executor,
		emitter:    emitter,
		cfg:        cfg,
		logger:     observability.EnrichLogger(cfg.Logger, "automation"),
		lifetime:   lifetime,
		stop:       stop,
		executions: make(map[string]*execution),
		listeners:  make(map[int]func([]Execution)),
	}
}

// ExecuteAction starts an action and returns its execution ID.
//
// The execution is registered and AUTOMATION_STARTED is emitted before
// ExecuteAction returns; the handler runs on its own goroutine. Cancelling
// ctx does not cancel the execution; use CancelExecution.
func (e *Engine) ExecuteAction(ctx context.Context, action string, payload any, ruleID string) (string, error) {
	if action == "" {
		return "", errors.New("action name is required")
	}

	base := context.WithoutCancel(ctx)
	own, cancel := context.WithCancelCause(base)
	runCtx, release := abort.Any(own, e.lifetime)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		release()
		cancel(ErrEngineClosed)
		return "", ErrEngineClosed
	}
	e.seq++
	id := fmt.Sprintf("exec-%s", uuid.NewString()[:8])
	rec := &execution{
		Execution: Execution{
			ID:        id,
			RuleID:    ruleID,
			Action:    action,
			Payload:   payload,
			Status:    StatusRunning,
			StartTime: e.cfg.Clock.Now(),
		},
		seq:     e.seq,
		baseCtx: base,
		cancel:  cancel,
		release: release,
		logger:  observability.WithExecution(e.logger, id, action, ruleID),
	}
	e.executions[id] = rec
	started := rec.lifecycle()
	e.mu.Unlock()

	observability.LogExecutionStart(rec.logger)
	e.emit(base, StatusRunning, started)
	e.notify()

	e.mu.Lock()
	if rec.Status == StatusRunning {
		rec.timer = e.cfg.Clock.AfterFunc(e.cfg.Timeout, func() {
			e.finish(id, StatusTimeout, ErrTimeout)
		})
	}
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(runCtx, rec)

	return id, nil
}

func (e *Engine) run(ctx context.Context, rec *execution) {
	defer e.wg.Done()

	spanCtx, span := e.cfg.Spans.StartExecutionSpan(ctx, rec.Action, rec.ID, rec.RuleID)
	err := e.invoke(spanCtx, rec)
	e.cfg.Spans.EndSpanWithError(span, err)

	switch {
	case err == nil:
		e.finish(rec.ID, StatusCompleted, nil)
	case abort.Aborted(ctx):
		e.finish(rec.ID, StatusCancelled, err)
	default:
		e.finish(rec.ID, StatusFailed, err)
	}
}

func (e *Engine) invoke(ctx context.Context, rec *execution) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action %q panicked: %v", rec.Action, r)
		}
	}()
	if e.executor == nil {
		return fmt.Errorf("%w: %q", ErrUnknownAction, rec.Action)
	}
	return e.executor.Execute(ctx, rec.Action, rec.Payload)
}

// finish moves a running execution to a terminal status. It returns false
// if the execution is unknown or already terminal.
func (e *Engine) finish(id string, status Status, cause error) bool {
	e.mu.Lock()
	rec, ok := e.executions[id]
	if !ok || rec.Status != StatusRunning {
		e.mu.Unlock()
		return false
	}

	rec.Status = status
	rec.EndTime = e.cfg.Clock.Now()
	if cause != nil && status != StatusCancelled {
		rec.Error = cause.Error()
	}
	if rec.timer != nil {
		rec.timer.Stop()
	}

	switch status {
	case StatusCancelled, StatusTimeout:
		rec.cancel(cause)
		delete(e.executions, id)
	default:
		if !e.closed {
			rec.purge = e.cfg.Clock.AfterFunc(e.cfg.PurgeDelay, func() { e.purge(id) })
		}
	}
	ended := rec.lifecycle()
	duration := rec.Duration()
	e.mu.Unlock()

	rec.release()

	observability.LogExecutionEnd(rec.logger, string(status), duration, cause)
	e.cfg.Metrics.RecordExecution(rec.baseCtx, rec.Action, string(status), duration)
	e.emit(rec.baseCtx, status, ended)
	e.notify()
	return true
}

func (e *Engine) purge(id string) {
	e.mu.Lock()
	rec, ok := e.executions[id]
	if !ok || !rec.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	delete(e.executions, id)
	e.mu.Unlock()

	e.notify()
}

// CancelExecution cancels a running execution. It returns false if the
// execution is unknown or no longer running.
func (e *Engine) CancelExecution(id string) bool {
	return e.finish(id, StatusCancelled, ErrCancelled)
}

// Execution returns a snapshot of one execution.
func (e *Engine) Execution(id string) (Execution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.executions[id]
	if !ok {
		return Execution{}, false
	}
	return rec.Execution, true
}

// Executions returns a snapshot of every tracked execution in start order.
func (e *Engine) Executions() []Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(false)
}

// RunningExecutions returns a snapshot of the running executions.
func (e *Engine) RunningExecutions() []Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(true)
}

func (e *Engine) snapshotLocked(runningOnly bool) []Execution {
	recs := make([]*execution, 0, len(e.executions))
	for _, rec := range e.executions {
		if runningOnly && rec.Status != StatusRunning {
			continue
		}
		recs = append(recs, rec)
	}
	slices.SortFunc(recs, func(a, b *execution) int {
		return cmp.Compare(a.seq, b.seq)
	})

	out := make([]Execution, len(recs))
	for i, rec := range recs {
		out[i] = rec.Execution
	}
	return out
}

// OnExecutionsChange registers fn to receive the execution table whenever
// it changes. The returned function unsubscribes.
func (e *Engine) OnExecutionsChange(fn func([]Execution)) func() {
	e.listenMu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.listenMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.listenMu.Lock()
			delete(e.listeners, id)
			e.listenMu.Unlock()
		})
	}
}

func (e *Engine) notify() {
	e.listenMu.Lock()
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func([]Execution), len(ids))
	for i, id := range ids {
		fns[i] = e.listeners[id]
	}
	e.listenMu.Unlock()

	if len(fns) == 0 {
		return
	}
	snap := e.Executions()
	for _, fn := range fns {
		fn(slices.Clone(snap))
	}
}

func (e *Engine) emit(ctx context.Context, status Status, payload LifecyclePayload) {
	if e.emitter == nil {
		return
	}
	if err := e.emitter.Emit(ctx, event.New(status.eventType(), payload)); err != nil {
		e.logger.Warn("lifecycle event not emitted",
			slog.String("execution_id", payload.ExecutionID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}

// Close cancels every running execution and waits for their handlers to
// return, or for ctx to end. Finished executions stay visible.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	var running []string
	for _, rec := range e.executions {
		if rec.Status == StatusRunning {
			running = append(running, rec.ID)
		}
		if rec.purge != nil {
			rec.purge.Stop()
		}
	}
	e.mu.Unlock()

	e.stop(ErrEngineClosed)
	for _, id := range running {
		e.finish(id, StatusCancelled, ErrEngineClosed)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
