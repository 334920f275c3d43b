package automation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/randalmurphal/shellcore/pkg/shellcore/clock"
	"github.com/randalmurphal/shellcore/pkg/shellcore/event"
	"github.com/randalmurphal/shellcore/pkg/shellcore/observability"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingEmitter struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recordingEmitter) Emit(_ context.Context, evt event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recordingEmitter) types() []event.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Type, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.Type
	}
	return out
}

func (r *recordingEmitter) count(t event.Type) int {
	n := 0
	for _, got := range r.types() {
		if got == t {
			n++
		}
	}
	return n
}

func (r *recordingEmitter) last() event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type fixture struct {
	engine   *Engine
	registry *Registry
	emitter  *recordingEmitter
	clock    *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry: NewRegistry(),
		emitter:  &recordingEmitter{},
		clock:    clock.NewFake(epoch),
	}
	f.engine = New(f.registry, f.emitter, Config{
		Clock:  f.clock,
		Logger: observability.DiscardLogger(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, f.engine.Close(ctx))
	})
	return f
}

// blocking registers an action that waits for cancellation and reports
// the cause it observed. Causes nobody reads are dropped so the handler
// always returns.
func (f *fixture) blocking(t *testing.T, name string) <-chan error {
	t.Helper()
	causes := make(chan error, 1)
	f.registry.MustRegister(name, func(ctx context.Context, _ any) error {
		<-ctx.Done()
		select {
		case causes <- context.Cause(ctx):
		default:
		}
		return context.Cause(ctx)
	})
	return causes
}

func waitStatus(t *testing.T, e *Engine, id string, want Status) Execution {
	t.Helper()
	var got Execution
	require.Eventually(t, func() bool {
		x, ok := e.Execution(id)
		got = x
		return ok && x.Status == want
	}, time.Second, 5*time.Millisecond)
	return got
}

func TestEngine_CompletesAndPurges(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister("noop", func(context.Context, any) error { return nil })

	id, err := f.engine.ExecuteAction(context.Background(), "noop", map[string]any{"k": "v"}, "rule-1")
	require.NoError(t, err)
	assert.Regexp(t, `^exec-[0-9a-f]{8}$`, id)

	x := waitStatus(t, f.engine, id, StatusCompleted)
	assert.Equal(t, "rule-1", x.RuleID)
	assert.Equal(t, epoch, x.StartTime)
	assert.False(t, x.EndTime.IsZero())
	assert.Empty(t, x.Error)

	require.Eventually(t, func() bool { return f.emitter.count(event.TypeAutomationCompleted) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []event.Type{event.TypeAutomationStarted, event.TypeAutomationCompleted}, f.emitter.types())

	payload, ok := f.emitter.last().Payload.(LifecyclePayload)
	require.True(t, ok)
	assert.Equal(t, id, payload.ExecutionID)
	assert.Equal(t, StatusCompleted, payload.Status)

	f.clock.Advance(DefaultPurgeDelay - time.Millisecond)
	_, ok = f.engine.Execution(id)
	assert.True(t, ok, "still visible during grace period")

	f.clock.Advance(time.Millisecond)
	_, ok = f.engine.Execution(id)
	assert.False(t, ok)
}

func TestEngine_StartedBeforeReturn(t *testing.T) {
	f := newFixture(t)
	f.blocking(t, "wait")

	id, err := f.engine.ExecuteAction(context.Background(), "wait", nil, "")
	require.NoError(t, err)

	assert.Equal(t, []event.Type{event.TypeAutomationStarted}, f.emitter.types())
	running := f.engine.RunningExecutions()
	require.Len(t, running, 1)
	assert.Equal(t, id, running[0].ID)
	assert.Equal(t, StatusRunning, running[0].Status)
}

func TestEngine_Failed(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister("boom", func(context.Context, any) error {
		return errors.New("page not reachable")
	})

	id, err := f.engine.ExecuteAction(context.Background(), "boom", nil, "")
	require.NoError(t, err)

	x := waitStatus(t, f.engine, id, StatusFailed)
	assert.Equal(t, "page not reachable", x.Error)

	require.Eventually(t, func() bool { return f.emitter.count(event.TypeAutomationFailed) == 1 }, time.Second, 5*time.Millisecond)
	payload := f.emitter.last().Payload.(LifecyclePayload)
	assert.Equal(t, "page not reachable", payload.Error)
}

func TestEngine_PanicFails(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister("panics", func(context.Context, any) error { panic("nil tab") })

	id, err := f.engine.ExecuteAction(context.Background(), "panics", nil, "")
	require.NoError(t, err)

	x := waitStatus(t, f.engine, id, StatusFailed)
	assert.Contains(t, x.Error, "nil tab")
}

func TestEngine_UnknownActionFails(t *testing.T) {
	f := newFixture(t)

	id, err := f.engine.ExecuteAction(context.Background(), "missing", nil, "")
	require.NoError(t, err)

	x := waitStatus(t, f.engine, id, StatusFailed)
	assert.Contains(t, x.Error, ErrUnknownAction.Error())
}

func TestEngine_EmptyActionRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.ExecuteAction(context.Background(), "", nil, "")
	require.Error(t, err)
	assert.Empty(t, f.emitter.types())
}

func TestEngine_CancelExecution(t *testing.T) {
	f := newFixture(t)
	causes := f.blocking(t, "wait")

	id, err := f.engine.ExecuteAction(context.Background(), "wait", nil, "")
	require.NoError(t, err)

	assert.True(t, f.engine.CancelExecution(id))
	_, ok := f.engine.Execution(id)
	assert.False(t, ok, "cancelled executions leave the table immediately")
	assert.False(t, f.engine.CancelExecution(id))

	select {
	case cause := <-causes:
		assert.ErrorIs(t, cause, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("handler did not observe cancellation")
	}

	assert.Equal(t, 1, f.emitter.count(event.TypeAutomationCancelled))
	assert.Zero(t, f.emitter.count(event.TypeAutomationFailed))
	assert.Zero(t, f.emitter.count(event.TypeAutomationCompleted))
}

func TestEngine_CancelUnknown(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.engine.CancelExecution("exec-missing"))
}

func TestEngine_Timeout(t *testing.T) {
	f := newFixture(t)
	causes := f.blocking(t, "wait")

	id, err := f.engine.ExecuteAction(context.Background(), "wait", nil, "")
	require.NoError(t, err)

	f.clock.Advance(DefaultTimeout - time.Second)
	_, ok := f.engine.Execution(id)
	require.True(t, ok)

	f.clock.Advance(time.Second)
	_, ok = f.engine.Execution(id)
	assert.False(t, ok)

	select {
	case cause := <-causes:
		assert.ErrorIs(t, cause, ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("handler did not observe timeout")
	}

	assert.Equal(t, 1, f.emitter.count(event.TypeAutomationTimeout))
	assert.False(t, f.engine.CancelExecution(id))
	assert.Equal(t, 1, f.emitter.count(event.TypeAutomationTimeout))
}

func TestEngine_CompletedBeforeTimeoutStopsTimer(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister("noop", func(context.Context, any) error { return nil })

	id, err := f.engine.ExecuteAction(context.Background(), "noop", nil, "")
	require.NoError(t, err)
	waitStatus(t, f.engine, id, StatusCompleted)

	f.clock.Advance(DefaultTimeout)
	assert.Zero(t, f.emitter.count(event.TypeAutomationTimeout))
}

func TestEngine_CallerContextDoesNotCancel(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.registry.MustRegister("gated", func(ctx context.Context, _ any) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	id, err := f.engine.ExecuteAction(ctx, "gated", nil, "")
	require.NoError(t, err)
	cancel()

	close(release)
	waitStatus(t, f.engine, id, StatusCompleted)
}

func TestEngine_OnExecutionsChange(t *testing.T) {
	f := newFixture(t)
	f.blocking(t, "wait")

	var (
		mu    sync.Mutex
		sizes []int
	)
	unsubscribe := f.engine.OnExecutionsChange(func(execs []Execution) {
		mu.Lock()
		defer mu.Unlock()
		sizes = append(sizes, len(execs))
	})

	id, err := f.engine.ExecuteAction(context.Background(), "wait", nil, "")
	require.NoError(t, err)
	require.True(t, f.engine.CancelExecution(id))

	unsubscribe()
	_, err = f.engine.ExecuteAction(context.Background(), "wait", nil, "")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 0}, sizes)
}

func TestEngine_ExecutionsInStartOrder(t *testing.T) {
	f := newFixture(t)
	f.blocking(t, "wait")

	var ids []string
	for range 5 {
		id, err := f.engine.ExecuteAction(context.Background(), "wait", nil, "")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	execs := f.engine.Executions()
	require.Len(t, execs, 5)
	for i, x := range execs {
		assert.Equal(t, ids[i], x.ID)
	}
}

func TestEngine_CloseWithUnreadCauses(t *testing.T) {
	f := newFixture(t)
	causes := f.blocking(t, "wait")

	for range 4 {
		_, err := f.engine.ExecuteAction(context.Background(), "wait", nil, "")
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.engine.Close(ctx), "handlers return even when causes go unread")
	assert.Error(t, <-causes)
	assert.Equal(t, 4, f.emitter.count(event.TypeAutomationCancelled))
}

func TestEngine_CloseCancelsRunning(t *testing.T) {
	defer goleak.VerifyNone(t)

	registry := NewRegistry()
	emitter := &recordingEmitter{}
	engine := New(registry, emitter, Config{Logger: observability.DiscardLogger()})

	causes := make(chan error, 3)
	registry.MustRegister("wait", func(ctx context.Context, _ any) error {
		<-ctx.Done()
		causes <- context.Cause(ctx)
		return ctx.Err()
	})

	for range 3 {
		_, err := engine.ExecuteAction(context.Background(), "wait", nil, "")
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, engine.Close(ctx))

	assert.Empty(t, engine.RunningExecutions())
	assert.Equal(t, 3, emitter.count(event.TypeAutomationCancelled))
	for range 3 {
		assert.Error(t, <-causes)
	}

	_, err := engine.ExecuteAction(context.Background(), "wait", nil, "")
	assert.ErrorIs(t, err, ErrEngineClosed)
	assert.NoError(t, engine.Close(ctx), "close is idempotent")
}
