package crosstab

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/randalmurphal/shellcore/pkg/shellcore/clock"
	"github.com/randalmurphal/shellcore/pkg/shellcore/kv"
	"github.com/randalmurphal/shellcore/pkg/shellcore/observability"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newSync(t *testing.T, store kv.Store, ch Channel, origin string) *Synchronizer {
	t.Helper()
	s := New(Config{
		Store:   store,
		Channel: ch,
		Origin:  origin,
		Clock:   clock.NewFake(epoch),
		Logger:  observability.DiscardLogger(),
	})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPatch_ApplyFieldByField(t *testing.T) {
	base := State{ActiveTabID: "t1", QueuedEvents: 3, ActiveAutomations: []string{"a"}, SessionStartTime: epoch}

	got := ActiveTab("t2").Apply(base)
	assert.Equal(t, "t2", got.ActiveTabID)
	assert.Equal(t, 3, got.QueuedEvents)
	assert.Equal(t, []string{"a"}, got.ActiveAutomations)
	assert.Equal(t, epoch, got.SessionStartTime)
	assert.Equal(t, "t1", base.ActiveTabID, "apply does not mutate its input")

	got = Automations(nil).Apply(base)
	assert.Equal(t, []string{}, got.ActiveAutomations)

	merged := ActiveTab("t9").Merge(QueueDepth(0))
	got = merged.Apply(base)
	assert.Equal(t, "t9", got.ActiveTabID)
	assert.Equal(t, 0, got.QueuedEvents)

	assert.True(t, Patch{}.Empty())
	assert.False(t, QueueDepth(0).Empty())
}

func TestPatch_JSONOmitsUnsetFields(t *testing.T) {
	data, err := json.Marshal(ActiveTab("t1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"activeTabId":"t1"}`, string(data))
}

func TestSynchronizer_LocalUpdate(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	s := newSync(t, store, nil, "a")

	var seen []State
	s.Subscribe(func(st State) { seen = append(seen, st) })

	require.NoError(t, s.Update(ctx, ActiveTab("t1")))
	require.NoError(t, s.Update(ctx, Patch{}))

	assert.Equal(t, "t1", s.State().ActiveTabID)
	assert.Equal(t, epoch, s.State().SessionStartTime)
	require.Len(t, seen, 1)

	data, err := store.Get(ctx, StorageKey)
	require.NoError(t, err)
	var persisted State
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Equal(t, "t1", persisted.ActiveTabID)
}

func TestSynchronizer_ChannelMerge(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	hub := NewHub(HubConfig{})
	defer hub.Close()

	chA, err := hub.Open(ChannelName)
	require.NoError(t, err)
	chB, err := hub.Open(ChannelName)
	require.NoError(t, err)

	store := kv.NewMemoryStore()
	a := newSync(t, store, chA, "a")
	b := newSync(t, store, chB, "b")

	var (
		mu    sync.Mutex
		aSeen int
	)
	a.Subscribe(func(State) {
		mu.Lock()
		aSeen++
		mu.Unlock()
	})

	require.NoError(t, a.Update(ctx, ActiveTab("t1").Merge(QueueDepth(4))))
	require.Eventually(t, func() bool { return b.State().ActiveTabID == "t1" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, b.State().QueuedEvents)

	require.NoError(t, b.Update(ctx, Automations([]string{"exec-1"})))
	require.Eventually(t, func() bool { return len(a.State().ActiveAutomations) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "t1", a.State().ActiveTabID, "fields not in the patch are kept")

	mu.Lock()
	assert.Equal(t, 2, aSeen, "one local update and one remote merge")
	mu.Unlock()

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
}

func TestSynchronizer_IgnoresOwnMessages(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	s := newSync(t, store, nil, "a")

	var count int
	s.Subscribe(func(State) { count++ })

	require.NoError(t, s.Update(ctx, ActiveTab("t1")))
	assert.Equal(t, 1, count, "own storage broadcast is not merged again")
}

func TestSynchronizer_StorageFallback(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	a := newSync(t, store, nil, "a")
	b := newSync(t, store, nil, "b")

	require.NoError(t, a.Update(ctx, ActiveTab("t7")))
	assert.Equal(t, "t7", b.State().ActiveTabID)

	data, err := store.Get(ctx, BroadcastKey)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "a", msg.Origin)
	assert.Equal(t, uint64(1), msg.Seq)
	assert.JSONEq(t, `{"activeTabId":"t7"}`, mustJSON(t, msg.Patch))
}

func TestSynchronizer_FileStoreFallback(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	storeA, err := kv.NewFileStore(dir, kv.DefaultProfile, observability.DiscardLogger())
	require.NoError(t, err)
	defer storeA.Close()
	storeB, err := kv.NewFileStore(dir, kv.DefaultProfile, observability.DiscardLogger())
	require.NoError(t, err)
	defer storeB.Close()

	a := newSync(t, storeA, nil, "a")
	b := newSync(t, storeB, nil, "b")

	require.NoError(t, a.Update(ctx, QueueDepth(12)))
	require.Eventually(t, func() bool { return b.State().QueuedEvents == 12 }, 2*time.Second, 10*time.Millisecond)
}

func TestSynchronizer_RestoresPersistedState(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	started := epoch.Add(-time.Hour)
	data, err := json.Marshal(State{ActiveTabID: "t3", QueuedEvents: 2, SessionStartTime: started})
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, StorageKey, data))

	s := newSync(t, store, nil, "a")
	st := s.State()
	assert.Equal(t, "t3", st.ActiveTabID)
	assert.Equal(t, 2, st.QueuedEvents)
	assert.Equal(t, started, st.SessionStartTime)
	assert.NotNil(t, st.ActiveAutomations)
}

func TestSynchronizer_CorruptStateStartsFresh(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	require.NoError(t, store.Set(ctx, StorageKey, []byte("][")))

	s := newSync(t, store, nil, "a")
	assert.Equal(t, epoch, s.State().SessionStartTime)
}

func TestSynchronizer_LocalOnly(t *testing.T) {
	s := newSync(t, nil, nil, "")
	assert.Regexp(t, `^ctx-[0-9a-f]{8}$`, s.Origin())
	require.NoError(t, s.Update(context.Background(), ActiveTab("t1")))
	assert.Equal(t, "t1", s.State().ActiveTabID)
}

func TestSynchronizer_PersistFailureKeepsLocalState(t *testing.T) {
	store := kv.NewMemoryStore()
	s := newSync(t, store, nil, "a")
	store.FailWrites(kv.ErrQuotaExceeded)

	err := s.Update(context.Background(), ActiveTab("t1"))
	assert.ErrorIs(t, err, kv.ErrQuotaExceeded)
	assert.Equal(t, "t1", s.State().ActiveTabID)
}

func TestSynchronizer_StateIsCopy(t *testing.T) {
	s := newSync(t, nil, nil, "a")
	require.NoError(t, s.Update(context.Background(), Automations([]string{"x"})))

	st := s.State()
	st.ActiveAutomations[0] = "mutated"
	assert.Equal(t, []string{"x"}, s.State().ActiveAutomations)
}

// countingStore counts Set calls per key.
type countingStore struct {
	*kv.MemoryStore
	mu   sync.Mutex
	sets map[string]int
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: kv.NewMemoryStore(), sets: make(map[string]int)}
}

func (c *countingStore) Set(ctx context.Context, key string, value []byte) error {
	c.mu.Lock()
	c.sets[key]++
	c.mu.Unlock()
	return c.MemoryStore.Set(ctx, key, value)
}

func (c *countingStore) count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sets[key]
}

func persistedState(t *testing.T, store kv.Store) State {
	t.Helper()
	data, err := store.Get(context.Background(), StorageKey)
	require.NoError(t, err)
	var st State
	require.NoError(t, json.Unmarshal(data, &st))
	return st
}

func TestSynchronizer_CoalescesActivityWrites(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore()
	fake := clock.NewFake(epoch)
	s := New(Config{Store: store, Origin: "a", Clock: fake, Logger: observability.DiscardLogger()})
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() { _ = s.Close() })

	for i := 0; i < 5; i++ {
		fake.Advance(100 * time.Millisecond)
		require.NoError(t, s.Update(ctx, Activity(fake.Now())))
	}

	assert.Equal(t, epoch.Add(500*time.Millisecond), s.State().LastActivity, "applied locally at once")
	assert.Equal(t, 1, store.count(StorageKey), "only the first activity is written immediately")
	assert.Equal(t, epoch.Add(100*time.Millisecond), persistedState(t, store).LastActivity)
	assert.Equal(t, 1, fake.Pending())

	fake.Advance(600 * time.Millisecond)
	assert.Equal(t, 2, store.count(StorageKey), "held-back activity written once")
	assert.Equal(t, epoch.Add(500*time.Millisecond), persistedState(t, store).LastActivity)
	assert.Zero(t, fake.Pending())

	fake.Advance(5 * time.Second)
	assert.Equal(t, 2, store.count(StorageKey), "nothing pending, nothing written")
}

func TestSynchronizer_ActivityFoldsIntoNextPatch(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore()
	fake := clock.NewFake(epoch)
	s := New(Config{Store: store, Origin: "a", Clock: fake, Logger: observability.DiscardLogger()})
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Update(ctx, QueueDepth(1)))
	fake.Advance(200 * time.Millisecond)
	require.NoError(t, s.Update(ctx, Activity(fake.Now())))
	assert.Equal(t, 1, store.count(StorageKey))

	require.NoError(t, s.Update(ctx, QueueDepth(2)))
	assert.Equal(t, 2, store.count(StorageKey), "other fields are never held back")
	assert.Zero(t, fake.Pending(), "pending activity went out with the patch")

	data, err := store.Get(ctx, BroadcastKey)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	require.NotNil(t, msg.Patch.LastActivity)
	assert.Equal(t, epoch.Add(200*time.Millisecond), *msg.Patch.LastActivity)
	assert.Equal(t, 2, *msg.Patch.QueuedEvents)
}

func TestSynchronizer_CloseFlushesActivity(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore()
	fake := clock.NewFake(epoch)
	s := New(Config{Store: store, Origin: "a", Clock: fake, Logger: observability.DiscardLogger()})
	require.NoError(t, s.Start(ctx))

	require.NoError(t, s.Update(ctx, Activity(epoch)))
	require.NoError(t, s.Update(ctx, Activity(epoch.Add(time.Millisecond))))
	assert.Equal(t, 1, store.count(StorageKey))

	require.NoError(t, s.Close())
	assert.Equal(t, 2, store.count(StorageKey))
	assert.Equal(t, epoch.Add(time.Millisecond), persistedState(t, store).LastActivity)
	assert.Zero(t, fake.Pending())
}

func TestSynchronizer_ActivityIntervalDisabled(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore()
	s := New(Config{
		Store:            store,
		Origin:           "a",
		Clock:            clock.NewFake(epoch),
		Logger:           observability.DiscardLogger(),
		ActivityInterval: -1,
	})
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() { _ = s.Close() })

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Update(ctx, Activity(epoch.Add(time.Duration(i)))))
	}
	assert.Equal(t, 3, store.count(StorageKey))
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}
