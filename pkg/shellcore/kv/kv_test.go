package kv_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/shellcore/pkg/shellcore/kv"
)

// storeFactories returns every Store implementation under test.
func storeFactories(t *testing.T) map[string]func() kv.Store {
	return map[string]func() kv.Store{
		"memory": func() kv.Store { return kv.NewMemoryStore() },
		"sqlite": func() kv.Store {
			s, err := kv.NewSQLiteStore(":memory:", "p1")
			require.NoError(t, err)
			return s
		},
		"file": func() kv.Store {
			s, err := kv.NewFileStore(t.TempDir(), "p1", nil)
			require.NoError(t, err)
			return s
		},
	}
}

func TestStore_Contract(t *testing.T) {
	ctx := context.Background()

	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			defer store.Close()

			_, err := store.Get(ctx, "event_queue")
			assert.ErrorIs(t, err, kv.ErrNotFound)

			require.NoError(t, store.Set(ctx, "event_queue", []byte(`[1]`)))
			got, err := store.Get(ctx, "event_queue")
			require.NoError(t, err)
			assert.Equal(t, []byte(`[1]`), got)

			require.NoError(t, store.Set(ctx, "event_queue", []byte(`[1,2]`)))
			got, err = store.Get(ctx, "event_queue")
			require.NoError(t, err)
			assert.Equal(t, []byte(`[1,2]`), got)

			require.NoError(t, store.Set(ctx, "shared_session_state:broadcast", []byte(`{}`)))
			got, err = store.Get(ctx, "shared_session_state:broadcast")
			require.NoError(t, err)
			assert.Equal(t, []byte(`{}`), got)

			require.NoError(t, store.Delete(ctx, "event_queue"))
			require.NoError(t, store.Delete(ctx, "event_queue"), "delete is idempotent")
			_, err = store.Get(ctx, "event_queue")
			assert.ErrorIs(t, err, kv.ErrNotFound)

			require.NoError(t, store.Close())
			assert.NoError(t, store.Close(), "close is idempotent")
			assert.ErrorIs(t, store.Set(ctx, "k", nil), kv.ErrStoreClosed)
			_, err = store.Get(ctx, "k")
			assert.ErrorIs(t, err, kv.ErrStoreClosed)
		})
	}
}

func TestStore_Concurrent(t *testing.T) {
	ctx := context.Background()

	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			defer store.Close()

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, store.Set(ctx, "shared", []byte("v")))
					_, err := store.Get(ctx, "shared")
					assert.NoError(t, err)
				}()
			}
			wg.Wait()
		})
	}
}

func TestMemoryStore_Quota(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore(kv.WithMaxBytes(10))

	require.NoError(t, store.Set(ctx, "a", []byte("12345")))
	assert.ErrorIs(t, store.Set(ctx, "b", []byte("123456")), kv.ErrQuotaExceeded)

	// Overwriting shrinks the accounted size
	require.NoError(t, store.Set(ctx, "a", []byte("1")))
	require.NoError(t, store.Set(ctx, "b", []byte("123456789")))
}

func TestMemoryStore_FailWrites(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	boom := errors.New("disk gone")

	store.FailWrites(boom)
	assert.ErrorIs(t, store.Set(ctx, "a", []byte("x")), boom)

	store.FailWrites(nil)
	assert.NoError(t, store.Set(ctx, "a", []byte("x")))
}

func TestMemoryStore_Watch(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()

	var got []kv.Change
	stop, err := store.Watch("k", func(c kv.Change) { got = append(got, c) })
	require.NoError(t, err)

	require.NoError(t, store.Set(ctx, "k", []byte("one")))
	require.NoError(t, store.Set(ctx, "other", []byte("ignored")))
	stop()
	stop()
	require.NoError(t, store.Set(ctx, "k", []byte("two")))

	require.Len(t, got, 1)
	assert.Equal(t, "k", got[0].Key)
	assert.Equal(t, []byte("one"), got[0].Value)
}

func TestSQLiteStore_ProfilesAreIsolated(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shell.db")

	work, err := kv.NewSQLiteStore(path, "work")
	require.NoError(t, err)
	require.NoError(t, work.Set(ctx, "automation_rules", []byte("work-rules")))
	require.NoError(t, work.Close())

	personal, err := kv.NewSQLiteStore(path, "personal")
	require.NoError(t, err)
	defer personal.Close()

	_, err = personal.Get(ctx, "automation_rules")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	reopened, err := kv.NewSQLiteStore(path, "work")
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "automation_rules")
	require.NoError(t, err)
	assert.Equal(t, []byte("work-rules"), got)

	keys, err := reopened.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"automation_rules"}, keys)
}

func TestSQLiteStore_InvalidPath(t *testing.T) {
	_, err := kv.NewSQLiteStore("/nonexistent/path/db.sqlite", "")
	assert.Error(t, err)
}

func TestFileStore_WatchAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	reader, err := kv.NewFileStore(dir, "p1", nil)
	require.NoError(t, err)
	defer reader.Close()

	writer, err := kv.NewFileStore(dir, "p1", nil)
	require.NoError(t, err)
	defer writer.Close()

	changes := make(chan kv.Change, 4)
	stop, err := reader.Watch("shared_session_state:broadcast", func(c kv.Change) {
		changes <- c
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, writer.Set(ctx, "shared_session_state:broadcast", []byte(`{"x":1}`)))

	select {
	case c := <-changes:
		assert.Equal(t, "shared_session_state:broadcast", c.Key)
		assert.JSONEq(t, `{"x":1}`, string(c.Value))
	case <-time.After(5 * time.Second):
		t.Fatal("no change observed")
	}
}
