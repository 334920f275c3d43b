package kv

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory store for tests and ephemeral sessions.
// Data is lost when the process exits.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string][]byte
	size     int
	maxBytes int
	failing  error
	watchers map[string]map[int]func(Change)
	nextID   int
	closed   bool
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMaxBytes rejects writes that would grow the total value size past n.
func WithMaxBytes(n int) MemoryOption {
	return func(m *MemoryStore) {
		m.maxBytes = n
	}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		data:     make(map[string][]byte),
		watchers: make(map[string]map[int]func(Change)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FailWrites makes every subsequent Set return err. Pass nil to restore
// normal behavior.
func (m *MemoryStore) FailWrites(err error) {
	m.mu.Lock()
	m.failing = err
	m.mu.Unlock()
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}

	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set implements Store.
func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return ErrStoreClosed
	}
	if m.failing != nil {
		err := m.failing
		m.mu.Unlock()
		return err
	}

	newSize := m.size - len(m.data[key]) + len(value)
	if m.maxBytes > 0 && newSize > m.maxBytes {
		m.mu.Unlock()
		return ErrQuotaExceeded
	}

	// Copy data to avoid retaining caller's slice
	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	m.size = newSize

	fns := make([]func(Change), 0, len(m.watchers[key]))
	for _, fn := range m.watchers[key] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		v := make([]byte, len(stored))
		copy(v, stored)
		fn(Change{Key: key, Value: v})
	}
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	m.size -= len(m.data[key])
	delete(m.data, key)
	return nil
}

// Watch implements Watcher. Notifications are delivered synchronously from
// the writer's Set call.
func (m *MemoryStore) Watch(key string, fn func(Change)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	if m.watchers[key] == nil {
		m.watchers[key] = make(map[int]func(Change))
	}
	id := m.nextID
	m.nextID++
	m.watchers[key][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers[key], id)
			m.mu.Unlock()
		})
	}, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	m.watchers = nil
	return nil
}
