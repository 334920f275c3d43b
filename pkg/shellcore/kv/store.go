// Package kv provides durable key-value storage scoped to one browsing profile.
//
// The queue, the rule set and the shared session record each persist a single
// JSON document under a fixed key. Stores that implement Watcher also report
// changes, which the cross-context synchronizer uses when no broadcast
// channel is available.
package kv

import (
	"context"
	"errors"
)

// Store persists values by key.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves the value stored under key.
	// Returns ErrNotFound if the key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, overwriting any previous value.
	// Returns ErrQuotaExceeded if the store is full.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Returns nil if the key doesn't exist.
	Delete(ctx context.Context, key string) error

	// Close releases any resources (connections, files, watchers).
	Close() error
}

// Change describes a value written to a watched key.
type Change struct {
	Key   string
	Value []byte
}

// Watcher is implemented by stores that report writes.
type Watcher interface {
	// Watch calls fn for every write to key until the returned stop function
	// is called or the store is closed. fn runs on the store's notification
	// goroutine and must not block.
	Watch(key string, fn func(Change)) (stop func(), err error)
}

// Sentinel errors for storage operations.
var (
	// ErrNotFound indicates a key doesn't exist.
	ErrNotFound = errors.New("key not found")

	// ErrQuotaExceeded indicates a write was rejected for lack of space.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("store closed")
)

// DefaultProfile is the profile used when none is configured.
const DefaultProfile = "default"
