package automation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrUnknownAction is returned when no handler is registered for an action.
var ErrUnknownAction = errors.New("unknown action")

// ActionFunc performs one action. It must observe ctx at every suspend
// point and return promptly once ctx is done.
type ActionFunc func(ctx context.Context, payload any) error

// Executor runs named actions. Execute returns nil on success.
type Executor interface {
	Execute(ctx context.Context, action string, payload any) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, action string, payload any) error

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, action string, payload any) error {
	return f(ctx, action, payload)
}

// Registry maps action names to handlers.
type Registry struct {
	handlers map[string]ActionFunc
	mu       sync.RWMutex
}

// NewRegistry creates an empty action registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]ActionFunc),
	}
}

// Register adds a handler for an action name.
func (r *Registry) Register(action string, fn ActionFunc) error {
	if action == "" {
		return errors.New("action name is required")
	}
	if fn == nil {
		return errors.New("handler is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[action]; exists {
		return fmt.Errorf("handler for action %q already registered", action)
	}

	r.handlers[action] = fn
	return nil
}

// MustRegister registers a handler, panicking on error.
func (r *Registry) MustRegister(action string, fn ActionFunc) {
	if err := r.Register(action, fn); err != nil {
		panic(err)
	}
}

// Get returns the handler for an action name.
func (r *Registry) Get(action string) (ActionFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[action]
	return fn, ok
}

// List returns all registered action names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Unregister removes the handler for an action name.
func (r *Registry) Unregister(action string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, action)
}

// Execute implements Executor.
func (r *Registry) Execute(ctx context.Context, action string, payload any) error {
	fn, ok := r.Get(action)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return fn(ctx, payload)
}
