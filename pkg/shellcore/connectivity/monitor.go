// Package connectivity tracks whether the shell is online.
//
// The online flag is driven by two inputs: native online/offline
// notifications delivered through SetOnline, and a periodic probe that
// catches transitions the native notifications missed.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/shellcore/pkg/shellcore/clock"
)

// DefaultPollInterval is the fallback probe interval.
const DefaultPollInterval = 5 * time.Second

// Prober checks connectivity once.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) bool {
	return f(ctx)
}

// Monitor holds the online flag and notifies subscribers on transitions.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	listeners map[int]func(bool)
	nextID    int

	prober   Prober
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithProber sets the fallback probe. Without one, Poll is a no-op.
func WithProber(p Prober) Option {
	return func(m *Monitor) {
		m.prober = p
	}
}

// WithPollInterval sets how often Run probes.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithClock sets the clock that paces Run.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(online bool, opts ...Option) *Monitor {
	m := &Monitor{
		online:    online,
		listeners: make(map[int]func(bool)),
		interval:  DefaultPollInterval,
		clock:     clock.Real{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "connectivity")
	return m
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a native online/offline notification. Subscribers are
// notified only when the state actually changes.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]func(bool), 0, len(m.listeners))
	for id := 0; id < m.nextID; id++ {
		if fn, ok := m.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", online)
	for _, fn := range fns {
		fn(online)
	}
}

// Subscribe registers fn for transitions. Listeners run in subscription
// order on the goroutine that observed the change.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Poll runs the probe once and applies its result.
func (m *Monitor) Poll(ctx context.Context) bool {
	if m.prober == nil {
		return m.Online()
	}
	online := m.prober.Probe(ctx)
	if ctx.Err() != nil {
		return m.Online()
	}
	m.SetOnline(online)
	return online
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	if m.prober == nil {
		<-ctx.Done()
		return nil
	}

	ticker := clock.NewTicker(m.clock, m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}
