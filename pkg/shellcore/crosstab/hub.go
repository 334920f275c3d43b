package crosstab

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
)

// ErrChannelClosed is returned when publishing on a closed channel.
var ErrChannelClosed = errors.New("channel closed")

// Channel is a named broadcast channel between browsing contexts. A message
// published on one endpoint reaches every other endpoint with the same name,
// but not the publisher itself.
type Channel interface {
	Publish(ctx context.Context, msg []byte) error

	// Subscribe registers fn for messages from other endpoints. fn runs on
	// the endpoint's delivery goroutine.
	Subscribe(fn func(msg []byte)) (unsubscribe func())

	Close() error
}

// HubConfig configures hub behavior.
type HubConfig struct {
	// BufferSize is the inbox size per endpoint.
	// Default: 256
	BufferSize int

	// NonBlocking makes Publish drop messages for peers whose inbox is full.
	// Default: false (blocking)
	NonBlocking bool

	// OnDrop is called when a message is dropped (non-blocking mode).
	OnDrop func(channel string)
}

// DefaultHubConfig provides reasonable defaults.
var DefaultHubConfig = HubConfig{
	BufferSize: 256,
}

// Hub is an in-process broadcast medium. Each Open call returns a new
// endpoint, the way each browsing context opens its own channel object.
type Hub struct {
	config HubConfig

	mu        sync.RWMutex
	endpoints map[string]map[uint64]*endpoint

	nextID atomic.Uint64
	closed atomic.Bool
}

// NewHub creates an empty hub.
func NewHub(config HubConfig) *Hub {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultHubConfig.BufferSize
	}
	return &Hub{
		config:    config,
		endpoints: make(map[string]map[uint64]*endpoint),
	}
}

// Open joins the channel with the given name.
func (h *Hub) Open(name string) (Channel, error) {
	if h.closed.Load() {
		return nil, ErrChannelClosed
	}

	e := &endpoint{
		id:      h.nextID.Add(1),
		name:    name,
		hub:     h,
		inbox:   make(chan []byte, h.config.BufferSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		subs:    make(map[int]func([]byte)),
	}

	h.mu.Lock()
	if h.endpoints[name] == nil {
		h.endpoints[name] = make(map[uint64]*endpoint)
	}
	h.endpoints[name][e.id] = e
	h.mu.Unlock()

	go e.process()
	return e, nil
}

// Close closes every endpoint.
func (h *Hub) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}

	h.mu.RLock()
	var all []*endpoint
	for _, byID := range h.endpoints {
		for _, e := range byID {
			all = append(all, e)
		}
	}
	h.mu.RUnlock()

	for _, e := range all {
		_ = e.Close()
	}
	return nil
}

func (h *Hub) peers(name string, except uint64) []*endpoint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	peers := make([]*endpoint, 0, len(h.endpoints[name]))
	for id, e := range h.endpoints[name] {
		if id != except {
			peers = append(peers, e)
		}
	}
	return peers
}

func (h *Hub) remove(e *endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints[e.name], e.id)
	if len(h.endpoints[e.name]) == 0 {
		delete(h.endpoints, e.name)
	}
}

type endpoint struct {
	id      uint64
	name    string
	hub     *Hub
	inbox   chan []byte
	done    chan struct{}
	stopped chan struct{}

	mu      sync.RWMutex
	subs    map[int]func([]byte)
	nextSub int

	closeOnce sync.Once
	closed    atomic.Bool
}

func (e *endpoint) Publish(ctx context.Context, msg []byte) error {
	if e.closed.Load() {
		return ErrChannelClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, peer := range e.hub.peers(e.name, e.id) {
		m := slices.Clone(msg)
		if e.hub.config.NonBlocking {
			select {
			case peer.inbox <- m:
			default:
				if e.hub.config.OnDrop != nil {
					e.hub.config.OnDrop(e.name)
				}
			}
			continue
		}
		select {
		case peer.inbox <- m:
		case <-peer.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *endpoint) Subscribe(fn func([]byte)) func() {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

func (e *endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.hub.remove(e)
		close(e.done)
		<-e.stopped
	})
	return nil
}

// process delivers inbox messages to subscribers in subscription order.
func (e *endpoint) process() {
	defer close(e.stopped)
	for {
		select {
		case msg := <-e.inbox:
			for _, fn := range e.subscribers() {
				fn(msg)
			}
		case <-e.done:
			return
		}
	}
}

func (e *endpoint) subscribers() []func([]byte) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]int, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func([]byte), len(ids))
	for i, id := range ids {
		fns[i] = e.subs[id]
	}
	return fns
}
