package crosstab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/shellcore/pkg/shellcore/clock"
	"github.com/randalmurphal/shellcore/pkg/shellcore/kv"
	"github.com/randalmurphal/shellcore/pkg/shellcore/observability"
)

// Storage keys and the default channel name.
const (
	StorageKey   = "shared_session_state"
	BroadcastKey = StorageKey + ":broadcast"
	ChannelName  = StorageKey
)

// DefaultActivityInterval is the minimum spacing of outbound writes for
// patches that only move LastActivity.
const DefaultActivityInterval = time.Second

// Message is what one context sends the others.
type Message struct {
	Origin string `json:"origin"`
	Seq    uint64 `json:"seq"`
	Patch  Patch  `json:"patch"`
}

// Config configures a Synchronizer.
type Config struct {
	// Store persists the full state. When Channel is nil and Store
	// implements kv.Watcher, patches are also exchanged through it.
	Store kv.Store

	// Channel carries patches to other contexts. The synchronizer owns it
	// and closes it on Close.
	Channel Channel

	// Origin identifies this context. Generated when empty.
	Origin string

	// ActivityInterval coalesces activity-only patches: they apply locally
	// at once but are persisted and broadcast at most once per interval.
	// Default: DefaultActivityInterval. Negative writes every patch.
	ActivityInterval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Synchronizer keeps one context's copy of the shared session state and
// exchanges patches with the others.
//
// Merges are last writer wins per field, in arrival order. Two contexts
// writing the same field at nearly the same time can each end up with the
// other's value; this is accepted for fields that are advisory.
type Synchronizer struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	state State
	seq   uint64
	stops []func()

	lastWrite       time.Time   // last outbound persist and broadcast
	activityPending bool        // LastActivity changed since lastWrite
	activityTimer   clock.Timer // flushes the pending activity

	listenMu  sync.Mutex
	listeners map[int]func(State)
	nextID    int

	persistMu sync.Mutex
	closeOnce sync.Once
}

// New creates a synchronizer whose session starts now.
func New(cfg Config) *Synchronizer {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Origin == "" {
		cfg.Origin = fmt.Sprintf("ctx-%s", uuid.NewString()[:8])
	}
	if cfg.ActivityInterval == 0 {
		cfg.ActivityInterval = DefaultActivityInterval
	}
	return &Synchronizer{
		cfg:       cfg,
		logger:    observability.EnrichLogger(cfg.Logger, "crosstab").With(slog.String("origin", cfg.Origin)),
		state:     State{ActiveAutomations: []string{}, SessionStartTime: cfg.Clock.Now()},
		listeners: make(map[int]func(State)),
	}
}

// Origin returns this context's identifier.
func (s *Synchronizer) Origin() string {
	return s.cfg.Origin
}

// Start restores the persisted state and begins receiving patches from
// other contexts.
func (s *Synchronizer) Start(ctx context.Context) error {
	if err := s.restore(ctx); err != nil {
		return err
	}

	var stop func()
	switch {
	case s.cfg.Channel != nil:
		stop = s.cfg.Channel.Subscribe(s.receive)
	case s.watcher() != nil:
		var err error
		stop, err = s.watcher().Watch(BroadcastKey, func(c kv.Change) { s.receive(c.Value) })
		if err != nil {
			return fmt.Errorf("watch %s: %w", BroadcastKey, err)
		}
		s.logger.Debug("no broadcast channel; exchanging patches through storage")
	default:
		s.logger.Debug("no broadcast channel or watchable store; state stays local")
		return nil
	}

	s.mu.Lock()
	s.stops = append(s.stops, stop)
	s.mu.Unlock()
	return nil
}

func (s *Synchronizer) watcher() kv.Watcher {
	w, _ := s.cfg.Store.(kv.Watcher)
	return w
}

func (s *Synchronizer) restore(ctx context.Context) error {
	if s.cfg.Store == nil {
		return nil
	}
	data, err := s.cfg.Store.Get(ctx, StorageKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore shared state: %w", err)
	}

	var stored State
	if err := json.Unmarshal(data, &stored); err != nil {
		s.logger.Warn("stored shared state unreadable; starting fresh", slog.String("error", err.Error()))
		return nil
	}
	if stored.ActiveAutomations == nil {
		stored.ActiveAutomations = []string{}
	}

	s.mu.Lock()
	if stored.SessionStartTime.IsZero() {
		stored.SessionStartTime = s.state.SessionStartTime
	}
	s.state = stored
	snap := s.state.Clone()
	s.mu.Unlock()

	s.notify(snap)
	return nil
}

// Update applies a patch locally, persists the full state, then broadcasts
// the patch. The local state is updated even when persisting or
// broadcasting fails.
//
// A patch that only sets LastActivity is written at most once per
// ActivityInterval; later ones within the interval are folded into a
// single deferred write, or into the next other patch if that comes first.
func (s *Synchronizer) Update(ctx context.Context, patch Patch) error {
	if patch.Empty() {
		return nil
	}

	s.mu.Lock()
	s.state = patch.Apply(s.state)
	snap := s.state.Clone()

	now := s.cfg.Clock.Now()
	if patch.activityOnly() && s.throttledLocked(now) {
		s.activityPending = true
		if s.activityTimer == nil {
			wait := s.lastWrite.Add(s.cfg.ActivityInterval).Sub(now)
			s.activityTimer = s.cfg.Clock.AfterFunc(wait, s.flushActivity)
		}
		s.mu.Unlock()
		s.notify(snap)
		return nil
	}

	if s.activityPending && patch.LastActivity == nil {
		patch = patch.Merge(Activity(s.state.LastActivity))
	}
	msg := s.nextMessageLocked(patch, now)
	s.mu.Unlock()

	s.notify(snap)
	return s.write(ctx, msg)
}

func (p Patch) activityOnly() bool {
	return p.LastActivity != nil && p.ActiveTabID == nil && p.ActiveAutomations == nil &&
		p.QueuedEvents == nil && p.SessionStartTime == nil
}

func (s *Synchronizer) throttledLocked(now time.Time) bool {
	return s.cfg.ActivityInterval > 0 && !s.lastWrite.IsZero() &&
		now.Sub(s.lastWrite) < s.cfg.ActivityInterval
}

// nextMessageLocked stamps an outbound patch and clears any pending
// activity it now carries.
func (s *Synchronizer) nextMessageLocked(patch Patch, now time.Time) Message {
	s.seq++
	s.lastWrite = now
	s.activityPending = false
	if s.activityTimer != nil {
		s.activityTimer.Stop()
		s.activityTimer = nil
	}
	return Message{Origin: s.cfg.Origin, Seq: s.seq, Patch: patch}
}

// flushActivity writes activity held back by the interval.
func (s *Synchronizer) flushActivity() {
	s.mu.Lock()
	if !s.activityPending {
		s.mu.Unlock()
		return
	}
	msg := s.nextMessageLocked(Activity(s.state.LastActivity), s.cfg.Clock.Now())
	s.mu.Unlock()

	if err := s.write(context.Background(), msg); err != nil {
		s.logger.Debug("deferred activity write incomplete", slog.String("error", err.Error()))
	}
}

func (s *Synchronizer) write(ctx context.Context, msg Message) error {
	persistErr := s.persist(ctx)
	broadcastErr := s.broadcast(ctx, msg)
	return errors.Join(persistErr, broadcastErr)
}

func (s *Synchronizer) persist(ctx context.Context) error {
	if s.cfg.Store == nil {
		return nil
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	data, err := json.Marshal(s.State())
	if err != nil {
		return fmt.Errorf("encode shared state: %w", err)
	}
	if err := s.cfg.Store.Set(context.WithoutCancel(ctx), StorageKey, data); err != nil {
		observability.LogPersistError(s.logger, StorageKey, err)
		return fmt.Errorf("persist shared state: %w", err)
	}
	return nil
}

func (s *Synchronizer) broadcast(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode patch: %w", err)
	}

	switch {
	case s.cfg.Channel != nil:
		if err := s.cfg.Channel.Publish(ctx, data); err != nil {
			return fmt.Errorf("broadcast patch: %w", err)
		}
	case s.watcher() != nil:
		if err := s.cfg.Store.Set(context.WithoutCancel(ctx), BroadcastKey, data); err != nil {
			return fmt.Errorf("broadcast patch through storage: %w", err)
		}
	}
	return nil
}

// receive merges a patch from another context.
func (s *Synchronizer) receive(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("malformed shared state message", slog.String("error", err.Error()))
		return
	}
	if msg.Origin == s.cfg.Origin || msg.Patch.Empty() {
		return
	}

	s.mu.Lock()
	s.state = msg.Patch.Apply(s.state)
	snap := s.state.Clone()
	s.mu.Unlock()

	s.logger.Debug("merged remote patch", slog.String("from", msg.Origin), slog.Uint64("seq", msg.Seq))
	s.notify(snap)
}

// State returns a copy of the current state.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Subscribe registers fn for every local or remote state change. The
// returned function unsubscribes.
func (s *Synchronizer) Subscribe(fn func(State)) func() {
	s.listenMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenMu.Lock()
			delete(s.listeners, id)
			s.listenMu.Unlock()
		})
	}
}

func (s *Synchronizer) notify(state State) {
	s.listenMu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(State), len(ids))
	for i, id := range ids {
		fns[i] = s.listeners[id]
	}
	s.listenMu.Unlock()

	for _, fn := range fns {
		fn(state.Clone())
	}
}

// Close writes any held-back activity, stops receiving patches and
// closes the channel.
func (s *Synchronizer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.flushActivity()

		s.mu.Lock()
		stops := s.stops
		s.stops = nil
		s.mu.Unlock()

		for _, stop := range stops {
			stop()
		}
		if s.cfg.Channel != nil {
			err = s.cfg.Channel.Close()
		}
	})
	return err
}
