package shellcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/shellcore/pkg/shellcore/automation"
	"github.com/randalmurphal/shellcore/pkg/shellcore/clock"
	"github.com/randalmurphal/shellcore/pkg/shellcore/config"
	"github.com/randalmurphal/shellcore/pkg/shellcore/connectivity"
	"github.com/randalmurphal/shellcore/pkg/shellcore/crosstab"
	"github.com/randalmurphal/shellcore/pkg/shellcore/event"
	"github.com/randalmurphal/shellcore/pkg/shellcore/kv"
	"github.com/randalmurphal/shellcore/pkg/shellcore/observability"
	"github.com/randalmurphal/shellcore/pkg/shellcore/queue"
	"github.com/randalmurphal/shellcore/pkg/shellcore/trigger"
)

// DatabaseFile is the SQLite file name under the data directory.
const DatabaseFile = "shellcore.db"

// Core is one wired instance of every service.
type Core struct {
	Settings config.Settings
	Store    kv.Store
	Clock    clock.Clock

	Monitor *connectivity.Monitor
	Bus     *event.Bus
	Queue   *queue.Queue
	Actions *automation.Registry
	Engine  *automation.Engine
	Router  *trigger.Router
	Sync    *crosstab.Synchronizer

	logger     *slog.Logger
	ownsStore  bool
	detach     []func()
	closeOnce  sync.Once
	closeError error
}

// Open opens the store the settings describe, builds a Core on it and
// starts it. The Core closes the store on Close.
func Open(ctx context.Context, settings config.Settings, opts ...Option) (*Core, error) {
	o := applyOptions(settings, opts)

	store, err := OpenStore(settings, o.logger)
	if err != nil {
		return nil, err
	}

	c, err := New(settings, store, append(opts, WithLogger(o.logger))...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	c.ownsStore = true

	if err := c.Start(ctx); err != nil {
		_ = c.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return c, nil
}

// OpenStore opens the profile store selected by settings.Storage.
func OpenStore(settings config.Settings, logger *slog.Logger) (kv.Store, error) {
	switch settings.Storage {
	case config.StorageMemory:
		return kv.NewMemoryStore(), nil
	case config.StorageFile:
		return kv.NewFileStore(settings.DataDir, settings.Profile, logger)
	case config.StorageSQLite:
		if err := os.MkdirAll(settings.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return kv.NewSQLiteStore(filepath.Join(settings.DataDir, DatabaseFile), settings.Profile)
	default:
		return nil, fmt.Errorf("unknown storage %q", settings.Storage)
	}
}

func applyOptions(settings config.Settings, opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = observability.NewLogger(observability.LogSettings{
			Level:  settings.LogLevel,
			Format: settings.LogFormat,
		})
	}
	if o.clock == nil {
		o.clock = clock.Real{}
	}
	if o.metrics == nil {
		o.metrics = observability.NoopMetrics{}
		if settings.Telemetry {
			o.metrics = observability.NewMetricsRecorder()
		}
	}
	if o.spans == nil {
		o.spans = observability.NoopSpanManager{}
		if settings.Telemetry {
			o.spans = observability.NewSpanManager(nil)
		}
	}
	if o.prober == nil && settings.Connectivity.ProbeURL != "" {
		o.prober = connectivity.NewHTTPProber(settings.Connectivity.ProbeURL)
	}
	return o
}

// New builds and wires a Core on store. Call Start before use.
func New(settings config.Settings, store kv.Store, opts ...Option) (*Core, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	o := applyOptions(settings, opts)

	c := &Core{
		Settings: settings,
		Store:    store,
		Clock:    o.clock,
		Actions:  automation.NewRegistry(),
		logger:   o.logger.With(slog.String("profile", settings.Profile)),
	}

	monitorOpts := []connectivity.Option{
		connectivity.WithLogger(c.logger),
		connectivity.WithPollInterval(settings.Connectivity.PollInterval),
		connectivity.WithClock(o.clock),
	}
	if o.prober != nil {
		monitorOpts = append(monitorOpts, connectivity.WithProber(o.prober))
	}
	c.Monitor = connectivity.NewMonitor(settings.Connectivity.Online, monitorOpts...)

	c.Bus = event.NewBus(event.BusConfig{
		Logger:  c.logger,
		Metrics: o.metrics,
	})

	c.Sync = crosstab.New(crosstab.Config{
		Store:   store,
		Channel: o.channel,
		Origin:  o.origin,
		Clock:   o.clock,
		Logger:  c.logger,
	})

	c.Queue = queue.New(c.Bus, c.Monitor, queue.Config{
		Capacity:       settings.Queue.Capacity,
		MaxAge:         settings.Queue.MaxAge,
		MaxRetries:     settings.Queue.MaxRetries,
		ReplayDelay:    settings.Queue.ReplayDelay,
		ReplayInterval: settings.Queue.ReplayInterval,
		Store:          store,
		Clock:          o.clock,
		Logger:         c.logger,
		Metrics:        o.metrics,
		Spans:          o.spans,
		OnChange: func(depth int) {
			c.mirror(context.Background(), crosstab.QueueDepth(depth))
		},
	})
	c.Bus.AttachQueue(c.Queue, c.Monitor)

	var executor automation.Executor = c.Actions
	if o.executor != nil {
		executor = o.executor
	}
	c.Engine = automation.New(executor, c.Bus, automation.Config{
		Timeout:    settings.Automation.Timeout,
		PurgeDelay: settings.Automation.PurgeDelay,
		Clock:      o.clock,
		Logger:     c.logger,
		Metrics:    o.metrics,
		Spans:      o.spans,
	})

	c.Router = trigger.NewRouter(c.Engine, trigger.Config{
		Store:   store,
		Clock:   o.clock,
		Logger:  c.logger,
		Metrics: o.metrics,
	})

	c.detach = append(c.detach,
		c.Bus.Subscribe(c.Router.Listener(context.Background())),
		c.Bus.Subscribe(c.mirrorEvent),
		c.Engine.OnExecutionsChange(c.mirrorExecutions),
	)
	return c, nil
}

// Start restores persisted queue, rules and shared state, creates the
// rules from Settings.RulesFile, and attaches cross-context sync.
func (c *Core) Start(ctx context.Context) error {
	if err := c.Queue.Load(ctx); err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	if err := c.Router.Load(ctx); err != nil {
		c.logger.Warn("stored rules unreadable; starting with none", slog.String("error", err.Error()))
	}
	if c.Settings.RulesFile != "" {
		if _, err := c.Router.LoadRulesFile(ctx, c.Settings.RulesFile); err != nil {
			return err
		}
	}
	if err := c.Sync.Start(ctx); err != nil {
		return fmt.Errorf("start sync: %w", err)
	}
	c.mirror(ctx, crosstab.QueueDepth(c.Queue.Len()))

	c.logger.Info("core started",
		slog.Int("queued", c.Queue.Len()),
		slog.Int("rules", len(c.Router.Rules())),
		slog.Bool("online", c.Monitor.Online()),
	)
	return nil
}

// Run runs the connectivity monitor and the queue replay loop until ctx is
// cancelled.
func (c *Core) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Monitor.Run(ctx)
	})
	g.Go(func() error {
		return c.Queue.Run(ctx)
	})
	return g.Wait()
}

// Emit publishes an event on the bus.
func (c *Core) Emit(ctx context.Context, evt event.Event) error {
	return c.Bus.Emit(ctx, evt)
}

// Close cancels running automations, detaches listeners and closes the
// shared state channel, and the store if Open created it.
func (c *Core) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		var errs []error
		for _, detach := range c.detach {
			detach()
		}
		if err := c.Engine.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close engine: %w", err))
		}
		if err := c.Sync.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sync: %w", err))
		}
		if c.ownsStore {
			if err := c.Store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
		}
		c.closeError = errors.Join(errs...)
		c.logger.Info("core closed")
	})
	return c.closeError
}

func (c *Core) mirrorEvent(evt event.Event) {
	patch := crosstab.Activity(c.Clock.Now())
	if evt.Type == event.TypeTabSwitch {
		if id, ok := tabID(evt.Payload); ok {
			patch = patch.Merge(crosstab.ActiveTab(id))
		}
	}
	c.mirror(context.Background(), patch)
}

func (c *Core) mirrorExecutions(execs []automation.Execution) {
	ids := make([]string, 0, len(execs))
	for _, x := range execs {
		if x.Status == automation.StatusRunning {
			ids = append(ids, x.ID)
		}
	}
	c.mirror(context.Background(), crosstab.Automations(ids))
}

func (c *Core) mirror(ctx context.Context, patch crosstab.Patch) {
	if err := c.Sync.Update(ctx, patch); err != nil {
		c.logger.Debug("shared state update incomplete", slog.String("error", err.Error()))
	}
}

func tabID(payload any) (string, bool) {
	switch p := payload.(type) {
	case string:
		return p, p != ""
	case event.TabPayload:
		return p.TabID, p.TabID != ""
	case map[string]any:
		id, ok := p["tabId"].(string)
		return id, ok && id != ""
	}
	return "", false
}
