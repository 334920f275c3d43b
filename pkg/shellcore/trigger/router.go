package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"

	"github.com/randalmurphal/shellcore/pkg/shellcore/clock"
	"github.com/randalmurphal/shellcore/pkg/shellcore/event"
	"github.com/randalmurphal/shellcore/pkg/shellcore/kv"
	"github.com/randalmurphal/shellcore/pkg/shellcore/observability"
)

// StorageKey is the key rules persist under.
const StorageKey = "automation_rules"

// Invoker starts executions. *automation.Engine satisfies it.
type Invoker interface {
	ExecuteAction(ctx context.Context, action string, payload any, ruleID string) (string, error)
}

// Config configures a Router.
type Config struct {
	// Store persists rules. Nil keeps rules in memory.
	Store kv.Store

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
}

type entry struct {
	rule    Rule
	program *vm.Program
	firing  bool // temporary rule claimed by an in-progress trigger
}

// Router matches events against rules and invokes actions for every match.
type Router struct {
	invoker Invoker
	cfg     Config
	logger  *slog.Logger

	mu    sync.RWMutex
	rules map[string]*entry
	order []string

	persistMu sync.Mutex
}

// NewRouter creates a router with no rules.
func NewRouter(invoker Invoker, cfg Config) *Router {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	return &Router{
		invoker: invoker,
		cfg:     cfg,
		logger:  observability.EnrichLogger(cfg.Logger, "trigger"),
		rules:   make(map[string]*entry),
	}
}

// CreateRule validates, compiles and stores a rule. An empty ID is
// generated. Metadata starts empty.
func (r *Router) CreateRule(ctx context.Context, rule Rule) (Rule, error) {
	if rule.ID == "" {
		rule.ID = fmt.Sprintf("rule-%s", uuid.NewString()[:8])
	}
	if rule.Name == "" {
		rule.Name = rule.ID
	}
	rule.Metadata = Metadata{}

	e, err := newEntry(rule)
	if err != nil {
		return Rule{}, err
	}

	r.mu.Lock()
	if _, exists := r.rules[rule.ID]; exists {
		r.mu.Unlock()
		return Rule{}, fmt.Errorf("rule %q already exists", rule.ID)
	}
	r.rules[rule.ID] = e
	r.order = append(r.order, rule.ID)
	r.mu.Unlock()

	r.logger.Info("rule created",
		slog.String("rule_id", rule.ID),
		slog.String("event", rule.Trigger.Event.String()),
		slog.String("action", rule.Action),
	)
	r.persist(ctx)
	return rule, nil
}

func newEntry(rule Rule) (*entry, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	e := &entry{rule: rule}
	if rule.Trigger.Match != "" {
		program, err := Compile(rule.Trigger.Match)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.ID, err)
		}
		e.program = program
	}
	return e, nil
}

// EnableRule enables a rule.
func (r *Router) EnableRule(ctx context.Context, id string) error {
	return r.setEnabled(ctx, id, true)
}

// DisableRule disables a rule. Executions it already started keep running.
func (r *Router) DisableRule(ctx context.Context, id string) error {
	return r.setEnabled(ctx, id, false)
}

func (r *Router) setEnabled(ctx context.Context, id string, enabled bool) error {
	r.mu.Lock()
	e, ok := r.rules[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrRuleNotFound, id)
	}
	changed := e.rule.Enabled != enabled
	e.rule.Enabled = enabled
	r.mu.Unlock()

	if changed {
		r.logger.Info("rule updated", slog.String("rule_id", id), slog.Bool("enabled", enabled))
		r.persist(ctx)
	}
	return nil
}

// DeleteRule removes a rule.
func (r *Router) DeleteRule(ctx context.Context, id string) error {
	if !r.remove(id) {
		return fmt.Errorf("%w: %q", ErrRuleNotFound, id)
	}
	r.logger.Info("rule deleted", slog.String("rule_id", id))
	r.persist(ctx)
	return nil
}

func (r *Router) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[id]; !ok {
		return false
	}
	delete(r.rules, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
	return true
}

// Rule returns a copy of one rule.
func (r *Router) Rule(id string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.rules[id]
	if !ok {
		return Rule{}, false
	}
	return e.rule, true
}

// Rules returns copies of all rules in creation order.
func (r *Router) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.rules[id].rule)
	}
	return out
}

// Listener returns a bus listener that routes events with ctx.
func (r *Router) Listener(ctx context.Context) event.Listener {
	return func(evt event.Event) {
		r.Handle(ctx, evt)
	}
}

// Handle invokes the action of every enabled rule whose trigger matches
// evt, in creation order. A failing rule is logged and does not stop the
// others. It returns the IDs of the executions started.
func (r *Router) Handle(ctx context.Context, evt event.Event) []string {
	extracted := ExtractPayload(evt.Type, evt.Payload)
	env := newEnv(evt.Type, extracted)

	r.mu.RLock()
	candidates := make([]*entry, 0, len(r.order))
	for _, id := range r.order {
		e := r.rules[id]
		if e.rule.Enabled && e.rule.Trigger.Event == evt.Type {
			candidates = append(candidates, e)
		}
	}
	r.mu.RUnlock()

	var started []string
	for _, e := range candidates {
		execID, err := r.fire(ctx, e, extracted, env)
		if err != nil {
			r.logger.Warn("rule failed",
				slog.String("rule_id", e.rule.ID),
				slog.String("event", evt.Type.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if execID != "" {
			started = append(started, execID)
		}
	}
	return started
}

// fire evaluates one rule and invokes its action on a match. It returns an
// empty ID when the rule does not match.
func (r *Router) fire(ctx context.Context, e *entry, extracted any, env Env) (execID string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("rule panicked: %v", p)
		}
	}()

	matched, err := matches(e, extracted, env)
	if err != nil || !matched {
		return "", err
	}

	r.mu.Lock()
	rule := e.rule
	current, ok := r.rules[rule.ID]
	if !ok || current != e || !e.rule.Enabled || (rule.Temporary && e.firing) {
		r.mu.Unlock()
		return "", nil
	}
	if rule.Temporary {
		e.firing = true
	}
	r.mu.Unlock()

	r.cfg.Metrics.RecordRuleMatch(ctx, rule.ID)

	execID, err = r.invoke(ctx, rule, extracted)
	if err != nil {
		r.mu.Lock()
		e.firing = false
		r.mu.Unlock()
		return "", err
	}

	if rule.Temporary {
		r.remove(rule.ID)
		r.logger.Info("temporary rule consumed", slog.String("rule_id", rule.ID))
	} else {
		r.mu.Lock()
		e.rule.Metadata.TriggerCount++
		e.rule.Metadata.LastTriggered = r.cfg.Clock.Now()
		r.mu.Unlock()
	}
	r.persist(ctx)
	return execID, nil
}

func (r *Router) invoke(ctx context.Context, rule Rule, extracted any) (string, error) {
	if r.invoker == nil {
		return "", errors.New("no action invoker configured")
	}
	return r.invoker.ExecuteAction(ctx, rule.Action, extracted, rule.ID)
}

func matches(e *entry, extracted any, env Env) (bool, error) {
	if e.program != nil {
		ok, err := evaluate(e.program, env)
		if err != nil {
			return false, fmt.Errorf("evaluate match: %w", err)
		}
		if !ok {
			return false, nil
		}
	}
	if e.rule.MatchFunc != nil && !e.rule.MatchFunc(extracted) {
		return false, nil
	}
	return true, nil
}

// Load replaces the rule set with the persisted one. Rules that no longer
// validate are dropped and logged.
func (r *Router) Load(ctx context.Context) error {
	if r.cfg.Store == nil {
		return nil
	}
	data, err := r.cfg.Store.Get(ctx, StorageKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	var stored []Rule
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("decode rules: %w", err)
	}

	rules := make(map[string]*entry, len(stored))
	order := make([]string, 0, len(stored))
	for _, rule := range stored {
		e, err := newEntry(rule)
		if err != nil {
			r.logger.Warn("stored rule skipped", slog.String("rule_id", rule.ID), slog.String("error", err.Error()))
			continue
		}
		if _, dup := rules[rule.ID]; dup {
			continue
		}
		rules[rule.ID] = e
		order = append(order, rule.ID)
	}

	r.mu.Lock()
	r.rules, r.order = rules, order
	r.mu.Unlock()

	r.logger.Info("rules loaded", slog.Int("count", len(order)))
	return nil
}

func (r *Router) persist(ctx context.Context) {
	if r.cfg.Store == nil {
		return
	}

	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	data, err := json.Marshal(r.Rules())
	if err != nil {
		observability.LogPersistError(r.logger, StorageKey, err)
		return
	}
	if err := r.cfg.Store.Set(context.WithoutCancel(ctx), StorageKey, data); err != nil {
		observability.LogPersistError(r.logger, StorageKey, err)
	}
}
