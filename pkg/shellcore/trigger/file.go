package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/shellcore/pkg/shellcore/event"
)

// ruleFile is the YAML layout of a rule definition file:
//
//	rules:
//	  - id: arxiv-summary
//	    name: Summarize arXiv papers
//	    trigger:
//	      event: TAB_OPEN
//	      match: url contains "arxiv.org"
//	    action: summarize
type ruleFile struct {
	Rules []ruleDef `yaml:"rules"`
}

type ruleDef struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Enabled   *bool  `yaml:"enabled"`
	Temporary bool   `yaml:"temporary"`
	Trigger   struct {
		Event string `yaml:"event"`
		Match string `yaml:"match"`
	} `yaml:"trigger"`
	Action string `yaml:"action"`
}

// ParseRules decodes YAML rule definitions. Rules are enabled unless the
// definition says otherwise.
func ParseRules(data []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}

	rules := make([]Rule, 0, len(f.Rules))
	for i, def := range f.Rules {
		t, err := event.ParseType(def.Trigger.Event)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		enabled := true
		if def.Enabled != nil {
			enabled = *def.Enabled
		}
		rules = append(rules, Rule{
			ID:        def.ID,
			Name:      def.Name,
			Enabled:   enabled,
			Temporary: def.Temporary,
			Trigger:   Trigger{Event: t, Match: def.Trigger.Match},
			Action:    def.Action,
		})
	}
	return rules, nil
}

// LoadRulesFile creates the rules defined in a YAML file. Rules whose ID
// already exists are left unchanged. It returns the rules it created.
func (r *Router) LoadRulesFile(ctx context.Context, path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	defs, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var created []Rule
	for _, def := range defs {
		if def.ID != "" {
			if _, exists := r.Rule(def.ID); exists {
				r.logger.Debug("rule already defined", slog.String("rule_id", def.ID))
				continue
			}
		}
		rule, err := r.CreateRule(ctx, def)
		if err != nil {
			return created, fmt.Errorf("%s: %w", path, err)
		}
		created = append(created, rule)
	}
	return created, nil
}
