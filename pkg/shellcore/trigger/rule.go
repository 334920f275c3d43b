package trigger

import (
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/shellcore/pkg/shellcore/event"
)

// ErrRuleNotFound is returned when a rule ID is unknown.
var ErrRuleNotFound = errors.New("rule not found")

// MatchFunc is a programmatic predicate over the extracted payload.
type MatchFunc func(payload any) bool

// Trigger selects the events a rule reacts to.
type Trigger struct {
	Event event.Type `json:"event"`

	// Match is an optional boolean expression over the extracted payload.
	Match string `json:"match,omitempty"`
}

// Metadata records how often a rule has fired.
type Metadata struct {
	TriggerCount  int       `json:"triggerCount"`
	LastTriggered time.Time `json:"lastTriggered,omitzero"`
}

// Rule is a user-authored "on event E matching P, run action A" declaration.
// Only Enabled and Metadata change after creation.
type Rule struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Enabled   bool     `json:"enabled"`
	Temporary bool     `json:"temporary,omitempty"`
	Trigger   Trigger  `json:"trigger"`
	Action    string   `json:"action"`
	Metadata  Metadata `json:"metadata"`

	// MatchFunc, if set, must also accept the payload. It is not persisted.
	MatchFunc MatchFunc `json:"-"`
}

// Validate checks the rule's structure.
func (r Rule) Validate() error {
	if !r.Trigger.Event.Valid() {
		return fmt.Errorf("rule %q: %w: %q", r.ID, event.ErrUnknownType, r.Trigger.Event)
	}
	if r.Action == "" {
		return fmt.Errorf("rule %q: action is required", r.ID)
	}
	return nil
}
