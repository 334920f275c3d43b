package event

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// SchemaVersion is the version of the event type enumeration.
// Persisted queues written by a different version are still loaded; events
// whose type is no longer known are dropped on load.
const SchemaVersion = 1

// Type identifies what happened. The set of types is closed.
type Type string

// Tab lifecycle, navigation and activity types.
const (
	TypeTabOpen   Type = "TAB_OPEN"
	TypeTabClose  Type = "TAB_CLOSE"
	TypeTabUpdate Type = "TAB_UPDATE"
	TypeTabSwitch Type = "TAB_SWITCH"
	TypeNavigate  Type = "NAVIGATE"
	TypePageLoad  Type = "PAGE_LOAD"
	TypeIdle      Type = "IDLE"
	TypeScroll    Type = "SCROLL"
	TypeInvoke    Type = "INVOKE"
	TypeCommand   Type = "COMMAND"
)

// Automation lifecycle types, emitted by the automation engine.
const (
	TypeAutomationStarted   Type = "AUTOMATION_STARTED"
	TypeAutomationCompleted Type = "AUTOMATION_COMPLETED"
	TypeAutomationFailed    Type = "AUTOMATION_FAILED"
	TypeAutomationCancelled Type = "AUTOMATION_CANCELLED"
	TypeAutomationTimeout   Type = "AUTOMATION_TIMEOUT"
)

var allTypes = []Type{
	TypeTabOpen, TypeTabClose, TypeTabUpdate, TypeTabSwitch,
	TypeNavigate, TypePageLoad, TypeIdle, TypeScroll,
	TypeInvoke, TypeCommand,
	TypeAutomationStarted, TypeAutomationCompleted, TypeAutomationFailed,
	TypeAutomationCancelled, TypeAutomationTimeout,
}

// criticalTypes are always routed through the queue when one is attached,
// even while online.
var criticalTypes = map[Type]bool{
	TypeCommand:             true,
	TypeAutomationStarted:   true,
	TypeAutomationCompleted: true,
	TypeAutomationFailed:    true,
}

// Types returns every known event type in declaration order.
func Types() []Type {
	return slices.Clone(allTypes)
}

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	return slices.Contains(allTypes, t)
}

// Critical reports whether events of type t must be queued.
func (t Type) Critical() bool {
	return criticalTypes[t]
}

// String returns the type name.
func (t Type) String() string {
	return string(t)
}

// ParseType converts a name into a Type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
	return t, nil
}

// Event is an immutable notification with an optional payload.
// Events have no identity until they are queued.
type Event struct {
	Type    Type `json:"type"`
	Payload any  `json:"payload,omitempty"`
}

// New creates an event.
func New(t Type, payload any) Event {
	return Event{Type: t, Payload: payload}
}

// Validate checks that the event type is known.
func (e Event) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	return nil
}

// TabPayload describes a tab for tab lifecycle and navigation events.
type TabPayload struct {
	TabID string `json:"tabId,omitempty"`
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// PageURL returns the tab's URL.
func (p TabPayload) PageURL() string {
	return p.URL
}

// IdlePayload describes how long the user has been idle. It encodes the
// duration as whole milliseconds.
type IdlePayload struct {
	Duration time.Duration `json:"-"`
}

type idleJSON struct {
	DurationMs int64 `json:"duration"`
}

// MarshalJSON implements json.Marshaler.
func (p IdlePayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(idleJSON{DurationMs: p.Duration.Milliseconds()})
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *IdlePayload) UnmarshalJSON(data []byte) error {
	var v idleJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	p.Duration = time.Duration(v.DurationMs) * time.Millisecond
	return nil
}

// IdleDuration returns the idle duration.
func (p IdlePayload) IdleDuration() time.Duration {
	return p.Duration
}
