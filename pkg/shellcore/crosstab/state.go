package crosstab

import (
	"slices"
	"time"
)

// State is the session record shared by every browsing context of a
// profile.
type State struct {
	ActiveTabID       string    `json:"activeTabId,omitempty"`
	LastActivity      time.Time `json:"lastActivity,omitzero"`
	ActiveAutomations []string  `json:"activeAutomations"`
	QueuedEvents      int       `json:"queuedEvents"`
	SessionStartTime  time.Time `json:"sessionStartTime"`
}

// Clone returns a deep copy.
func (s State) Clone() State {
	s.ActiveAutomations = slices.Clone(s.ActiveAutomations)
	return s
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	ActiveTabID       *string    `json:"activeTabId,omitempty"`
	LastActivity      *time.Time `json:"lastActivity,omitempty"`
	ActiveAutomations *[]string  `json:"activeAutomations,omitempty"`
	QueuedEvents      *int       `json:"queuedEvents,omitempty"`
	SessionStartTime  *time.Time `json:"sessionStartTime,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.ActiveTabID == nil && p.LastActivity == nil && p.ActiveAutomations == nil &&
		p.QueuedEvents == nil && p.SessionStartTime == nil
}

// Apply returns s with the patch's fields overwritten.
func (p Patch) Apply(s State) State {
	s = s.Clone()
	if p.ActiveTabID != nil {
		s.ActiveTabID = *p.ActiveTabID
	}
	if p.LastActivity != nil {
		s.LastActivity = *p.LastActivity
	}
	if p.ActiveAutomations != nil {
		s.ActiveAutomations = slices.Clone(*p.ActiveAutomations)
	}
	if p.QueuedEvents != nil {
		s.QueuedEvents = *p.QueuedEvents
	}
	if p.SessionStartTime != nil {
		s.SessionStartTime = *p.SessionStartTime
	}
	return s
}

// Merge returns a patch with q's fields layered over p's.
func (p Patch) Merge(q Patch) Patch {
	if q.ActiveTabID != nil {
		p.ActiveTabID = q.ActiveTabID
	}
	if q.LastActivity != nil {
		p.LastActivity = q.LastActivity
	}
	if q.ActiveAutomations != nil {
		p.ActiveAutomations = q.ActiveAutomations
	}
	if q.QueuedEvents != nil {
		p.QueuedEvents = q.QueuedEvents
	}
	if q.SessionStartTime != nil {
		p.SessionStartTime = q.SessionStartTime
	}
	return p
}

// ActiveTab sets the active tab.
func ActiveTab(id string) Patch {
	return Patch{ActiveTabID: &id}
}

// Activity sets the last activity time.
func Activity(at time.Time) Patch {
	return Patch{LastActivity: &at}
}

// Automations sets the running automation IDs.
func Automations(ids []string) Patch {
	ids = slices.Clone(ids)
	if ids == nil {
		ids = []string{}
	}
	return Patch{ActiveAutomations: &ids}
}

// QueueDepth sets the queued event count.
func QueueDepth(n int) Patch {
	return Patch{QueuedEvents: &n}
}
