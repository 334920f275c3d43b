package trigger

import (
	"encoding/json"
	"time"

	"github.com/randalmurphal/shellcore/pkg/shellcore/event"
)

type urlCarrier interface {
	PageURL() string
}

type durationCarrier interface {
	IdleDuration() time.Duration
}

// ExtractPayload normalizes an event payload into the shape rules see.
//
// For TAB_OPEN, TAB_UPDATE, NAVIGATE and PAGE_LOAD the result is the page URL
// taken from a string, a map with a "url" key, or a value with a PageURL
// method. For IDLE the result is a time.Duration taken from a
// time.Duration, a number of milliseconds, a map with a "duration" key, or
// a value with an IdleDuration method. Unrecognized shapes and other types
// pass through unchanged; nil stays nil.
func ExtractPayload(t event.Type, payload any) any {
	if payload == nil {
		return nil
	}

	switch t {
	case event.TypeTabOpen, event.TypeTabUpdate, event.TypeNavigate, event.TypePageLoad:
		if u, ok := extractURL(payload); ok {
			return u
		}
	case event.TypeIdle:
		if d, ok := extractDuration(payload); ok {
			return d
		}
	}
	return payload
}

func extractURL(payload any) (string, bool) {
	switch p := payload.(type) {
	case string:
		return p, true
	case urlCarrier:
		return p.PageURL(), true
	case map[string]any:
		u, ok := p["url"].(string)
		return u, ok
	case map[string]string:
		u, ok := p["url"]
		return u, ok
	}
	return "", false
}

func extractDuration(payload any) (time.Duration, bool) {
	switch p := payload.(type) {
	case time.Duration:
		return p, true
	case durationCarrier:
		return p.IdleDuration(), true
	case map[string]any:
		return millis(p["duration"])
	}
	return millis(payload)
}

// millis interprets a number as milliseconds.
func millis(v any) (time.Duration, bool) {
	switch n := v.(type) {
	case time.Duration:
		return n, true
	case int:
		return time.Duration(n) * time.Millisecond, true
	case int64:
		return time.Duration(n) * time.Millisecond, true
	case float64:
		return time.Duration(n * float64(time.Millisecond)), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return time.Duration(f * float64(time.Millisecond)), true
	}
	return 0, false
}
