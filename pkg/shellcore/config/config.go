package config

import (
	"maps"
	"strconv"
	"strings"
	"time"
)

// Config wraps a decoded YAML or JSON document for typed lookups.
// Keys may be dotted paths into nested maps ("queue.capacity"). Every
// accessor returns its default when the key is missing or the value has the
// wrong type.
type Config struct {
	data map[string]any
}

// New creates a Config from the given map. A nil map is treated as empty.
func New(data map[string]any) Config {
	if data == nil {
		data = make(map[string]any)
	}
	return Config{data: data}
}

func (c Config) lookup(key string) (any, bool) {
	if v, ok := c.data[key]; ok {
		return v, true
	}
	head, rest, found := strings.Cut(key, ".")
	if !found {
		return nil, false
	}
	return c.Section(head).lookup(rest)
}

// Section returns the nested map under key as a Config. It is empty when
// the key is missing or not a map.
func (c Config) Section(key string) Config {
	v, ok := c.lookup(key)
	if !ok {
		return New(nil)
	}
	if m, ok := asMap(v); ok {
		return New(m)
	}
	return New(nil)
}

// String returns the string at key, or defaultVal.
func (c Config) String(key, defaultVal string) string {
	if s, ok := c.lookupAs(key).(string); ok {
		return s
	}
	return defaultVal
}

// Bool returns the boolean at key, or defaultVal. Strings are parsed with
// strconv.ParseBool.
func (c Config) Bool(key string, defaultVal bool) bool {
	switch val := c.lookupAs(key).(type) {
	case bool:
		return val
	case string:
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// Int returns the integer at key, or defaultVal. Floats convert only when
// they have no fractional part.
func (c Config) Int(key string, defaultVal int) int {
	switch val := c.lookupAs(key).(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		if val == float64(int(val)) {
			return int(val)
		}
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// Duration returns the duration at key, or defaultVal.
//
// Accepts:
//   - string: parsed with time.ParseDuration ("30s", "24h"); a bare number
//     is seconds
//   - int, int64, float64: interpreted as seconds
//   - time.Duration: used directly
func (c Config) Duration(key string, defaultVal time.Duration) time.Duration {
	switch val := c.lookupAs(key).(type) {
	case string:
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	case int:
		return time.Duration(val) * time.Second
	case int64:
		return time.Duration(val) * time.Second
	case float64:
		return time.Duration(val * float64(time.Second))
	case time.Duration:
		return val
	}
	return defaultVal
}

// Has reports whether key is present.
func (c Config) Has(key string) bool {
	_, ok := c.lookup(key)
	return ok
}

// Raw returns the underlying map. The returned map should not be modified.
func (c Config) Raw() map[string]any {
	return c.data
}

func (c Config) lookupAs(key string) any {
	v, _ := c.lookup(key)
	return v
}

// Merge returns c with every value in over laid on top. Nested sections
// merge key by key; any other value in over replaces c's.
func (c Config) Merge(over Config) Config {
	out := make(map[string]any, len(c.data)+len(over.data))
	maps.Copy(out, c.data)
	for k, v := range over.data {
		if sub, ok := asMap(v); ok {
			if base, ok := asMap(out[k]); ok {
				out[k] = New(base).Merge(New(sub)).data
				continue
			}
		}
		out[k] = v
	}
	return New(out)
}

// set stores value at a dotted key, creating sections as needed.
func (c Config) set(key string, value any) {
	head, rest, found := strings.Cut(key, ".")
	if !found {
		c.data[key] = value
		return
	}
	sub, ok := asMap(c.data[head])
	if !ok {
		sub = make(map[string]any)
	}
	New(sub).set(rest, value)
	c.data[head] = sub
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		converted := make(map[string]any, len(m))
		for k, val := range m {
			if s, ok := k.(string); ok {
				converted[s] = val
			}
		}
		return converted, true
	}
	return nil, false
}
