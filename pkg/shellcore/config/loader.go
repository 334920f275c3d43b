package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix starts every environment variable that overrides a setting.
// The rest of the name is the key upper-cased with dots as underscores:
// queue.max_age is SHELLCORE_QUEUE_MAX_AGE.
const EnvPrefix = "SHELLCORE_"

// Document formats accepted by Decode.
const (
	FormatYAML = "yaml"
	FormatJSON = "json"
)

// FromFile reads a settings document. The format follows the extension
// (.yaml, .yml or .json, any case).
func FromFile(path string) (Config, error) {
	var format string
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		format = FormatYAML
	case ".json":
		format = FormatJSON
	default:
		return Config{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return Decode(data, format)
}

// FromYAML parses a YAML document.
func FromYAML(data []byte) (Config, error) {
	return Decode(data, FormatYAML)
}

// FromJSON parses a JSON document.
func FromJSON(data []byte) (Config, error) {
	return Decode(data, FormatJSON)
}

// Decode parses a document in format. An empty document is an empty Config.
func Decode(data []byte, format string) (Config, error) {
	var m map[string]any
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &m)
	case FormatJSON:
		if len(strings.TrimSpace(string(data))) == 0 {
			return New(nil), nil
		}
		err = json.Unmarshal(data, &m)
	default:
		return Config{}, fmt.Errorf("unsupported config format %q", format)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", format, err)
	}
	return New(m), nil
}

// EnvName returns the environment variable that overrides key.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// FromEnv builds a Config from the environment variables of keys that
// lookup reports as set. Values stay strings; the accessors parse them.
func FromEnv(keys []string, lookup func(string) (string, bool)) Config {
	c := New(nil)
	for _, key := range keys {
		if v, ok := lookup(EnvName(key)); ok {
			c.set(key, v)
		}
	}
	return c
}
