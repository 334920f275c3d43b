package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/randalmurphal/shellcore/pkg/shellcore/automation"
	"github.com/randalmurphal/shellcore/pkg/shellcore/connectivity"
	"github.com/randalmurphal/shellcore/pkg/shellcore/kv"
	"github.com/randalmurphal/shellcore/pkg/shellcore/queue"
)

// Storage backends.
const (
	StorageSQLite = "sqlite"
	StorageFile   = "file"
	StorageMemory = "memory"
)

// Settings is the typed configuration of one shellcore instance.
type Settings struct {
	Profile string
	DataDir string
	Storage string

	LogLevel  string
	LogFormat string

	// Telemetry installs OpenTelemetry metric and span recorders.
	Telemetry bool

	// RulesFile is a YAML file of rules created at startup.
	RulesFile string

	Queue        QueueSettings
	Automation   AutomationSettings
	Connectivity ConnectivitySettings
}

// QueueSettings configures the durable event queue.
type QueueSettings struct {
	Capacity       int
	MaxAge         time.Duration
	MaxRetries     int
	ReplayDelay    time.Duration
	ReplayInterval time.Duration
}

// AutomationSettings configures the automation engine.
type AutomationSettings struct {
	Timeout    time.Duration
	PurgeDelay time.Duration
}

// ConnectivitySettings configures online detection. With no ProbeURL the
// core trusts Online and never probes.
type ConnectivitySettings struct {
	Online       bool
	ProbeURL     string
	PollInterval time.Duration
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Settings {
	return Settings{
		Profile:   kv.DefaultProfile,
		DataDir:   defaultDataDir(),
		Storage:   StorageSQLite,
		LogLevel:  "info",
		LogFormat: "text",
		Queue: QueueSettings{
			Capacity:       queue.DefaultCapacity,
			MaxAge:         queue.DefaultMaxAge,
			MaxRetries:     queue.DefaultMaxRetries,
			ReplayDelay:    queue.DefaultReplayDelay,
			ReplayInterval: queue.DefaultReplayInterval,
		},
		Automation: AutomationSettings{
			Timeout:    automation.DefaultTimeout,
			PurgeDelay: automation.DefaultPurgeDelay,
		},
		Connectivity: ConnectivitySettings{
			Online:       true,
			PollInterval: connectivity.DefaultPollInterval,
		},
	}
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".shellcore"
	}
	return filepath.Join(dir, "shellcore")
}

// FromConfig overlays a decoded document on the defaults.
//
//	profile: work
//	storage: sqlite
//	log: {level: debug, format: json}
//	queue: {capacity: 500, max_age: 12h, replay_delay: 250ms}
//	automation: {timeout: 5m}
//	connectivity: {probe_url: "https://example.com/health", poll_interval: 10s}
func FromConfig(c Config) Settings {
	s := Defaults()

	s.Profile = c.String("profile", s.Profile)
	s.DataDir = c.String("data_dir", s.DataDir)
	s.Storage = c.String("storage", s.Storage)
	s.LogLevel = c.String("log.level", s.LogLevel)
	s.LogFormat = c.String("log.format", s.LogFormat)
	s.Telemetry = c.Bool("telemetry", s.Telemetry)
	s.RulesFile = c.String("rules_file", s.RulesFile)

	q := c.Section("queue")
	s.Queue.Capacity = q.Int("capacity", s.Queue.Capacity)
	s.Queue.MaxAge = q.Duration("max_age", s.Queue.MaxAge)
	s.Queue.MaxRetries = q.Int("max_retries", s.Queue.MaxRetries)
	s.Queue.ReplayDelay = q.Duration("replay_delay", s.Queue.ReplayDelay)
	s.Queue.ReplayInterval = q.Duration("replay_interval", s.Queue.ReplayInterval)

	a := c.Section("automation")
	s.Automation.Timeout = a.Duration("timeout", s.Automation.Timeout)
	s.Automation.PurgeDelay = a.Duration("purge_delay", s.Automation.PurgeDelay)

	n := c.Section("connectivity")
	s.Connectivity.Online = n.Bool("online", s.Connectivity.Online)
	s.Connectivity.ProbeURL = n.String("probe_url", s.Connectivity.ProbeURL)
	s.Connectivity.PollInterval = n.Duration("poll_interval", s.Connectivity.PollInterval)

	return s
}

// Keys lists every key FromConfig reads.
var Keys = []string{
	"profile", "data_dir", "storage", "log.level", "log.format", "telemetry", "rules_file",
	"queue.capacity", "queue.max_age", "queue.max_retries", "queue.replay_delay", "queue.replay_interval",
	"automation.timeout", "automation.purge_delay",
	"connectivity.online", "connectivity.probe_url", "connectivity.poll_interval",
}

// Load reads settings from a file, then applies SHELLCORE_* environment
// overrides. An empty path starts from the defaults.
func Load(path string) (Settings, error) {
	c := New(nil)
	if path != "" {
		var err error
		if c, err = FromFile(path); err != nil {
			return Settings{}, err
		}
	}
	s := FromConfig(c.Merge(FromEnv(Keys, os.LookupEnv)))
	if err := s.Validate(); err != nil {
		if path == "" {
			return Settings{}, err
		}
		return Settings{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Validate checks the settings for values the core cannot run with.
func (s Settings) Validate() error {
	var errs []error
	if s.Profile == "" {
		errs = append(errs, errors.New("profile is required"))
	}
	switch s.Storage {
	case StorageSQLite, StorageFile:
		if s.DataDir == "" {
			errs = append(errs, fmt.Errorf("data_dir is required for %s storage", s.Storage))
		}
	case StorageMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage %q", s.Storage))
	}
	if s.Queue.Capacity <= 0 {
		errs = append(errs, errors.New("queue.capacity must be positive"))
	}
	if s.Queue.MaxAge <= 0 {
		errs = append(errs, errors.New("queue.max_age must be positive"))
	}
	if s.Automation.Timeout <= 0 {
		errs = append(errs, errors.New("automation.timeout must be positive"))
	}
	return errors.Join(errs...)
}
