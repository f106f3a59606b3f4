// Package config loads the voxlog configuration: a YAML file with
// environment-variable overrides. Secrets (signing secret, bearer token)
// come only from the environment, never from the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration. Components read their settings once
// per operation; live toggles are re-delivered through the Watcher rather
// than a hidden singleton.
type Config struct {
	DataDir string `yaml:"data_dir"`
	DBPath  string `yaml:"db_path"`

	Quality                string `yaml:"quality"` // "voice" or "high"
	SegmentIntervalSeconds int    `yaml:"segment_interval_seconds"`
	MinFreeMB              int    `yaml:"min_free_mb"`

	Remote struct {
		BaseURL        string `yaml:"base_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"remote"`

	Local struct {
		BinaryPath     string `yaml:"binary_path"`
		ModelPath      string `yaml:"model_path"`
		Language       string `yaml:"language"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"local"`

	Pipeline struct {
		MaxRetries           int `yaml:"max_retries"`
		BaseDelaySeconds     int `yaml:"base_delay_seconds"`
		SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	} `yaml:"pipeline"`

	Connectivity struct {
		ProbeAddr            string `yaml:"probe_addr"`
		ProbeIntervalSeconds int    `yaml:"probe_interval_seconds"`
		SimulateOffline      bool   `yaml:"simulate_offline"`
	} `yaml:"connectivity"`

	EventsAddr   string `yaml:"events_addr"` // WebSocket listen address
	DebugLogPath string `yaml:"debug_log_path"`

	// Secrets, environment-only.
	SigningSecret string `yaml:"-"`
	Token         string `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() Config {
	var cfg Config
	home, _ := os.UserHomeDir()
	cfg.DataDir = filepath.Join(home, ".voxlog", "recordings")
	cfg.DBPath = filepath.Join(home, ".voxlog", "voxlog.sqlite")
	cfg.Quality = "voice"
	cfg.SegmentIntervalSeconds = 30
	cfg.MinFreeMB = 50
	cfg.Remote.TimeoutSeconds = 120
	cfg.Local.TimeoutSeconds = 300
	cfg.Pipeline.MaxRetries = 5
	cfg.Pipeline.BaseDelaySeconds = 2
	cfg.Pipeline.SweepIntervalSeconds = 30
	cfg.Connectivity.ProbeAddr = "1.1.1.1:443"
	cfg.Connectivity.ProbeIntervalSeconds = 5
	cfg.EventsAddr = "127.0.0.1:8790"
	cfg.DebugLogPath = "/tmp/voxlog-debug.log"
	return cfg
}

// Loader loads configuration. Tests can override Lookup to inject
// deterministic environments.
type Loader struct {
	Path   string // YAML file; missing file falls back to defaults
	Lookup func(string) (string, bool)
}

// Load reads the file (if present), applies env overrides, and validates.
func (l Loader) Load() (Config, error) {
	if l.Lookup == nil {
		l.Lookup = os.LookupEnv
	}

	cfg := Default()
	if l.Path != "" {
		data, err := os.ReadFile(l.Path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", l.Path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", l.Path, err)
		}
	}

	overrideString(l.Lookup, "VOXLOG_DATA_DIR", &cfg.DataDir)
	overrideString(l.Lookup, "VOXLOG_DB_PATH", &cfg.DBPath)
	overrideString(l.Lookup, "VOXLOG_QUALITY", &cfg.Quality)
	overrideString(l.Lookup, "VOXLOG_REMOTE_URL", &cfg.Remote.BaseURL)
	overrideString(l.Lookup, "VOXLOG_LOCAL_BINARY", &cfg.Local.BinaryPath)
	overrideString(l.Lookup, "VOXLOG_EVENTS_ADDR", &cfg.EventsAddr)
	overrideInt(l.Lookup, "VOXLOG_SEGMENT_INTERVAL", &cfg.SegmentIntervalSeconds)
	overrideInt(l.Lookup, "VOXLOG_MIN_FREE_MB", &cfg.MinFreeMB)
	overrideBool(l.Lookup, "VOXLOG_SIMULATE_OFFLINE", &cfg.Connectivity.SimulateOffline)
	overrideString(l.Lookup, "VOXLOG_SIGNING_SECRET", &cfg.SigningSecret)
	overrideString(l.Lookup, "VOXLOG_API_TOKEN", &cfg.Token)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("config: db_path is required")
	}
	if c.Quality != "voice" && c.Quality != "high" {
		return fmt.Errorf("config: quality must be \"voice\" or \"high\", got %q", c.Quality)
	}
	if c.SegmentIntervalSeconds <= 0 {
		return fmt.Errorf("config: segment_interval_seconds must be positive")
	}
	if c.Pipeline.MaxRetries <= 0 {
		return fmt.Errorf("config: pipeline.max_retries must be positive")
	}
	return nil
}

// SegmentInterval returns the rotation interval.
func (c *Config) SegmentInterval() time.Duration {
	return time.Duration(c.SegmentIntervalSeconds) * time.Second
}

// MinFreeBytes returns the storage floor in bytes.
func (c *Config) MinFreeBytes() uint64 {
	return uint64(c.MinFreeMB) * 1024 * 1024
}

func overrideString(lookup func(string) (string, bool), key string, target *string) {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideInt(lookup func(string) (string, bool), key string, target *int) {
	if value, ok := lookup(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			*target = n
		}
	}
}

func overrideBool(lookup func(string) (string, bool), key string, target *bool) {
	if value, ok := lookup(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			*target = b
		}
	}
}
