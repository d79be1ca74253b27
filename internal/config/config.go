// Package config loads gatekeeper.jsonc.
//
// The file lives in the gatekeeper home directory, which also holds the
// session database and the log files:
//
//	<home>/gatekeeper.jsonc
//	<home>/data/gatekeeper.db
//	<home>/data/logs/gatekeeper-YYYY-MM-DD.log
//
// A missing file is not an error; every setting has a default.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/HyphaGroup/gatekeeper/internal/transport"
	"github.com/HyphaGroup/gatekeeper/internal/validation"
)

// FileName is the configuration file looked up in the home directory.
const FileName = "gatekeeper.jsonc"

// EnvHome overrides the home directory when --dir is not given.
const EnvHome = "GATEKEEPER_HOME"

// Server variants.
const (
	VariantStream = "stream"
	VariantInvoke = "invoke"
)

// Config is the single configuration file format for gatekeeper.jsonc
type Config struct {
	Server  ServerSection  `json:"server"`
	Client  ClientSection  `json:"client"`
	Metrics MetricsSection `json:"metrics"`

	// Home is the resolved home directory.
	Home string `json:"-"`
	// Path is the file the config was read from, or "" if none existed.
	Path string `json:"-"`
}

// ServerSection describes the graph server.
type ServerSection struct {
	BaseURL           string  `json:"base_url"`
	AssistantID       string  `json:"assistant_id"`
	Variant           string  `json:"variant"` // stream, invoke
	TimeoutSeconds    int     `json:"timeout_seconds"`
	RequestsPerSecond float64 `json:"requests_per_second"` // negative disables pacing
	Burst             int     `json:"burst"`
}

// ClientSection holds local behavior.
type ClientSection struct {
	Verbose              bool   `json:"verbose"`
	LogJSON              bool   `json:"log_json"`
	Audit                bool   `json:"audit"`
	DefaultTheme         string `json:"default_theme"`
	WatchIntervalSeconds int    `json:"watch_interval_seconds"`
	LogRetentionDays     int    `json:"log_retention_days"` // negative keeps logs forever
}

// MetricsSection configures the Prometheus endpoint. An empty address
// disables it.
type MetricsSection struct {
	Address string `json:"address"`
}

// Defaults returns the configuration used when no file is present.
func Defaults() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = "http://localhost:2024"
	}
	if cfg.Server.AssistantID == "" {
		cfg.Server.AssistantID = "agent"
	}
	if cfg.Server.Variant == "" {
		cfg.Server.Variant = VariantStream
	}
	if cfg.Server.RequestsPerSecond == 0 {
		cfg.Server.RequestsPerSecond = 5
	}
	if cfg.Server.Burst == 0 {
		cfg.Server.Burst = 5
	}

	if cfg.Client.WatchIntervalSeconds == 0 {
		cfg.Client.WatchIntervalSeconds = 5
	}
	if cfg.Client.LogRetentionDays == 0 {
		cfg.Client.LogRetentionDays = 14
	}
}

// ResolveHome returns the home directory using precedence:
// 1. dir (the --dir flag), if specified
// 2. $GATEKEEPER_HOME
// 3. ./.gatekeeper, if it exists (project-local)
// 4. ~/.gatekeeper (user global)
func ResolveHome(dir string) (string, error) {
	if dir == "" {
		dir = os.Getenv(EnvHome)
	}
	if dir == "" {
		if info, err := os.Stat(".gatekeeper"); err == nil && info.IsDir() {
			dir = ".gatekeeper"
		}
	}
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot locate home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".gatekeeper")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir, nil
	}
	return abs, nil
}

// Load resolves the home directory and reads gatekeeper.jsonc from it.
func Load(dir string) (*Config, error) {
	home, err := ResolveHome(dir)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(home, FileName)
	cfg, err := LoadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = Defaults()
		path = ""
	} else if err != nil {
		return nil, err
	}

	cfg.Home = home
	cfg.Path = path
	return cfg, nil
}

// LoadFile reads one config file and applies defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(StripJSONComments(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	if err := validation.ValidateBaseURL(c.Server.BaseURL); err != nil {
		return fmt.Errorf("server.base_url: %w", err)
	}
	switch c.Server.Variant {
	case VariantStream, VariantInvoke:
	default:
		return fmt.Errorf("server.variant must be %q or %q, got %q", VariantStream, VariantInvoke, c.Server.Variant)
	}
	if c.Server.TimeoutSeconds < 0 {
		return fmt.Errorf("server.timeout_seconds must not be negative")
	}
	if c.Server.Burst < 0 {
		return fmt.Errorf("server.burst must not be negative")
	}
	if c.Client.WatchIntervalSeconds < 0 {
		return fmt.Errorf("client.watch_interval_seconds must not be negative")
	}
	return nil
}

// DataDir is where the session database is kept.
func (c *Config) DataDir() string {
	return filepath.Join(c.Home, "data")
}

// LogDir is where daily log files are written.
func (c *Config) LogDir() string {
	return filepath.Join(c.Home, "data", "logs")
}

// WatchInterval is the minimum spacing between snapshot polls.
func (c *Config) WatchInterval() time.Duration {
	return time.Duration(c.Client.WatchIntervalSeconds) * time.Second
}

// LogRetention is how long daily log files are kept. Zero means forever.
func (c *Config) LogRetention() time.Duration {
	if c.Client.LogRetentionDays < 0 {
		return 0
	}
	return time.Duration(c.Client.LogRetentionDays) * 24 * time.Hour
}

// TransportOptions returns the transport settings for the configured server.
func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		BaseURL:           c.Server.BaseURL,
		AssistantID:       c.Server.AssistantID,
		StreamTimeout:     time.Duration(c.Server.TimeoutSeconds) * time.Second,
		RequestsPerSecond: c.Server.RequestsPerSecond,
		Burst:             c.Server.Burst,
	}
}
