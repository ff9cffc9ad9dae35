// Package config holds all configuration types and loading logic for chime.
// Config structure never shrinks — fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a chime server instance.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	WS      WSConfig      `yaml:"ws"`
	Limits  LimitsConfig  `yaml:"limits"`
	Journal JournalConfig `yaml:"journal"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// NodeConfig holds identity and network settings for this server instance.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// WSConfig controls the WebSocket endpoint and its connection-time policy.
type WSConfig struct {
	// Path is the upgrade path clients connect to.
	Path string `yaml:"path"`
	// AllowedOrigins is the Origin allow-list consulted at upgrade time.
	// Requests without an Origin header (native clients) are always allowed.
	// When the list is empty, only local-loopback origins are accepted.
	// Entries may be full origins ("http://localhost:3000") or bare hosts.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// SendBuffer is the per-connection outbound frame buffer. When it fills,
	// frames to that connection are dropped rather than blocking the others.
	SendBuffer int `yaml:"send_buffer"`
}

// LimitsConfig sets per-IP request rate limiting on the HTTP surface.
type LimitsConfig struct {
	// MaxRate is requests per second per client IP.
	MaxRate float64 `yaml:"max_rate"`
	// Burst allows temporary spikes above MaxRate.
	Burst int `yaml:"burst"`
}

// JournalConfig controls the on-disk record of fired "log" tasks.
type JournalConfig struct {
	Enabled bool `yaml:"enabled"`
	// MaxEntries caps how many entries are kept; older ones are pruned.
	MaxEntries int `yaml:"max_entries"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    8089,
			DataDir: "./data",
		},
		WS: WSConfig{
			Path:           "/ws",
			AllowedOrigins: []string{},
			SendBuffer:     64,
		},
		Limits: LimitsConfig{
			MaxRate: 100,
			Burst:   200,
		},
		Journal: JournalConfig{
			Enabled:    true,
			MaxEntries: 10_000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run chime with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	CHIME_PORT      — sets node.port
//	CHIME_DATA_DIR  — sets node.data_dir
//	CHIME_WS_PATH   — sets ws.path
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CHIME_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
	if v := os.Getenv("CHIME_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("CHIME_WS_PATH"); v != "" {
		cfg.WS.Path = v
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if !strings.HasPrefix(c.WS.Path, "/") {
		return errors.New(`ws.path must start with "/"`)
	}
	if c.WS.Path == "/health" || c.WS.Path == "/metrics" || c.WS.Path == "/journal" {
		return fmt.Errorf("ws.path %q collides with a reserved HTTP path", c.WS.Path)
	}
	if c.WS.SendBuffer < 1 {
		return errors.New("ws.send_buffer must be at least 1")
	}
	if c.Limits.MaxRate <= 0 {
		return errors.New("limits.max_rate must be positive")
	}
	if c.Limits.Burst < 1 {
		return errors.New("limits.burst must be at least 1")
	}
	if c.Journal.Enabled && c.Journal.MaxEntries < 1 {
		return errors.New("journal.max_entries must be at least 1 when the journal is enabled")
	}
	return nil
}
