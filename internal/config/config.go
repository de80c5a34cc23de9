// ABOUTME: Configuration loading and parsing for the broker daemon.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete broker configuration. Every field has a
// usable default, so running without a config file is valid.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Agents    AgentsConfig    `yaml:"agents"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the listen address. An empty or ":0" port lets the
// kernel choose an ephemeral port, which the discovery sidecar publishes.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// AgentsConfig holds agent-liveness timing configuration.
type AgentsConfig struct {
	HeartbeatSweep   time.Duration `yaml:"-"`
	HeartbeatTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatSweepRaw   string `yaml:"heartbeat_sweep"`
	HeartbeatTimeoutRaw string `yaml:"heartbeat_timeout"`
}

// DiscoveryConfig controls the broker.json sidecar file.
type DiscoveryConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given: loopback
// ephemeral port, 30s sweep, 60s timeout, sidecar enabled.
func Default() *Config {
	enabled := true
	return &Config{
		Server:    ServerConfig{ListenAddr: "127.0.0.1:0"},
		Agents:    AgentsConfig{HeartbeatSweep: 30 * time.Second, HeartbeatTimeout: 60 * time.Second},
		Discovery: DiscoveryConfig{Enabled: &enabled},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values. Absent fields keep
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. If the environment variable is not set, it is
// replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all configured fields are usable. Returns an error
// describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}
	if c.Agents.HeartbeatSweep <= 0 {
		return fmt.Errorf("agents.heartbeat_sweep must be positive")
	}
	if c.Agents.HeartbeatTimeout <= 0 {
		return fmt.Errorf("agents.heartbeat_timeout must be positive")
	}
	if c.Agents.HeartbeatTimeout < c.Agents.HeartbeatSweep {
		return fmt.Errorf("agents.heartbeat_timeout must be at least the sweep interval")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	return nil
}

// DiscoveryEnabled reports whether the sidecar should be written; absent
// means enabled.
func (c *Config) DiscoveryEnabled() bool {
	return c.Discovery.Enabled == nil || *c.Discovery.Enabled
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Agents.HeartbeatSweepRaw != "" {
		cfg.Agents.HeartbeatSweep, err = time.ParseDuration(cfg.Agents.HeartbeatSweepRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_sweep %q: %w", cfg.Agents.HeartbeatSweepRaw, err)
		}
	}

	if cfg.Agents.HeartbeatTimeoutRaw != "" {
		cfg.Agents.HeartbeatTimeout, err = time.ParseDuration(cfg.Agents.HeartbeatTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_timeout %q: %w", cfg.Agents.HeartbeatTimeoutRaw, err)
		}
	}

	return nil
}
