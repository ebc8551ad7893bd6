// ABOUTME: Configuration loading for the bridge controller and agent.
// ABOUTME: YAML with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete bridge configuration. Both binaries read the same
// file; each uses the sections it needs.
type Config struct {
	Bridge  BridgeConfig  `yaml:"bridge"`
	Agent   AgentConfig   `yaml:"agent"`
	History HistoryConfig `yaml:"history"`
	Logging LoggingConfig `yaml:"logging"`
}

// BridgeConfig holds transport settings shared by both sides.
type BridgeConfig struct {
	// Dir is the .bridge directory: credential file plus mailboxes.
	Dir string `yaml:"dir"`

	// PreferredPort anchors the fixed 10-port candidate range.
	PreferredPort int `yaml:"preferred_port"`

	RequestTimeout time.Duration `yaml:"-"`
	PollInterval   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RequestTimeoutRaw string `yaml:"request_timeout"`
	PollIntervalRaw   string `yaml:"poll_interval"`
}

// AgentConfig holds agent-side timing configuration.
type AgentConfig struct {
	TickInterval time.Duration `yaml:"-"`

	TickIntervalRaw string `yaml:"tick_interval"`
}

// HistoryConfig holds the controller's result history database settings.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Bridge: BridgeConfig{
			Dir:            ".bridge",
			PreferredPort:  8769,
			RequestTimeout: 30 * time.Second,
			PollInterval:   500 * time.Millisecond,
		},
		Agent: AgentConfig{
			TickInterval: 2 * time.Second,
		},
		History: HistoryConfig{
			Path: ".bridge/history.db",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads and parses the configuration file at path. Environment
// variables in ${VAR_NAME} form are expanded before parsing. Fields left
// unset fall back to Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
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

// expandEnvVars replaces ${VAR_NAME} with the environment variable's value,
// or the empty string when unset.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(re.FindStringSubmatch(match)[1])
	})
}

// Validate checks the fields the bridge cannot run without.
func (c *Config) Validate() error {
	if c.Bridge.Dir == "" {
		return fmt.Errorf("bridge.dir is required")
	}
	if c.Bridge.PreferredPort < 1024 || c.Bridge.PreferredPort > 65525 {
		return fmt.Errorf("bridge.preferred_port %d out of range", c.Bridge.PreferredPort)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Bridge.RequestTimeoutRaw != "" {
		cfg.Bridge.RequestTimeout, err = time.ParseDuration(cfg.Bridge.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.Bridge.RequestTimeoutRaw, err)
		}
	}

	if cfg.Bridge.PollIntervalRaw != "" {
		cfg.Bridge.PollInterval, err = time.ParseDuration(cfg.Bridge.PollIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing poll_interval %q: %w", cfg.Bridge.PollIntervalRaw, err)
		}
	}

	if cfg.Agent.TickIntervalRaw != "" {
		cfg.Agent.TickInterval, err = time.ParseDuration(cfg.Agent.TickIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing tick_interval %q: %w", cfg.Agent.TickIntervalRaw, err)
		}
	}

	return nil
}
