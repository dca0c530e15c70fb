// Package config provides configuration parsing and validation for
// metro-ping.
package config

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/metro-ping/internal/logging"
)

// Config represents the complete metro-ping configuration.
type Config struct {
	Ping   PingConfig   `yaml:"ping"`
	Log    LogConfig    `yaml:"log"`
	Health HealthConfig `yaml:"health"`
}

// PingConfig contains echo session settings.
type PingConfig struct {
	// Privileged selects the raw ICMP socket. Requires root (or
	// CAP_NET_RAW); the default unprivileged socket needs the
	// net.ipv4.ping_group_range sysctl instead.
	Privileged bool `yaml:"privileged"`

	// PayloadSize is the fixed echo payload length in bytes.
	PayloadSize int `yaml:"payload_size"`

	// Interval is how long after each send the next send is scheduled.
	Interval time.Duration `yaml:"interval"`

	// ReplyTimeout is how long a reply is waited for before the request
	// is reported as timed out.
	ReplyTimeout time.Duration `yaml:"reply_timeout"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// HealthConfig defines the optional health/metrics HTTP endpoint.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// maxPayloadSize keeps the ICMP datagram inside a single unfragmented
// IPv4 packet: 65535 - 20 (IP header) - 8 (ICMP header).
const maxPayloadSize = 65507

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Ping: PingConfig{
			Privileged:   false,
			PayloadSize:  56,
			Interval:     1 * time.Second,
			ReplyTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes on top of the defaults.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var errs []string

	if c.Ping.PayloadSize < 0 || c.Ping.PayloadSize > maxPayloadSize {
		errs = append(errs, fmt.Sprintf("ping.payload_size %d out of range [0,%d]", c.Ping.PayloadSize, maxPayloadSize))
	}
	if c.Ping.Interval <= 0 {
		errs = append(errs, "ping.interval must be positive")
	}
	if c.Ping.ReplyTimeout <= 0 {
		errs = append(errs, "ping.reply_timeout must be positive")
	}

	if !slices.Contains(logging.Levels, strings.ToLower(c.Log.Level)) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !slices.Contains(logging.Formats, strings.ToLower(c.Log.Format)) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when health.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
