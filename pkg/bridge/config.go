// Copyright 2024-2026 Aiku AI

package bridge

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// MatrixConfig holds Matrix connection settings.
type MatrixConfig struct {
	HomeserverURL string `yaml:"homeserver_url"`
	UserID        string `yaml:"user_id"`
	AccessToken   string `yaml:"access_token"`
}

// MattermostConfig holds Mattermost connection settings.
type MattermostConfig struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
}

// LinkConfig declares one relayed channel pair.
type LinkConfig struct {
	MatrixRoom        string `yaml:"matrix_room"`
	MattermostChannel string `yaml:"mattermost_channel"`
}

// RecoveryYAML is the yaml shape of the recovery parameters. Durations are
// integer milliseconds.
type RecoveryYAML struct {
	BaseDelayMS             int     `yaml:"base_delay_ms"`
	MaxDelayMS              int     `yaml:"max_delay_ms"`
	JitterRange             float64 `yaml:"jitter_range"`
	MaxRetries              int     `yaml:"max_retries"`
	CircuitBreakerThreshold int     `yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeoutMS int     `yaml:"circuit_breaker_timeout_ms"`
	HealthCheckIntervalMS   int     `yaml:"health_check_interval_ms"`
}

// RateLimitYAML is the yaml shape of the rate limiter parameters.
type RateLimitYAML struct {
	MaxPerMinute        int `yaml:"max_per_minute"`
	MaxPerHour          int `yaml:"max_per_hour"`
	BurstLimit          int `yaml:"burst_limit"`
	BurstWindowMS       int `yaml:"burst_window_ms"`
	DuplicateThreshold  int `yaml:"duplicate_threshold"`
	DuplicateWindowMS   int `yaml:"duplicate_window_ms"`
	SpamCooldownMinutes int `yaml:"spam_cooldown_minutes"`
}

// LedgerYAML is the yaml shape of the ledger bounds.
type LedgerYAML struct {
	Capacity     int `yaml:"capacity"`
	EditWindowMS int `yaml:"edit_window_ms"`
}

// Config is the full matterlink configuration.
type Config struct {
	Matrix          MatrixConfig     `yaml:"matrix"`
	Mattermost      MattermostConfig `yaml:"mattermost"`
	AdminAPIAddr    string           `yaml:"admin_api_addr"`
	DatabasePath    string           `yaml:"database_path"`
	Links           []LinkConfig     `yaml:"links"`
	Recovery        RecoveryYAML     `yaml:"recovery"`
	LookupTimeoutMS int              `yaml:"lookup_timeout_ms"`
	RateLimit       RateLimitYAML    `yaml:"rate_limit"`
	Ledger          LedgerYAML       `yaml:"ledger"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// LoadConfig reads and validates the config file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields without usable defaults.
func (c *Config) Validate() error {
	if c.Matrix.HomeserverURL == "" || c.Matrix.AccessToken == "" {
		return fmt.Errorf("matrix homeserver_url and access_token are required")
	}
	if c.Mattermost.ServerURL == "" || c.Mattermost.Token == "" {
		return fmt.Errorf("mattermost server_url and token are required")
	}
	return nil
}

// RecoveryConfig converts the yaml shape to runtime parameters, filling
// defaults for zero values.
func (c *Config) RecoveryConfig() RecoveryConfig {
	cfg := DefaultRecoveryConfig()
	if c.Recovery.BaseDelayMS > 0 {
		cfg.Backoff.BaseDelay = time.Duration(c.Recovery.BaseDelayMS) * time.Millisecond
	}
	if c.Recovery.MaxDelayMS > 0 {
		cfg.Backoff.MaxDelay = time.Duration(c.Recovery.MaxDelayMS) * time.Millisecond
	}
	if c.Recovery.JitterRange > 0 {
		cfg.Backoff.JitterRange = c.Recovery.JitterRange
	}
	if c.Recovery.MaxRetries > 0 {
		cfg.MaxRetries = c.Recovery.MaxRetries
	}
	if c.Recovery.CircuitBreakerThreshold > 0 {
		cfg.CircuitBreakerThreshold = uint(c.Recovery.CircuitBreakerThreshold)
	}
	if c.Recovery.CircuitBreakerTimeoutMS > 0 {
		cfg.CircuitBreakerTimeout = time.Duration(c.Recovery.CircuitBreakerTimeoutMS) * time.Millisecond
	}
	if c.Recovery.HealthCheckIntervalMS > 0 {
		cfg.HealthCheckInterval = time.Duration(c.Recovery.HealthCheckIntervalMS) * time.Millisecond
	}
	return cfg
}

// LookupTimeout returns the correlation queue timeout.
func (c *Config) LookupTimeout() time.Duration {
	if c.LookupTimeoutMS > 0 {
		return time.Duration(c.LookupTimeoutMS) * time.Millisecond
	}
	return defaultLookupTimeout
}

// RateLimitConfig converts the yaml shape to runtime parameters.
func (c *Config) RateLimitConfig() RateLimitConfig {
	cfg := DefaultRateLimitConfig()
	if c.RateLimit.MaxPerMinute > 0 {
		cfg.MaxPerMinute = c.RateLimit.MaxPerMinute
	}
	if c.RateLimit.MaxPerHour > 0 {
		cfg.MaxPerHour = c.RateLimit.MaxPerHour
	}
	if c.RateLimit.BurstLimit > 0 {
		cfg.BurstLimit = c.RateLimit.BurstLimit
	}
	if c.RateLimit.BurstWindowMS > 0 {
		cfg.BurstWindow = time.Duration(c.RateLimit.BurstWindowMS) * time.Millisecond
	}
	if c.RateLimit.DuplicateThreshold > 0 {
		cfg.DuplicateThreshold = c.RateLimit.DuplicateThreshold
	}
	if c.RateLimit.DuplicateWindowMS > 0 {
		cfg.DuplicateWindow = time.Duration(c.RateLimit.DuplicateWindowMS) * time.Millisecond
	}
	if c.RateLimit.SpamCooldownMinutes > 0 {
		cfg.SpamCooldown = time.Duration(c.RateLimit.SpamCooldownMinutes) * time.Minute
	}
	return cfg
}

// LedgerConfig converts the yaml shape to runtime parameters.
func (c *Config) LedgerConfig() LedgerConfig {
	cfg := DefaultLedgerConfig()
	if c.Ledger.Capacity > 0 {
		cfg.Capacity = c.Ledger.Capacity
	}
	if c.Ledger.EditWindowMS > 0 {
		cfg.EditWindow = time.Duration(c.Ledger.EditWindowMS) * time.Millisecond
	}
	return cfg
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "matrix", "homeserver_url")
	helper.Copy(up.Str, "matrix", "user_id")
	helper.Copy(up.Str, "matrix", "access_token")
	helper.Copy(up.Str, "mattermost", "server_url")
	helper.Copy(up.Str, "mattermost", "token")
	helper.Copy(up.Str, "admin_api_addr")
	helper.Copy(up.Str, "database_path")
	helper.Copy(up.List, "links")
	helper.Copy(up.Map, "recovery")
	helper.Copy(up.Int, "lookup_timeout_ms")
	helper.Copy(up.Map, "rate_limit")
	helper.Copy(up.Map, "ledger")
}

// ConfigUpgrader returns the example config and the upgrader used to carry
// user configs across releases.
func ConfigUpgrader() (string, up.Upgrader) {
	return ExampleConfig, up.SimpleUpgrader(upgradeConfig)
}
