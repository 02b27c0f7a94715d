// ABOUTME: Configuration loading and parsing for fanout-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete fanout-gateway configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Log        LogConfig        `yaml:"log"`
	Membership MembershipConfig `yaml:"membership"`
	Fanout     FanoutConfig     `yaml:"fanout"`
	Auth       AuthConfig       `yaml:"auth"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	// InstanceID identifies this gateway instance in the pool. Stamped on
	// every accepted message and used as the log subscription name, so it
	// must be unique per instance. Generated when empty.
	InstanceID string `yaml:"instance_id"`
}

// DatabaseConfig holds message store configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig holds shared ordered log configuration
type LogConfig struct {
	// Driver selects the log implementation: "pulsar" or "memory".
	// The memory driver only fans out within a single process and exists
	// for development and tests.
	Driver     string `yaml:"driver"`
	URL        string `yaml:"url"`
	Topic      string `yaml:"topic"`
	Partitions int    `yaml:"partitions"`
}

// MembershipConfig holds the channel membership collaborator configuration
type MembershipConfig struct {
	// Driver selects the membership source: "redis" or "static".
	Driver string `yaml:"driver"`
	Addr   string `yaml:"addr"`
	DB     int    `yaml:"db"`

	// Channels seeds the static driver: channel id -> member identities.
	Channels map[string][]string `yaml:"channels"`

	CacheTTL    time.Duration `yaml:"-"`
	CacheTTLRaw string        `yaml:"cache_ttl"`
}

// FanoutConfig holds fanout pipeline tuning
type FanoutConfig struct {
	MaxBodyBytes     int   `yaml:"max_body_bytes"`
	MaxAttempts      int   `yaml:"max_attempts"`
	OptimisticLocal  *bool `yaml:"optimistic_local"`
	DedupeMaxEntries int   `yaml:"dedupe_max_entries"`
	SendQueueSize    int   `yaml:"send_queue_size"`
	RateLimitPerSec  int   `yaml:"rate_limit_per_sec"`
	RateLimitBurst   int   `yaml:"rate_limit_burst"`

	DedupeTTL       time.Duration `yaml:"-"`
	DedupeTTLRaw    string        `yaml:"dedupe_ttl"`
	WriteTimeout    time.Duration `yaml:"-"`
	WriteTimeoutRaw string        `yaml:"write_timeout"`
	RetryMaxWait    time.Duration `yaml:"-"`
	RetryMaxWaitRaw string        `yaml:"retry_max_wait"`
}

// AuthConfig holds handshake authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// OptimisticLocalEnabled reports whether optimistic local delivery is on.
// Defaults to true when unset.
func (c *FanoutConfig) OptimisticLocalEnabled() bool {
	return c.OptimisticLocal == nil || *c.OptimisticLocal
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Log.Driver == "" {
		c.Log.Driver = "memory"
	}
	if c.Log.Topic == "" {
		c.Log.Topic = "fanout-messages"
	}
	if c.Log.Partitions <= 0 {
		c.Log.Partitions = 16
	}
	if c.Membership.Driver == "" {
		c.Membership.Driver = "static"
	}
	if c.Membership.CacheTTL == 0 {
		c.Membership.CacheTTL = 30 * time.Second
	}
	if c.Fanout.MaxBodyBytes <= 0 {
		c.Fanout.MaxBodyBytes = 16 * 1024
	}
	if c.Fanout.MaxAttempts <= 0 {
		c.Fanout.MaxAttempts = 5
	}
	if c.Fanout.DedupeTTL == 0 {
		c.Fanout.DedupeTTL = 5 * time.Minute
	}
	if c.Fanout.DedupeMaxEntries <= 0 {
		c.Fanout.DedupeMaxEntries = 100_000
	}
	if c.Fanout.SendQueueSize <= 0 {
		c.Fanout.SendQueueSize = 256
	}
	if c.Fanout.WriteTimeout == 0 {
		c.Fanout.WriteTimeout = 5 * time.Second
	}
	if c.Fanout.RetryMaxWait == 0 {
		c.Fanout.RetryMaxWait = 10 * time.Second
	}
	if c.Fanout.RateLimitPerSec <= 0 {
		c.Fanout.RateLimitPerSec = 20
	}
	if c.Fanout.RateLimitBurst <= 0 {
		c.Fanout.RateLimitBurst = 40
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Log.Driver {
	case "memory":
	case "pulsar":
		if c.Log.URL == "" {
			return fmt.Errorf("log.url is required when log.driver is pulsar")
		}
	default:
		return fmt.Errorf("log.driver must be %q or %q, got %q", "pulsar", "memory", c.Log.Driver)
	}

	switch c.Membership.Driver {
	case "static":
	case "redis":
		if c.Membership.Addr == "" {
			return fmt.Errorf("membership.addr is required when membership.driver is redis")
		}
	default:
		return fmt.Errorf("membership.driver must be %q or %q, got %q", "redis", "static", c.Membership.Driver)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"membership.cache_ttl", cfg.Membership.CacheTTLRaw, &cfg.Membership.CacheTTL},
		{"fanout.dedupe_ttl", cfg.Fanout.DedupeTTLRaw, &cfg.Fanout.DedupeTTL},
		{"fanout.write_timeout", cfg.Fanout.WriteTimeoutRaw, &cfg.Fanout.WriteTimeout},
		{"fanout.retry_max_wait", cfg.Fanout.RetryMaxWaitRaw, &cfg.Fanout.RetryMaxWait},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
