// ABOUTME: Configuration loading and parsing for coven-dm
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Storage backends accepted by database.backend.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// SQL drivers accepted by database.driver.
const (
	DriverModernc = "sqlite"
	DriverCGO     = "sqlite3"
)

// Config represents the complete coven-dm configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Delivery  DeliveryConfig  `yaml:"delivery" toml:"delivery"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public HTTPS, implies TLS
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// AllowedOrigins restricts WebSocket upgrades by Origin header. Empty allows any.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// DatabaseConfig selects and locates the message store
type DatabaseConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	Driver  string `yaml:"driver" toml:"driver"`
	Path    string `yaml:"path" toml:"path"`
}

// DeliveryConfig holds live fan-out settings
type DeliveryConfig struct {
	PushTimeout   time.Duration `yaml:"-" toml:"-"`
	MaxBodyLength int           `yaml:"max_body_length" toml:"max_body_length"`
	// RetryWindow is how long a clientMsgId is remembered for resent sends.
	RetryWindow time.Duration `yaml:"-" toml:"-"`

	PushTimeoutRaw string `yaml:"push_timeout" toml:"push_timeout"`
	RetryWindowRaw string `yaml:"retry_window" toml:"retry_window"`
}

// SessionsConfig holds per-connection WebSocket settings
type SessionsConfig struct {
	SendQueue    int           `yaml:"send_queue" toml:"send_queue"`
	SubmitRate   float64       `yaml:"submit_rate" toml:"submit_rate"`
	SubmitBurst  int           `yaml:"submit_burst" toml:"submit_burst"`
	WriteTimeout time.Duration `yaml:"-" toml:"-"`
	PingInterval time.Duration `yaml:"-" toml:"-"`

	WriteTimeoutRaw string `yaml:"write_timeout" toml:"write_timeout"`
	PingIntervalRaw string `yaml:"ping_interval" toml:"ping_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Defaults returns a Config populated with the values used when a field is left unset.
func Defaults() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(string(data), formatFor(path))
}

// Parse decodes raw configuration text in the given format ("yaml" or "toml").
func Parse(raw, format string) (*Config, error) {
	expanded := expandEnvVars(raw)

	var cfg Config
	switch format {
	case "toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func formatFor(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return "toml"
	}
	return "yaml"
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Backend == "" {
		cfg.Database.Backend = BackendSQLite
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverModernc
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = 30 * 24 * time.Hour
	}
	if cfg.Delivery.PushTimeout == 0 {
		cfg.Delivery.PushTimeout = 5 * time.Second
	}
	if cfg.Delivery.MaxBodyLength == 0 {
		cfg.Delivery.MaxBodyLength = 4096
	}
	if cfg.Delivery.RetryWindow == 0 {
		cfg.Delivery.RetryWindow = 2 * time.Minute
	}
	if cfg.Sessions.SendQueue == 0 {
		cfg.Sessions.SendQueue = 64
	}
	if cfg.Sessions.SubmitRate == 0 {
		cfg.Sessions.SubmitRate = 10
	}
	if cfg.Sessions.SubmitBurst == 0 {
		cfg.Sessions.SubmitBurst = 20
	}
	if cfg.Sessions.WriteTimeout == 0 {
		cfg.Sessions.WriteTimeout = 10 * time.Second
	}
	if cfg.Sessions.PingInterval == 0 {
		cfg.Sessions.PingInterval = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Backend {
	case BackendSQLite, BackendBadger:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for backend %q", c.Database.Backend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("database.backend must be one of sqlite, badger, memory (got %q)", c.Database.Backend)
	}

	if c.Database.Driver != DriverModernc && c.Database.Driver != DriverCGO {
		return fmt.Errorf("database.driver must be %q or %q (got %q)", DriverModernc, DriverCGO, c.Database.Driver)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Delivery.MaxBodyLength < 0 {
		return fmt.Errorf("delivery.max_body_length must not be negative")
	}
	if c.Sessions.SubmitRate < 0 || c.Sessions.SubmitBurst < 0 {
		return fmt.Errorf("sessions.submit_rate and sessions.submit_burst must not be negative")
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
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"delivery.push_timeout", cfg.Delivery.PushTimeoutRaw, &cfg.Delivery.PushTimeout},
		{"delivery.retry_window", cfg.Delivery.RetryWindowRaw, &cfg.Delivery.RetryWindow},
		{"sessions.write_timeout", cfg.Sessions.WriteTimeoutRaw, &cfg.Sessions.WriteTimeout},
		{"sessions.ping_interval", cfg.Sessions.PingIntervalRaw, &cfg.Sessions.PingInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive (got %q)", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
