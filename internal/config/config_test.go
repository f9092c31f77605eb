// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  grpc_addr: "0.0.0.0:50051"
  http_addr: "0.0.0.0:8080"
  allowed_origins:
    - "https://chat.example.com"

database:
  backend: "badger"
  path: "./data"

auth:
  jwt_secret: "`+testSecret+`"
  token_ttl: "24h"

delivery:
  push_timeout: "2s"
  max_body_length: 1000
  retry_window: "30s"

sessions:
  send_queue: 16
  submit_rate: 2.5
  submit_burst: 5
  write_timeout: "3s"
  ping_interval: "15s"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/metrics"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50051")
	}
	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if len(cfg.Server.AllowedOrigins) != 1 {
		t.Errorf("len(Server.AllowedOrigins) = %d, want 1", len(cfg.Server.AllowedOrigins))
	}
	if cfg.Database.Backend != BackendBadger {
		t.Errorf("Database.Backend = %q, want %q", cfg.Database.Backend, BackendBadger)
	}
	if cfg.Database.Driver != DriverModernc {
		t.Errorf("Database.Driver = %q, want default %q", cfg.Database.Driver, DriverModernc)
	}
	if cfg.Auth.TokenTTL != 24*time.Hour {
		t.Errorf("Auth.TokenTTL = %v, want 24h", cfg.Auth.TokenTTL)
	}
	if cfg.Delivery.PushTimeout != 2*time.Second {
		t.Errorf("Delivery.PushTimeout = %v, want 2s", cfg.Delivery.PushTimeout)
	}
	if cfg.Delivery.MaxBodyLength != 1000 {
		t.Errorf("Delivery.MaxBodyLength = %d, want 1000", cfg.Delivery.MaxBodyLength)
	}
	if cfg.Delivery.RetryWindow != 30*time.Second {
		t.Errorf("Delivery.RetryWindow = %v, want 30s", cfg.Delivery.RetryWindow)
	}
	if cfg.Sessions.SendQueue != 16 {
		t.Errorf("Sessions.SendQueue = %d, want 16", cfg.Sessions.SendQueue)
	}
	if cfg.Sessions.SubmitRate != 2.5 || cfg.Sessions.SubmitBurst != 5 {
		t.Errorf("Sessions submit = %v/%d, want 2.5/5", cfg.Sessions.SubmitRate, cfg.Sessions.SubmitBurst)
	}
	if cfg.Sessions.WriteTimeout != 3*time.Second {
		t.Errorf("Sessions.WriteTimeout = %v, want 3s", cfg.Sessions.WriteTimeout)
	}
	if cfg.Sessions.PingInterval != 15*time.Second {
		t.Errorf("Sessions.PingInterval = %v, want 15s", cfg.Sessions.PingInterval)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "config.toml", `
[server]
grpc_addr = "127.0.0.1:50051"
http_addr = "127.0.0.1:8080"

[database]
backend = "sqlite"
driver = "sqlite3"
path = "/tmp/dm.db"

[auth]
jwt_secret = "`+testSecret+`"

[delivery]
push_timeout = "750ms"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Driver != DriverCGO {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, DriverCGO)
	}
	if cfg.Database.Path != "/tmp/dm.db" {
		t.Errorf("Database.Path = %q, want /tmp/dm.db", cfg.Database.Path)
	}
	if cfg.Delivery.PushTimeout != 750*time.Millisecond {
		t.Errorf("Delivery.PushTimeout = %v, want 750ms", cfg.Delivery.PushTimeout)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  grpc_addr: ":50051"
  http_addr: ":8080"
database:
  path: "./dm.db"
auth:
  jwt_secret: "`+testSecret+`"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := Defaults()
	if cfg.Database.Backend != want.Database.Backend {
		t.Errorf("Database.Backend = %q, want %q", cfg.Database.Backend, want.Database.Backend)
	}
	if cfg.Delivery.PushTimeout != want.Delivery.PushTimeout {
		t.Errorf("Delivery.PushTimeout = %v, want %v", cfg.Delivery.PushTimeout, want.Delivery.PushTimeout)
	}
	if cfg.Delivery.MaxBodyLength != want.Delivery.MaxBodyLength {
		t.Errorf("Delivery.MaxBodyLength = %d, want %d", cfg.Delivery.MaxBodyLength, want.Delivery.MaxBodyLength)
	}
	if cfg.Sessions.SendQueue != want.Sessions.SendQueue {
		t.Errorf("Sessions.SendQueue = %d, want %d", cfg.Sessions.SendQueue, want.Sessions.SendQueue)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want /metrics", cfg.Metrics.Path)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_DM_SECRET", testSecret)
	t.Setenv("TEST_DM_DB", "/var/lib/dm.db")

	configPath := writeConfig(t, "config.yaml", `
server:
  grpc_addr: ":50051"
  http_addr: ":8080"
database:
  path: "${TEST_DM_DB}"
auth:
  jwt_secret: "${TEST_DM_SECRET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != testSecret {
		t.Errorf("Auth.JWTSecret = %q, want expanded secret", cfg.Auth.JWTSecret)
	}
	if cfg.Database.Path != "/var/lib/dm.db" {
		t.Errorf("Database.Path = %q, want /var/lib/dm.db", cfg.Database.Path)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", "server:\n  grpc_addr: [unclosed\n")

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	tests := []struct {
		name  string
		field string
	}{
		{"push timeout", "delivery:\n  push_timeout: \"soon\"\n"},
		{"ping interval", "sessions:\n  ping_interval: \"often\"\n"},
		{"negative ttl", "auth:\n  token_ttl: \"-1h\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, "config.yaml", `
server:
  grpc_addr: ":50051"
  http_addr: ":8080"
database:
  path: "./dm.db"
`+tt.field)

			_, err := Load(configPath)
			if err == nil {
				t.Fatal("Load() expected error for invalid duration, got nil")
			}
			if !strings.Contains(err.Error(), "parsing durations") {
				t.Errorf("error = %v, want duration parse error", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Defaults()
		cfg.Server.GRPCAddr = ":50051"
		cfg.Server.HTTPAddr = ":8080"
		cfg.Database.Path = "./dm.db"
		cfg.Auth.JWTSecret = testSecret
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing grpc addr", func(c *Config) { c.Server.GRPCAddr = "" }, "server.grpc_addr"},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"tailscale without addrs", func(c *Config) {
			c.Server = ServerConfig{}
			c.Tailscale = TailscaleConfig{Enabled: true, Hostname: "dm"}
		}, ""},
		{"tailscale without hostname", func(c *Config) { c.Tailscale.Enabled = true }, "tailscale.hostname"},
		{"missing path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"memory needs no path", func(c *Config) {
			c.Database.Backend = BackendMemory
			c.Database.Path = ""
		}, ""},
		{"unknown backend", func(c *Config) { c.Database.Backend = "postgres" }, "database.backend"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "pgx" }, "database.driver"},
		{"missing secret", func(c *Config) { c.Auth.JWTSecret = "" }, "auth.jwt_secret is required"},
		{"short secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "at least 32 bytes"},
		{"negative body length", func(c *Config) { c.Delivery.MaxBodyLength = -1 }, "max_body_length"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("EXPAND_A", "alpha")

	tests := []struct {
		input string
		want  string
	}{
		{"${EXPAND_A}", "alpha"},
		{"pre-${EXPAND_A}-post", "pre-alpha-post"},
		{"${EXPAND_UNSET_VAR}", ""},
		{"no vars", "no vars"},
	}

	for _, tt := range tests {
		if got := expandEnvVars(tt.input); got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
