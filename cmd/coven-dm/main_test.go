// ABOUTME: Tests for the coven-dm command line: path resolution, init output, health and logging
// ABOUTME: Runs commands in-process against temp dirs and httptest servers

package main

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-dm/internal/config"
)

func TestGetConfigPath(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		t.Setenv("COVEN_DM_CONFIG", "/etc/coven/dm.toml")
		assert.Equal(t, "/etc/coven/dm.toml", getConfigPath())
	})

	t.Run("xdg config home", func(t *testing.T) {
		t.Setenv("COVEN_DM_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
		assert.Equal(t, filepath.Join("/tmp/xdg", "coven", "dm.yaml"), getConfigPath())
	})
}

func TestRenderConfigParses(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	a := defaultInitAnswers()
	secret, err := generateSecret()
	require.NoError(t, err)
	a.JWTSecret = secret
	a.MetricsEnabled = true

	cfg, err := config.Parse(renderConfig(a), "yaml")
	require.NoError(t, err)

	assert.Equal(t, "localhost:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, config.BackendSQLite, cfg.Database.Backend)
	assert.Equal(t, a.DBPath, cfg.Database.Path)
	assert.Equal(t, secret, cfg.Auth.JWTSecret)
	assert.Equal(t, 5*time.Second, cfg.Delivery.PushTimeout)
	assert.Equal(t, 30*time.Second, cfg.Sessions.PingInterval)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestRenderConfigMemoryBackendOmitsPath(t *testing.T) {
	a := defaultInitAnswers()
	a.Backend = config.BackendMemory
	a.JWTSecret = strings.Repeat("k", 40)

	out := renderConfig(a)
	assert.NotContains(t, out, "  path: \""+a.DBPath)

	cfg, err := config.Parse(out, "yaml")
	require.NoError(t, err)
	assert.Equal(t, config.BackendMemory, cfg.Database.Backend)
}

func TestGenerateSecretIsRandom(t *testing.T) {
	a, err := generateSecret()
	require.NoError(t, err)
	b, err := generateSecret()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.GreaterOrEqual(t, len(a), 32)
}

func TestInitWithDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	path := filepath.Join(dir, "conf", "dm.yaml")

	var out bytes.Buffer
	require.NoError(t, runInit(strings.NewReader(""), &out, path, true, false))
	assert.Contains(t, out.String(), "Config written to "+path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm(), "config holds the JWT secret")

	_, err = config.Load(path)
	require.NoError(t, err)

	// A second run must not clobber the existing secret.
	err = runInit(strings.NewReader(""), &out, path, true, false)
	assert.Error(t, err)

	require.NoError(t, runInit(strings.NewReader(""), &out, path, true, true))
}

func TestInitPrompts(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	path := filepath.Join(dir, "dm.yaml")

	// config path, grpc, http, backend, tailscale, log level, log format, metrics
	answers := strings.Join([]string{
		"",
		"",
		"0.0.0.0:9090",
		"memory",
		"no",
		"debug",
		"json",
		"yes",
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, runInit(strings.NewReader(answers), &out, path, false, false))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9090", cfg.Server.HTTPAddr)
	assert.Equal(t, config.BackendMemory, cfg.Database.Backend)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestInitAbortsWithoutOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("keep me"), 0600))

	var out bytes.Buffer
	require.NoError(t, runInit(strings.NewReader("\nno\n"), &out, path, false, false))
	assert.Contains(t, out.String(), "Aborted.")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(data))
}

func TestCheckReady(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health/ready", r.URL.Path)
		if !healthy.Load() {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready (0 live sessions)"))
	}))
	defer srv.Close()

	body, err := checkReady(t.Context(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ready (0 live sessions)", body)

	// bare host:port gets a scheme
	body, err = checkReady(t.Context(), strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	assert.Equal(t, "ready (0 live sessions)", body)

	healthy.Store(false)
	_, err = checkReady(t.Context(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "coven-dm dev\n", out.String())
}

func TestVersionRejectsArgs(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"version", "extra"})

	assert.Error(t, cmd.Execute())
}

func TestSetupLogger(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

		logger.Info("hidden")
		logger.Warn("shown", "user_id", "alice")

		out := buf.String()
		assert.NotContains(t, out, "hidden")
		assert.Contains(t, out, `"msg":"shown"`)
		assert.Contains(t, out, `"user_id":"alice"`)
	})

	t.Run("color", func(t *testing.T) {
		var buf bytes.Buffer
		logger := setupLogger(config.LoggingConfig{Level: "debug"}, &buf)

		logger.With("component", "router").WithGroup("push").Debug("delivered", "seq", 7)

		out := buf.String()
		assert.Contains(t, out, "delivered")
		assert.Contains(t, out, "component=")
		assert.Contains(t, out, "push.seq=")
		assert.True(t, strings.HasSuffix(out, "\n"))
	})
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}
