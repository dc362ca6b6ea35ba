package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateHome(t *testing.T) string {
	t.Helper()
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpHome, ".config"))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(tmpHome))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return tmpHome
}

func TestLoadDefault(t *testing.T) {
	isolateHome(t)

	cfg, err := LoadDefault()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 900*time.Millisecond, cfg.Poll.Interval)
	assert.Equal(t, 400*time.Millisecond, cfg.Poll.InspectInterval)
	assert.Equal(t, 180, cfg.Poll.MaxAttempts)
	assert.Equal(t, 900*time.Millisecond, cfg.Guards.BusyWindow)
	assert.Equal(t, 15*time.Second, cfg.Guards.PendingLaunchTTL)
	assert.Equal(t, 100, cfg.Cache.MaxEntries)
}

func TestLoadFromFile(t *testing.T) {
	isolateHome(t)
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	configContent := `
logging:
  level: debug
  format: json
backend:
  base_url: http://10.0.0.5:8188
poll:
  interval: 2s
cache:
  max_entries: 7
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := LoadFromFile(configPath)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "http://10.0.0.5:8188", cfg.Backend.BaseURL)
	assert.Equal(t, 2*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 7, cfg.Cache.MaxEntries)

	// Defaults are still applied
	assert.Equal(t, 180, cfg.Poll.MaxAttempts)
}

func TestEnvironmentOverride(t *testing.T) {
	isolateHome(t)
	t.Setenv("LOOPDECK_LOGGING_LEVEL", "warn")
	t.Setenv("LOOPDECK_BACKEND_BASE_URL", "https://loops.example.com")
	t.Setenv("LOOPDECK_GUARDS_PENDING_LAUNCH_TTL", "30s")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "https://loops.example.com", cfg.Backend.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Guards.PendingLaunchTTL)
}

func TestBoundFlagWinsOverEnvironment(t *testing.T) {
	isolateHome(t)
	t.Setenv("LOOPDECK_BACKEND_BASE_URL", "https://env.example.com")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("backend", "", "")
	flags.String("log-level", "", "")

	loader := NewLoader()
	require.NoError(t, loader.BindFlag("backend.base_url", flags.Lookup("backend")))
	require.NoError(t, loader.BindFlag("logging.level", flags.Lookup("log-level")))
	require.NoError(t, flags.Parse([]string{"--backend", "http://flag.example.com:9000"}))

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "http://flag.example.com:9000", cfg.Backend.BaseURL)
	// unchanged flags fall through to the defaults
	assert.Equal(t, "info", cfg.Logging.Level)

	assert.Error(t, loader.BindFlag("logging.format", flags.Lookup("missing")))
}

func TestExplicitConfigFileNotFound(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "max connections", mutate: func(c *Config) { c.Database.MaxConnections = 0 }},
		{name: "log level", mutate: func(c *Config) { c.Logging.Level = "trace" }},
		{name: "base url scheme", mutate: func(c *Config) { c.Backend.BaseURL = "ftp://host" }},
		{name: "base url host", mutate: func(c *Config) { c.Backend.BaseURL = "http://" }},
		{name: "events path", mutate: func(c *Config) { c.Backend.EventsPath = "ws" }},
		{name: "poll interval", mutate: func(c *Config) { c.Poll.Interval = time.Millisecond }},
		{name: "max attempts", mutate: func(c *Config) { c.Poll.MaxAttempts = 0 }},
		{name: "pending ttl", mutate: func(c *Config) { c.Guards.PendingLaunchTTL = 0 }},
		{name: "cache max entries", mutate: func(c *Config) { c.Cache.MaxEntries = 0 }},
		{name: "server listen", mutate: func(c *Config) { c.Server.Listen = " " }},
	}

	require.NoError(t, DefaultConfig().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, filepath.Join(cfg.Global.DataDir, "loopdeck.db"), cfg.DatabasePath())
	assert.Equal(t, filepath.Join(cfg.Global.DataDir, "workflows"), cfg.WorkflowsDir())
	assert.Equal(t, filepath.Join(cfg.Global.DataDir, "output"), cfg.OutputDir())

	cfg.Database.Path = "/custom/path.db"
	cfg.Workflows.Dir = "/custom/workflows"
	assert.Equal(t, "/custom/path.db", cfg.DatabasePath())
	assert.Equal(t, "/custom/workflows", cfg.WorkflowsDir())
}

func TestEventsURL(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "ws://127.0.0.1:8188/ws", cfg.EventsURL())

	cfg.Backend.BaseURL = "https://loops.example.com/"
	assert.Equal(t, "wss://loops.example.com/ws", cfg.EventsURL())

	cfg.Backend.EventsPath = ""
	assert.Empty(t, cfg.EventsURL())
}

func TestEnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Global.DataDir = filepath.Join(tmpDir, "data")
	cfg.Global.ConfigDir = filepath.Join(tmpDir, "config")

	require.NoError(t, cfg.EnsureDirectories())

	for _, dir := range []string{cfg.Global.DataDir, cfg.Global.ConfigDir, cfg.WorkflowsDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
