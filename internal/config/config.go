// Package config handles loopdeck configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the root configuration structure for loopdeck.
type Config struct {
	// Global settings
	Global GlobalConfig `yaml:"global" mapstructure:"global"`

	// Database settings for the local runtime cache
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// Backend is the loop backend the client talks to.
	Backend BackendConfig `yaml:"backend" mapstructure:"backend"`

	// Poll controls auto-refresh and prompt inspection.
	Poll PollConfig `yaml:"poll" mapstructure:"poll"`

	// Guards tunes the double-launch guards.
	Guards GuardsConfig `yaml:"guards" mapstructure:"guards"`

	// Cache controls runtime-state retention.
	Cache CacheConfig `yaml:"cache" mapstructure:"cache"`

	// Workflows points at the local workflow catalog.
	Workflows WorkflowsConfig `yaml:"workflows" mapstructure:"workflows"`

	// Server configures the reference backend started by `loopdeck serve`.
	Server ServerConfig `yaml:"server" mapstructure:"server"`
}

// GlobalConfig contains global settings.
type GlobalConfig struct {
	// DataDir is the directory for loopdeck data (database, exports).
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// ConfigDir is the directory for configuration files.
	ConfigDir string `yaml:"config_dir" mapstructure:"config_dir"`
}

// DatabaseConfig contains SQLite settings.
type DatabaseConfig struct {
	// Path is the SQLite database file path. Defaults to DataDir/loopdeck.db.
	Path string `yaml:"path" mapstructure:"path"`

	// MaxConnections is the connection pool size.
	MaxConnections int `yaml:"max_connections" mapstructure:"max_connections"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `yaml:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (console, json).
	Format string `yaml:"format" mapstructure:"format"`

	// EnableCaller adds caller info to log entries.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// BackendConfig describes how to reach the loop backend.
type BackendConfig struct {
	// BaseURL is the backend root, e.g. http://127.0.0.1:8188.
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`

	// Timeout bounds each HTTP request.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`

	// EventsPath is the websocket path for progress events. Empty disables events.
	EventsPath string `yaml:"events_path" mapstructure:"events_path"`
}

// PollConfig contains polling cadence.
type PollConfig struct {
	// Interval is the loop auto-refresh cadence.
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`

	// InspectInterval is the prompt inspection cadence used by pipeline runs.
	InspectInterval time.Duration `yaml:"inspect_interval" mapstructure:"inspect_interval"`

	// MaxAttempts bounds one auto-refresh session.
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// GuardsConfig contains double-launch guard windows.
type GuardsConfig struct {
	// BusyWindow suppresses retry affordances after a launch.
	BusyWindow time.Duration `yaml:"busy_window" mapstructure:"busy_window"`

	// PendingLaunchTTL is how long an unconfirmed launch bridges to queued.
	PendingLaunchTTL time.Duration `yaml:"pending_launch_ttl" mapstructure:"pending_launch_ttl"`
}

// CacheConfig contains runtime cache retention.
type CacheConfig struct {
	// MaxEntries is the number of loop records kept; oldest are pruned.
	MaxEntries int `yaml:"max_entries" mapstructure:"max_entries"`
}

// WorkflowsConfig locates the workflow catalog.
type WorkflowsConfig struct {
	// Dir is the catalog root. Defaults to DataDir/workflows.
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// ServerConfig configures the reference backend.
type ServerConfig struct {
	// Listen is the listen address.
	Listen string `yaml:"listen" mapstructure:"listen"`

	// SimulateDelay is how long a simulated generation takes to return.
	SimulateDelay time.Duration `yaml:"simulate_delay" mapstructure:"simulate_delay"`

	// OutputDir receives generated files and exports. Defaults to DataDir/output.
	OutputDir string `yaml:"output_dir" mapstructure:"output_dir"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Global: GlobalConfig{
			DataDir:   filepath.Join(homeDir, ".local", "share", "loopdeck"),
			ConfigDir: filepath.Join(homeDir, ".config", "loopdeck"),
		},
		Database: DatabaseConfig{
			Path:           "", // Will be set to DataDir/loopdeck.db
			MaxConnections: 10,
			BusyTimeoutMs:  5000,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "console",
			EnableCaller: false,
		},
		Backend: BackendConfig{
			BaseURL:    "http://127.0.0.1:8188",
			Timeout:    15 * time.Second,
			EventsPath: "/ws",
		},
		Poll: PollConfig{
			Interval:        900 * time.Millisecond,
			InspectInterval: 400 * time.Millisecond,
			MaxAttempts:     180,
		},
		Guards: GuardsConfig{
			BusyWindow:       900 * time.Millisecond,
			PendingLaunchTTL: 15 * time.Second,
		},
		Cache: CacheConfig{
			MaxEntries: 100,
		},
		Workflows: WorkflowsConfig{
			Dir: "", // Will be set to DataDir/workflows
		},
		Server: ServerConfig{
			Listen:        "127.0.0.1:8188",
			SimulateDelay: 2 * time.Second,
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Global.DataDir) == "" {
		return fmt.Errorf("global.data_dir is required")
	}
	if strings.TrimSpace(c.Global.ConfigDir) == "" {
		return fmt.Errorf("global.config_dir is required")
	}

	if c.Database.MaxConnections < 1 {
		return fmt.Errorf("database.max_connections must be at least 1")
	}
	if c.Database.BusyTimeoutMs < 0 {
		return fmt.Errorf("database.busy_timeout_ms must be zero or greater")
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be one of console, json")
	}

	parsed, err := url.Parse(strings.TrimSpace(c.Backend.BaseURL))
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("backend.base_url must be an http(s) URL")
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend.timeout must be greater than 0")
	}
	if path := strings.TrimSpace(c.Backend.EventsPath); path != "" && !strings.HasPrefix(path, "/") {
		return fmt.Errorf("backend.events_path must start with /")
	}

	if c.Poll.Interval < 50*time.Millisecond {
		return fmt.Errorf("poll.interval must be at least 50ms")
	}
	if c.Poll.InspectInterval < 50*time.Millisecond {
		return fmt.Errorf("poll.inspect_interval must be at least 50ms")
	}
	if c.Poll.MaxAttempts < 1 {
		return fmt.Errorf("poll.max_attempts must be at least 1")
	}

	if c.Guards.BusyWindow < 0 {
		return fmt.Errorf("guards.busy_window must be zero or greater")
	}
	if c.Guards.PendingLaunchTTL <= 0 {
		return fmt.Errorf("guards.pending_launch_ttl must be greater than 0")
	}

	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache.max_entries must be at least 1")
	}

	if strings.TrimSpace(c.Server.Listen) == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Server.SimulateDelay < 0 {
		return fmt.Errorf("server.simulate_delay must be zero or greater")
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Global.DataDir,
		c.Global.ConfigDir,
		c.WorkflowsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// DatabasePath returns the full database path.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.Global.DataDir, "loopdeck.db")
}

// WorkflowsDir returns the workflow catalog root.
func (c *Config) WorkflowsDir() string {
	if c.Workflows.Dir != "" {
		return c.Workflows.Dir
	}
	return filepath.Join(c.Global.DataDir, "workflows")
}

// OutputDir returns where the reference backend writes generated files.
func (c *Config) OutputDir() string {
	if c.Server.OutputDir != "" {
		return c.Server.OutputDir
	}
	return filepath.Join(c.Global.DataDir, "output")
}

// EventsURL returns the websocket URL for progress events, or "" when disabled.
func (c *Config) EventsURL() string {
	path := strings.TrimSpace(c.Backend.EventsPath)
	if path == "" {
		return ""
	}
	base := strings.TrimRight(strings.TrimSpace(c.Backend.BaseURL), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + path
}
