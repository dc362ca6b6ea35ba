package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// LOOPDECK_BACKEND_BASE_URL for backend.base_url.
const EnvPrefix = "LOOPDECK"

// Loader resolves a Config from defaults, a YAML file, LOOPDECK_*
// environment variables and bound command-line flags, in that order.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a loader with the default search paths.
func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

// SetConfigFile pins the config file. A pinned file that cannot be read
// fails Load; a missing file in the search paths does not.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// BindFlag makes a changed command-line flag win over every other source
// for key. Unchanged flags leave the lower layers untouched.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("bind %s: flag not defined", key)
	}
	return l.v.BindPFlag(key, flag)
}

// Load resolves and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()
	for key, value := range defaultValues(cfg) {
		l.v.SetDefault(key, value)
	}

	l.v.SetConfigName("config")
	l.v.SetConfigType("yaml")
	for _, dir := range searchPaths() {
		l.v.AddConfigPath(dir)
	}
	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.readConfigFile(); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for _, path := range []*string{
		&cfg.Global.DataDir,
		&cfg.Global.ConfigDir,
		&cfg.Database.Path,
		&cfg.Workflows.Dir,
		&cfg.Server.OutputDir,
	} {
		*path = expandTilde(*path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ConfigFileUsed returns the file Load read, or "" when none was found.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) readConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}
	err := l.v.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) && l.configFile == "" {
		return nil
	}
	return err
}

// searchPaths lists config directories from most to least specific.
func searchPaths() []string {
	var dirs []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		dirs = append(dirs, filepath.Join(xdg, "loopdeck"))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		dirs = append(dirs, filepath.Join(home, ".config", "loopdeck"))
	}
	return append(dirs, ".")
}

// defaultValues registers every key so AutomaticEnv can see it; viper only
// consults the environment for keys it already knows about.
func defaultValues(cfg *Config) map[string]any {
	return map[string]any{
		"global.data_dir":   cfg.Global.DataDir,
		"global.config_dir": cfg.Global.ConfigDir,

		"database.path":            cfg.Database.Path,
		"database.max_connections": cfg.Database.MaxConnections,
		"database.busy_timeout_ms": cfg.Database.BusyTimeoutMs,

		"logging.level":         cfg.Logging.Level,
		"logging.format":        cfg.Logging.Format,
		"logging.enable_caller": cfg.Logging.EnableCaller,

		"backend.base_url":    cfg.Backend.BaseURL,
		"backend.timeout":     cfg.Backend.Timeout,
		"backend.events_path": cfg.Backend.EventsPath,

		"poll.interval":         cfg.Poll.Interval,
		"poll.inspect_interval": cfg.Poll.InspectInterval,
		"poll.max_attempts":     cfg.Poll.MaxAttempts,

		"guards.busy_window":        cfg.Guards.BusyWindow,
		"guards.pending_launch_ttl": cfg.Guards.PendingLaunchTTL,

		"cache.max_entries": cfg.Cache.MaxEntries,

		"workflows.dir": cfg.Workflows.Dir,

		"server.listen":         cfg.Server.Listen,
		"server.simulate_delay": cfg.Server.SimulateDelay,
		"server.output_dir":     cfg.Server.OutputDir,
	}
}

func expandTilde(path string) string {
	switch {
	case path == "~":
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
	case strings.HasPrefix(path, "~/"):
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	loader := NewLoader()
	loader.SetConfigFile(path)
	return loader.Load()
}

// LoadDefault loads configuration with default search paths.
func LoadDefault() (*Config, error) {
	return NewLoader().Load()
}
