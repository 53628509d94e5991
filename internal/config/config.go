// Package config loads the launcher configuration and persists per-plugin
// settings.
//
// Configuration is resolved in layers, later layers overriding earlier:
//
//  1. Built-in defaults
//  2. The TOML config file (~/.config/lodestar/config.toml)
//  3. LODESTAR_* environment variables
//
// Settings changed at runtime (enabled plugins, triggers, fuzzy flags) live
// in a separate TOML file managed by Settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// AppName names the configuration directory and environment prefix.
const AppName = "lodestar"

// Duration is a time.Duration written as a string such as "2s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the launcher configuration.
type Config struct {
	Launcher LauncherConfig `toml:"launcher"`
	Query    QueryConfig    `toml:"query"`
	Usage    UsageConfig    `toml:"usage"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	IPC      IPCConfig      `toml:"ipc"`

	// Path is the file the configuration was loaded from, if any.
	Path string `toml:"-"`
}

// LauncherConfig configures plugin discovery and frontends.
type LauncherConfig struct {
	// Frontend is the id of the frontend plugin to use.
	Frontend string `toml:"frontend"`

	// PluginDirs are scanned for script plugins.
	PluginDirs []string `toml:"plugin_dirs"`

	// LoadEnabled loads enabled plugins on startup.
	LoadEnabled bool `toml:"load_enabled"`

	// DefaultEnabled lists plugins enabled when the user never chose.
	DefaultEnabled []string `toml:"default_enabled"`

	// Settings is the path of the persisted settings file.
	Settings string `toml:"settings"`
}

// QueryConfig configures query execution.
type QueryConfig struct {
	RunEmptyQuery  bool     `toml:"run_empty_query"`
	MaxParallel    int      `toml:"max_parallel"`
	HandlerTimeout Duration `toml:"handler_timeout"`
	ReleaseTimeout Duration `toml:"release_timeout"`
}

// UsageConfig configures usage scoring.
type UsageConfig struct {
	// Database is the SQLite file storing activations.
	Database string `toml:"database"`

	// WindowDays limits scoring to recent activations. Zero keeps all.
	WindowDays int `toml:"window_days"`

	// RecomputeInterval refreshes scores so they decay without activity.
	RecomputeInterval Duration `toml:"recompute_interval"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
	JSON  bool   `toml:"json"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint. Empty disables it.
	Listen string `toml:"listen"`
}

// IPCConfig configures the control socket.
type IPCConfig struct {
	Socket string `toml:"socket"`
}

// Dir returns the configuration directory.
func Dir() string {
	if dir := os.Getenv("LODESTAR_CONFIG_DIR"); dir != "" {
		return dir
	}
	base, err := os.UserConfigDir()
	if err != nil {
		base = filepath.Join(os.TempDir(), "config")
	}
	return filepath.Join(base, AppName)
}

// DataDir returns the directory of the usage database.
func DataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), AppName)
	}
	return filepath.Join(home, ".local", "share", AppName)
}

// DefaultSocket returns the default control socket path.
func DefaultSocket() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%d.sock", AppName, os.Getuid()))
}

// Default returns the built-in configuration.
func Default() *Config {
	dir := Dir()
	return &Config{
		Launcher: LauncherConfig{
			Frontend:       "tui",
			PluginDirs:     []string{filepath.Join(dir, "plugins")},
			LoadEnabled:    true,
			DefaultEnabled: []string{"calculator", "websearch", "plugins", "system"},
			Settings:       filepath.Join(dir, "settings.toml"),
		},
		Query: QueryConfig{
			MaxParallel:    8,
			ReleaseTimeout: Duration{2 * time.Second},
		},
		Usage: UsageConfig{
			Database:          filepath.Join(DataDir(), "usage.db"),
			WindowDays:        90,
			RecomputeInterval: Duration{time.Hour},
		},
		Log: LogConfig{
			Level: "info",
		},
		IPC: IPCConfig{
			Socket: DefaultSocket(),
		},
	}
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.toml")
}

// Load builds the configuration from defaults, the file at path and the
// environment. A missing file is not an error. An empty path means
// DefaultPath.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, &ParseError{Path: path, Err: err}
		}
		cfg.Path = path
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Window returns the usage accounting window.
func (c *Config) Window() time.Duration {
	return time.Duration(c.Usage.WindowDays) * 24 * time.Hour
}

// Validate checks value ranges and returns every problem found.
func (c *Config) Validate() error {
	var errs []error
	add := func(path, msg string, v any) {
		errs = append(errs, &ValidationError{Path: path, Message: msg, Value: v})
	}

	if c.Query.MaxParallel < 0 {
		add("query.max_parallel", "must not be negative", c.Query.MaxParallel)
	}
	if c.Query.HandlerTimeout.Duration < 0 {
		add("query.handler_timeout", "must not be negative", c.Query.HandlerTimeout)
	}
	if c.Query.ReleaseTimeout.Duration < 0 {
		add("query.release_timeout", "must not be negative", c.Query.ReleaseTimeout)
	}
	if c.Usage.WindowDays < 0 {
		add("usage.window_days", "must not be negative", c.Usage.WindowDays)
	}
	if c.Usage.RecomputeInterval.Duration < 0 {
		add("usage.recompute_interval", "must not be negative", c.Usage.RecomputeInterval)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log.level", "must be debug, info, warn or error", c.Log.Level)
	}
	if c.Launcher.Frontend == "" {
		add("launcher.frontend", "must not be empty", c.Launcher.Frontend)
	}
	if c.IPC.Socket == "" {
		add("ipc.socket", "must not be empty", c.IPC.Socket)
	}
	return errors.Join(errs...)
}

// Save writes the configuration to path as TOML.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o644)
}

func (c *Config) expandPaths() {
	for i, dir := range c.Launcher.PluginDirs {
		c.Launcher.PluginDirs[i] = expandHome(dir)
	}
	c.Launcher.Settings = expandHome(c.Launcher.Settings)
	c.Usage.Database = expandHome(c.Usage.Database)
	c.Log.File = expandHome(c.Log.File)
	c.IPC.Socket = expandHome(c.IPC.Socket)
}

func expandHome(p string) string {
	if len(p) < 2 || p[0] != '~' || p[1] != '/' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

// writeFileAtomic writes data to a temporary file next to path and renames
// it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Chmod(perm); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
