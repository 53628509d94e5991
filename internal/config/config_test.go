package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2*time.Second, cfg.Query.ReleaseTimeout.Duration)
	assert.Equal(t, 90*24*time.Hour, cfg.Window())
	assert.True(t, cfg.Launcher.LoadEnabled)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Path)
	assert.Equal(t, Default().Query, cfg.Query)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[launcher]
frontend = "stdio"
plugin_dirs = ["/opt/lodestar/plugins"]

[query]
max_parallel = 2
handler_timeout = "150ms"

[usage]
window_days = 0

[log]
level = "debug"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, "stdio", cfg.Launcher.Frontend)
	assert.Equal(t, []string{"/opt/lodestar/plugins"}, cfg.Launcher.PluginDirs)
	assert.Equal(t, 2, cfg.Query.MaxParallel)
	assert.Equal(t, 150*time.Millisecond, cfg.Query.HandlerTimeout.Duration)
	assert.Equal(t, 2*time.Second, cfg.Query.ReleaseTimeout.Duration, "unset keys keep defaults")
	assert.Zero(t, cfg.Window())
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[query\n"), 0o644))

	_, err := Load(path)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, path, pe.Path)
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"LODESTAR_FRONTEND":              "stdio",
		"LODESTAR_QUERY_MAX_PARALLEL":    "3",
		"LODESTAR_QUERY_RELEASE_TIMEOUT": "5s",
		"LODESTAR_DEFAULT_ENABLED":       "calculator, websearch,",
		"LODESTAR_LOG_LEVEL":             "WARN",
		"LODESTAR_METRICS_LISTEN":        "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	cfg.Metrics.Listen = ":9100"
	require.NoError(t, applyEnv(cfg, lookup))
	assert.Equal(t, "stdio", cfg.Launcher.Frontend)
	assert.Equal(t, 3, cfg.Query.MaxParallel)
	assert.Equal(t, 5*time.Second, cfg.Query.ReleaseTimeout.Duration)
	assert.Equal(t, []string{"calculator", "websearch"}, cfg.Launcher.DefaultEnabled)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Empty(t, cfg.Metrics.Listen, "empty values are applied")

	env["LODESTAR_QUERY_MAX_PARALLEL"] = "many"
	err := applyEnv(cfg, lookup)
	var ee *EnvError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "LODESTAR_QUERY_MAX_PARALLEL", ee.Var)
}

func TestLoadAppliesEnv(t *testing.T) {
	t.Setenv("LODESTAR_LOG_LEVEL", "error")
	cfg, err := Load(filepath.Join(t.TempDir(), "none.toml"))
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		paths  []string
	}{
		{"valid", func(*Config) {}, nil},
		{"negative parallel", func(c *Config) { c.Query.MaxParallel = -1 }, []string{"query.max_parallel"}},
		{"bad level and window", func(c *Config) {
			c.Log.Level = "loud"
			c.Usage.WindowDays = -2
		}, []string{"usage.window_days", "log.level"}},
		{"empty frontend", func(c *Config) { c.Launcher.Frontend = "" }, []string{"launcher.frontend"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.paths == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrValidationFailed)
			var got []string
			for _, e := range err.(interface{ Unwrap() []error }).Unwrap() {
				var ve *ValidationError
				require.True(t, errors.As(e, &ve))
				got = append(got, ve.Path)
			}
			assert.Equal(t, tt.paths, got)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	cfg := Default()
	cfg.Query.HandlerTimeout = Duration{300 * time.Millisecond}
	cfg.Launcher.PluginDirs = []string{"/a", "/b"}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Query, loaded.Query)
	assert.Equal(t, cfg.Launcher.PluginDirs, loaded.Launcher.PluginDirs)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "plugins"), expandHome("~/plugins"))
	assert.Equal(t, "/abs", expandHome("/abs"))
	assert.Equal(t, "~user/x", expandHome("~user/x"))
}
