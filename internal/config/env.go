package config

import (
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every configuration environment variable.
const EnvPrefix = "LODESTAR_"

type envSetter func(c *Config, v string) error

// envMapping maps environment variables to configuration fields.
var envMapping = map[string]envSetter{
	"LODESTAR_FRONTEND":        func(c *Config, v string) error { c.Launcher.Frontend = v; return nil },
	"LODESTAR_PLUGIN_DIRS":     func(c *Config, v string) error { c.Launcher.PluginDirs = filepath.SplitList(v); return nil },
	"LODESTAR_LOAD_ENABLED":    func(c *Config, v string) error { return parseBool(v, &c.Launcher.LoadEnabled) },
	"LODESTAR_DEFAULT_ENABLED": func(c *Config, v string) error { c.Launcher.DefaultEnabled = splitComma(v); return nil },
	"LODESTAR_SETTINGS":        func(c *Config, v string) error { c.Launcher.Settings = v; return nil },

	"LODESTAR_QUERY_RUN_EMPTY_QUERY": func(c *Config, v string) error { return parseBool(v, &c.Query.RunEmptyQuery) },
	"LODESTAR_QUERY_MAX_PARALLEL":    func(c *Config, v string) error { return parseInt(v, &c.Query.MaxParallel) },
	"LODESTAR_QUERY_HANDLER_TIMEOUT": func(c *Config, v string) error { return parseDuration(v, &c.Query.HandlerTimeout) },
	"LODESTAR_QUERY_RELEASE_TIMEOUT": func(c *Config, v string) error { return parseDuration(v, &c.Query.ReleaseTimeout) },

	"LODESTAR_USAGE_DATABASE":           func(c *Config, v string) error { c.Usage.Database = v; return nil },
	"LODESTAR_USAGE_WINDOW_DAYS":        func(c *Config, v string) error { return parseInt(v, &c.Usage.WindowDays) },
	"LODESTAR_USAGE_RECOMPUTE_INTERVAL": func(c *Config, v string) error { return parseDuration(v, &c.Usage.RecomputeInterval) },

	"LODESTAR_LOG_LEVEL": func(c *Config, v string) error { c.Log.Level = strings.ToLower(v); return nil },
	"LODESTAR_LOG_FILE":  func(c *Config, v string) error { c.Log.File = v; return nil },
	"LODESTAR_LOG_JSON":  func(c *Config, v string) error { return parseBool(v, &c.Log.JSON) },

	"LODESTAR_METRICS_LISTEN": func(c *Config, v string) error { c.Metrics.Listen = v; return nil },
	"LODESTAR_IPC_SOCKET":     func(c *Config, v string) error { c.IPC.Socket = v; return nil },
}

// EnvVars returns the recognized environment variables, sorted.
func EnvVars() []string {
	vars := make([]string, 0, len(envMapping))
	for name := range envMapping {
		vars = append(vars, name)
	}
	slices.Sort(vars)
	return vars
}

// applyEnv overrides c from the environment. Empty values are applied as
// set, not treated as unset.
func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	for _, name := range EnvVars() {
		v, ok := lookup(name)
		if !ok {
			continue
		}
		if err := envMapping[name](c, v); err != nil {
			return &EnvError{Var: name, Err: err}
		}
	}
	return nil
}

func parseBool(v string, dst *bool) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func parseInt(v string, dst *int) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func parseDuration(v string, dst *Duration) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	dst.Duration = d
	return nil
}

func splitComma(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
