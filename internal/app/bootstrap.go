package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/dshills/lodestar/internal/builtin"
	"github.com/dshills/lodestar/internal/config"
	"github.com/dshills/lodestar/internal/extension"
	"github.com/dshills/lodestar/internal/frontend/tui"
	"github.com/dshills/lodestar/internal/ipc"
	"github.com/dshills/lodestar/internal/logging"
	"github.com/dshills/lodestar/internal/metrics"
	"github.com/dshills/lodestar/internal/plugin"
	"github.com/dshills/lodestar/internal/plugin/lua"
	"github.com/dshills/lodestar/internal/query"
	"github.com/dshills/lodestar/internal/usage"
)

// scriptTimeout bounds every call into a Lua plugin.
const scriptTimeout = 2 * time.Second

// bootstrapper handles component initialization with proper cleanup on failure.
type bootstrapper struct {
	app       *Application
	opts      Options
	initOrder []string
}

// newBootstrapper creates a new bootstrapper for the application.
func newBootstrapper(app *Application, opts Options) *bootstrapper {
	return &bootstrapper{
		app:       app,
		opts:      opts,
		initOrder: make([]string, 0, 8),
	}
}

// bootstrap initializes all components in dependency order.
// On failure, it cleans up already-initialized components.
func (b *bootstrapper) bootstrap() error {
	steps := []func() error{
		// 1. Config - everything else reads it
		b.initConfig,
		// 2. Logging
		b.initLogging,
		// 3. Persisted settings
		b.initSettings,
		// 4. Usage database
		b.initUsage,
		// 5. Metrics
		b.initMetrics,
		// 6. Extension and plugin registries, query engine
		b.initPlugins,
		// 7. Control socket; fails when another instance runs
		b.initIPC,
		// 8. Plugin providers; triggers discovery and auto-load
		b.initProviders,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			_ = b.cleanup()
			return err
		}
	}
	return nil
}

// initConfig loads the configuration and applies option overrides.
func (b *bootstrapper) initConfig() error {
	cfg := b.opts.Config
	if cfg == nil {
		var err error
		cfg, err = config.Load(b.opts.ConfigPath)
		if err != nil {
			return &InitError{Component: "config", Err: err}
		}
	}
	if b.opts.Frontend != "" {
		cfg.Launcher.Frontend = b.opts.Frontend
	}
	if b.opts.LogLevel != "" {
		cfg.Log.Level = b.opts.LogLevel
	}
	b.app.config = cfg
	b.initOrder = append(b.initOrder, "config")
	return nil
}

// initLogging creates the logger. The terminal frontend owns the screen,
// so it logs to a file unless one is configured.
func (b *bootstrapper) initLogging() error {
	if b.opts.Logger != nil {
		b.app.log = b.opts.Logger
		b.initOrder = append(b.initOrder, "logging")
		return nil
	}

	cfg := b.app.config.Log
	path := cfg.File
	if path == "" && b.app.config.Launcher.Frontend == tui.ID {
		path = filepath.Join(config.DataDir(), "lodestar.log")
	}
	out := logging.Config{
		Level:  logging.ParseLevel(cfg.Level),
		Output: os.Stderr,
		JSON:   cfg.JSON,
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return &InitError{Component: "logging", Err: err}
		}
		f, err := logging.OpenFile(path)
		if err != nil {
			return &InitError{Component: "logging", Err: err}
		}
		b.app.logFile = f
		out.Output = f
	}
	b.app.log = logging.New(out)
	b.initOrder = append(b.initOrder, "logging")
	return nil
}

// initSettings opens the persisted settings. An empty path keeps them in
// memory.
func (b *bootstrapper) initSettings() error {
	path := b.app.config.Launcher.Settings
	if path == "" {
		b.app.settings = config.NewMemorySettings()
	} else {
		s, err := config.OpenSettings(path, config.WithSettingsLogger(b.app.log))
		if err != nil {
			return &InitError{Component: "settings", Err: err}
		}
		b.app.settings = s
	}
	b.initOrder = append(b.initOrder, "settings")
	return nil
}

// initUsage opens the usage database. Failure disables usage scoring
// without stopping the launcher.
func (b *bootstrapper) initUsage() error {
	path := b.app.config.Usage.Database
	if path == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	store, err := usage.Open(ctx, path,
		usage.WithWindow(b.app.config.Window()),
		usage.WithLogger(b.app.log),
	)
	if err != nil {
		b.app.log.Warn("usage scoring disabled: %v", err)
		b.app.notifier.Notify(NewComponentError("usage", "open", err))
		return nil
	}
	b.app.usage = store
	b.initOrder = append(b.initOrder, "usage")
	return nil
}

// initMetrics creates the metrics collectors.
func (b *bootstrapper) initMetrics() error {
	b.app.metrics = metrics.New()
	b.initOrder = append(b.initOrder, "metrics")
	return nil
}

// initPlugins creates the extension registry, the plugin registry and the
// query engine, and attaches them to each other.
func (b *bootstrapper) initPlugins() error {
	app := b.app
	cfg := app.config

	app.exts = extension.NewRegistry()
	app.plugins = plugin.NewRegistry(app.exts, plugin.RegistryConfig{
		AutoLoad:       cfg.Launcher.LoadEnabled,
		DefaultEnabled: cfg.Launcher.DefaultEnabled,
		Confirmer:      plugin.ConfirmFunc(app.confirm),
		Settings:       app.settings,
		Logger:         app.log,
	})
	app.engine = query.NewEngine(app.exts, query.Config{
		RunEmptyQuery:  cfg.Query.RunEmptyQuery,
		MaxParallel:    cfg.Query.MaxParallel,
		HandlerTimeout: cfg.Query.HandlerTimeout.Duration,
		ReleaseTimeout: cfg.Query.ReleaseTimeout.Duration,
		Settings:       app.settings,
		Usage:          &usageRecorder{store: app.usage, metrics: app.metrics},
		Observer:       app.metrics,
		Logger:         app.log,
	})

	app.engine.Start()
	app.plugins.Start()
	app.unsubscribe = append(app.unsubscribe,
		app.notifier.Watch(app.plugins),
		app.metrics.WatchRegistry(app.plugins),
	)
	b.initOrder = append(b.initOrder, "plugins")
	return nil
}

// initIPC claims the control socket.
func (b *bootstrapper) initIPC() error {
	path := b.app.config.IPC.Socket
	if path == "" {
		return nil
	}
	srv := ipc.NewServer(path, ipc.WithLogger(b.app.log))
	if err := srv.Listen(); err != nil {
		return &InitError{Component: "ipc", Err: err}
	}
	b.app.ipc = srv
	b.app.registerCommands()
	b.initOrder = append(b.initOrder, "ipc")
	return nil
}

// initProviders registers the builtin and Lua providers. The plugin
// registry picks them up and loads the enabled plugins.
func (b *bootstrapper) initProviders() error {
	app := b.app
	defs := b.opts.Definitions
	if defs == nil {
		defs = builtin.Definitions()
	}
	app.builtin = builtin.NewProvider(&builtin.Env{
		Plugins: app.plugins,
		Control: app,
		Open:    b.opts.Open,
		Copy:    b.opts.Copy,
		In:      b.opts.In,
		Out:     b.opts.Out,
		Logger:  app.log,
	}, defs...)
	b.initOrder = append(b.initOrder, "providers")
	if err := app.exts.Register(app.builtin); err != nil {
		return &InitError{Component: "builtin plugins", Err: err}
	}

	if dirs := app.config.Launcher.PluginDirs; len(dirs) > 0 {
		app.scripts = lua.NewProvider(dirs,
			lua.WithLogger(app.log),
			lua.WithTimeout(scriptTimeout),
		)
		if err := app.exts.Register(app.scripts); err != nil {
			return &InitError{Component: "lua plugins", Err: err}
		}
	}
	return nil
}

// cleanup releases components in reverse initialization order.
// Called when bootstrap fails partway through and on shutdown.
func (b *bootstrapper) cleanup() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(b.initOrder) - 1; i >= 0; i-- {
		if err := b.cleanupComponent(ctx, b.initOrder[i]); err != nil {
			errs = append(errs, NewComponentError(b.initOrder[i], "cleanup", err))
		}
	}
	b.initOrder = b.initOrder[:0]
	return errors.Join(errs...)
}

// cleanupComponent cleans up a single component.
func (b *bootstrapper) cleanupComponent(ctx context.Context, component string) error {
	app := b.app
	switch component {
	case "providers":
		app.mu.Lock()
		stops := app.unsubscribe
		app.unsubscribe = nil
		app.mu.Unlock()
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
		// Withdrawing a provider unloads its plugins.
		var errs []error
		if app.scripts != nil {
			errs = append(errs, app.exts.Deregister(app.scripts))
		}
		if app.builtin != nil {
			errs = append(errs, app.exts.Deregister(app.builtin))
		}
		return errors.Join(errs...)
	case "ipc":
		if app.ipc != nil {
			return app.ipc.Shutdown(ctx)
		}
	case "plugins":
		var err error
		if app.plugins != nil {
			err = app.plugins.Close(ctx)
		}
		if app.engine != nil {
			app.engine.Stop()
		}
		return err
	case "usage":
		if app.usage != nil {
			return app.usage.Close()
		}
	case "settings":
		if app.settings != nil {
			return app.settings.Close()
		}
	case "logging":
		if app.logFile != nil {
			err := app.logFile.Close()
			app.logFile = nil
			return err
		}
	}
	return nil
}
