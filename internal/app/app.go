// Package app provides the main application structure and coordination
// for the lodestar launcher. It wires together the core modules and manages
// the application lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/lodestar/internal/builtin"
	"github.com/dshills/lodestar/internal/config"
	"github.com/dshills/lodestar/internal/extension"
	"github.com/dshills/lodestar/internal/frontend"
	"github.com/dshills/lodestar/internal/ipc"
	"github.com/dshills/lodestar/internal/logging"
	"github.com/dshills/lodestar/internal/metrics"
	"github.com/dshills/lodestar/internal/plugin"
	"github.com/dshills/lodestar/internal/plugin/lua"
	"github.com/dshills/lodestar/internal/query"
	"github.com/dshills/lodestar/internal/usage"
)

// Version is the launcher version, set at build time.
var Version = "dev"

// shutdownTimeout bounds unloading plugins and closing services.
const shutdownTimeout = 5 * time.Second

// Application is the central coordinator for all lodestar components.
// It implements frontend.Host and builtin.Control.
type Application struct {
	mu sync.RWMutex

	// Core infrastructure
	config  *config.Config
	log     *logging.Logger
	logFile *os.File

	// Persistence
	settings *config.Settings
	usage    *usage.Store

	// Extension components
	exts     *extension.Registry
	plugins  *plugin.Registry
	engine   *query.Engine
	builtin  *builtin.Provider
	scripts  *lua.Provider
	metrics  *metrics.Metrics
	ipc      *ipc.Server
	notifier *Notifier

	unsubscribe []func()

	// State
	frontend frontend.Frontend
	cancel   context.CancelFunc
	running  atomic.Bool
	restart  atomic.Bool
	closed   sync.Once
	boot     *bootstrapper

	// Options
	opts Options
}

var (
	_ frontend.Host   = (*Application)(nil)
	_ builtin.Control = (*Application)(nil)
)

// Options configures the application.
type Options struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string

	// Config replaces loading from ConfigPath.
	Config *config.Config

	// Frontend overrides the configured frontend id.
	Frontend string

	// LogLevel overrides the configured logging verbosity.
	LogLevel string

	// Logger replaces the logger built from the configuration.
	Logger *logging.Logger

	// In and Out replace the standard streams of the stdio frontend.
	In  io.Reader
	Out io.Writer

	// Open and Copy replace the desktop integration of builtin plugins.
	Open func(target string) error
	Copy func(text string) error

	// Definitions replaces the builtin plugin set.
	Definitions []builtin.Definition
}

// New creates a new Application with the given options. Every component is
// initialized; Run starts the frontend and background services.
func New(opts Options) (*Application, error) {
	app := &Application{
		opts:     opts,
		notifier: NewNotifier(),
	}

	app.boot = newBootstrapper(app, opts)
	if err := app.boot.bootstrap(); err != nil {
		return nil, err
	}

	return app, nil
}

// Run loads the frontend and drives it until it exits or Quit is called.
// It returns ErrRestart when Restart was requested. The application is
// closed when Run returns.
func (app *Application) Run(ctx context.Context) (err error) {
	if !app.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer app.running.Store(false)
	defer func() {
		if cerr := app.Close(); cerr != nil {
			app.log.Warn("shutdown: %v", cerr)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	app.mu.Lock()
	app.cancel = cancel
	app.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	app.startServices(gctx, g)

	fe, err := app.selectFrontend(gctx)
	if err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	err = app.runFrontend(gctx, fe)
	cancel()
	if werr := g.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
		app.log.Warn("background service: %v", werr)
	}

	if app.restart.Load() {
		return ErrRestart
	}
	return err
}

// startServices runs the socket server, usage decay, metrics endpoint and
// file watchers for the lifetime of ctx.
func (app *Application) startServices(ctx context.Context, g *errgroup.Group) {
	if app.ipc != nil {
		g.Go(func() error {
			if err := app.ipc.Serve(ctx); err != nil && !errors.Is(err, ipc.ErrServerClosed) {
				return NewComponentError("ipc", "serve", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return app.ipc.Shutdown(sctx)
		})
	}

	if app.usage != nil && app.config.Usage.RecomputeInterval.Duration > 0 {
		g.Go(func() error {
			app.usage.Run(ctx, app.config.Usage.RecomputeInterval.Duration)
			return nil
		})
	}

	if addr := app.config.Metrics.Listen; addr != "" {
		g.Go(func() error {
			if err := app.metrics.Serve(ctx, addr, app.log.WithComponent("metrics")); err != nil {
				app.notifier.Notify(NewComponentError("metrics", "serve", err))
			}
			return nil
		})
	}

	if err := app.settings.Watch(app.settingsChanged); err != nil {
		app.log.Warn("watching settings: %v", err)
	}

	if app.scripts != nil {
		stop, err := app.scripts.Watch(app.rescanScripts)
		if err != nil {
			app.log.Warn("watching plugin directories: %v", err)
			return
		}
		app.mu.Lock()
		app.unsubscribe = append(app.unsubscribe, func() { _ = stop() })
		app.mu.Unlock()
	}
}

// selectFrontend loads the configured frontend, falling back to the other
// frontend plugins in id order.
func (app *Application) selectFrontend(ctx context.Context) (frontend.Frontend, error) {
	want := app.config.Launcher.Frontend
	var ids []string
	for _, e := range app.plugins.Frontends() {
		if e.ID() != want {
			ids = append(ids, e.ID())
		}
	}
	slices.Sort(ids)
	if e, ok := app.plugins.Entry(want); ok && !e.IsUser() {
		ids = append([]string{want}, ids...)
	} else if want != "" {
		app.notifier.Notifyf("frontend %q not found", want)
	}

	for _, id := range ids {
		if err := app.plugins.Load(ctx, id); err != nil {
			app.log.Warn("frontend %s: %v", id, err)
			continue
		}
		e, _ := app.plugins.Entry(id)
		fe, ok := e.Instance().(frontend.Frontend)
		if !ok {
			app.notifier.Notifyf("plugin %s is not a frontend", id)
			if err := app.plugins.Unload(ctx, id); err != nil {
				app.log.Warn("unload %s: %v", id, err)
			}
			continue
		}
		app.mu.Lock()
		app.frontend = fe
		app.mu.Unlock()
		app.log.Info("using frontend %s", id)
		return fe, nil
	}
	return nil, ErrNoFrontend
}

func (app *Application) runFrontend(ctx context.Context, fe frontend.Frontend) (err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := NewRecoveredPanicError(r, string(debug.Stack()))
			app.log.Error("frontend %s: %v\n%s", fe.ID(), perr, perr.Stack)
			err = perr
		}
	}()
	return fe.Run(ctx, app)
}

// Close unloads every plugin and releases all resources. It is called by
// Run and is safe to call more than once.
func (app *Application) Close() error {
	var err error
	app.closed.Do(func() {
		app.mu.Lock()
		app.frontend = nil
		app.mu.Unlock()
		err = app.boot.cleanup()
	})
	return err
}

// Quit asks Run to return.
func (app *Application) Quit() {
	app.mu.RLock()
	cancel := app.cancel
	app.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// Restart asks Run to return ErrRestart.
func (app *Application) Restart() {
	app.restart.Store(true)
	app.Quit()
}

// OpenSettings opens the settings file with the desktop default handler.
func (app *Application) OpenSettings() error {
	path := app.settings.Path()
	if path == "" {
		return errors.New("settings are not persisted")
	}
	return app.open(path)
}

func (app *Application) open(target string) error {
	if app.opts.Open != nil {
		return app.opts.Open(target)
	}
	return openFile(target)
}

// Engine implements frontend.Host.
func (app *Application) Engine() *query.Engine {
	return app.engine
}

// Notifications implements frontend.Host.
func (app *Application) Notifications() []string {
	return app.notifier.Drain()
}

// Frontend returns the running frontend, or nil.
func (app *Application) Frontend() frontend.Frontend {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.frontend
}

// IsRunning returns true if the application is running.
func (app *Application) IsRunning() bool {
	return app.running.Load()
}

// Config returns the configuration.
func (app *Application) Config() *config.Config {
	return app.config
}

// Plugins returns the plugin registry.
func (app *Application) Plugins() *plugin.Registry {
	return app.plugins
}

// Settings returns the persisted settings.
func (app *Application) Settings() *config.Settings {
	return app.settings
}

// Logger returns the application logger.
func (app *Application) Logger() *logging.Logger {
	return app.log
}

// confirm forwards cascade confirmations to the running frontend and
// declines them when there is none.
func (app *Application) confirm(ctx context.Context, req plugin.ConfirmRequest) (bool, error) {
	fe := app.Frontend()
	if fe == nil {
		return false, fmt.Errorf("confirm %s: %w", req.Target.ID(), ErrNoFrontend)
	}
	return fe.Confirm(ctx, req)
}

// settingsChanged applies settings edited outside the launcher.
func (app *Application) settingsChanged() {
	app.log.Info("settings changed on disk")
	for _, t := range app.engine.TriggerHandlers() {
		key := t.ID + "/trigger"
		if v := app.settings.String(key, t.DefaultTrigger); v != t.Trigger {
			if err := app.engine.SetTrigger(t.ID, v); err != nil {
				app.notifier.Notify(NewComponentError("settings", key, err))
			}
		}
		if !t.SupportsFuzzy {
			continue
		}
		key = t.ID + "/fuzzy"
		if v := app.settings.Bool(key, t.Fuzzy); v != t.Fuzzy {
			if err := app.engine.SetFuzzy(t.ID, v); err != nil {
				app.notifier.Notify(NewComponentError("settings", key, err))
			}
		}
	}
}

// rescanScripts resynchronizes the script plugins with their directories.
func (app *Application) rescanScripts() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	app.log.Info("plugin directories changed, rescanning")
	if err := app.plugins.RemoveProvider(ctx, app.scripts); err != nil {
		app.log.Warn("rescan: %v", err)
	}
	if err := app.plugins.AddProvider(ctx, app.scripts); err != nil {
		app.notifier.Notify(NewComponentError("plugins", "rescan", err))
	}
}
