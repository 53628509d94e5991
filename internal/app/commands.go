package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/pkg/browser"

	"github.com/dshills/lodestar/internal/frontend"
	"github.com/dshills/lodestar/internal/plugin"
)

// Socket commands.
const (
	CmdShow     = "show"
	CmdHide     = "hide"
	CmdToggle   = "toggle"
	CmdSettings = "settings"
	CmdRestart  = "restart"
	CmdQuit     = "quit"
	CmdReport   = "report"
)

// reportWindow is the period activation counts are reported for.
const reportWindow = 30 * 24 * time.Hour

var openFile = browser.OpenFile

// registerCommands installs the socket command handlers.
func (app *Application) registerCommands() {
	app.ipc.Handle(CmdShow, app.withFrontend(func(fe frontend.Frontend, args string) string {
		fe.Show(args)
		return "lodestar set visible."
	}))
	app.ipc.Handle(CmdHide, app.withFrontend(func(fe frontend.Frontend, _ string) string {
		fe.Hide()
		return "lodestar set hidden."
	}))
	app.ipc.Handle(CmdToggle, app.withFrontend(func(fe frontend.Frontend, _ string) string {
		fe.Toggle()
		return "lodestar visibility toggled."
	}))
	app.ipc.Handle(CmdSettings, func(context.Context, string) (string, error) {
		if err := app.OpenSettings(); err != nil {
			return "", err
		}
		return "Settings opened.", nil
	})
	app.ipc.Handle(CmdRestart, func(context.Context, string) (string, error) {
		app.Restart()
		return "Restarting lodestar.", nil
	})
	app.ipc.Handle(CmdQuit, func(context.Context, string) (string, error) {
		app.Quit()
		return "Quitting lodestar.", nil
	})
	app.ipc.Handle(CmdReport, func(context.Context, string) (string, error) {
		return strings.Join(app.Report(), "\n"), nil
	})
}

func (app *Application) withFrontend(fn func(fe frontend.Frontend, args string) string) func(context.Context, string) (string, error) {
	return func(_ context.Context, args string) (string, error) {
		fe := app.Frontend()
		if fe == nil {
			return "", ErrNoFrontend
		}
		return fn(fe, args), nil
	}
}

// Report implements frontend.Host. It describes the running instance.
func (app *Application) Report() []string {
	lines := []string{"lodestar " + Version}

	cfgPath := app.config.Path
	if cfgPath == "" {
		cfgPath = "(defaults)"
	}
	lines = append(lines, "config: "+cfgPath)
	if p := app.settings.Path(); p != "" {
		lines = append(lines, "settings: "+p)
	}
	if app.ipc != nil {
		lines = append(lines, "socket: "+app.ipc.Path())
	}
	if fe := app.Frontend(); fe != nil {
		lines = append(lines, "frontend: "+fe.ID())
	}

	entries := app.plugins.Entries()
	counts := make(map[plugin.State]int)
	for _, e := range entries {
		counts[e.State()]++
	}
	lines = append(lines, fmt.Sprintf("plugins: %d loaded, %d unloaded, %d invalid",
		counts[plugin.StateLoaded], counts[plugin.StateUnloaded], counts[plugin.StateInvalid]))
	for _, e := range entries {
		info := e.Info()
		line := fmt.Sprintf("  %s %s", info.ID, info.State)
		if info.User && info.Enabled {
			line += " enabled"
		}
		if info.Reason != "" {
			line += " (" + info.Reason + ")"
		}
		lines = append(lines, line)
	}

	triggers := app.engine.ActiveTriggers()
	keys := make([]string, 0, len(triggers))
	for t := range triggers {
		keys = append(keys, t)
	}
	slices.Sort(keys)
	for _, t := range keys {
		lines = append(lines, fmt.Sprintf("trigger %q: %s", t, triggers[t]))
	}

	if app.usage != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		byExt, err := app.usage.CountsByExtension(ctx, time.Now().Add(-reportWindow))
		if err != nil {
			lines = append(lines, "activations: "+err.Error())
		} else {
			ids := make([]string, 0, len(byExt))
			for id := range byExt {
				ids = append(ids, id)
			}
			slices.Sort(ids)
			for _, id := range ids {
				lines = append(lines, fmt.Sprintf("activations %s: %d", id, byExt[id]))
			}
		}
	}
	return lines
}
