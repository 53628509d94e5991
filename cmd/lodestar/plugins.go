package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dshills/lodestar/internal/builtin"
	"github.com/dshills/lodestar/internal/config"
	"github.com/dshills/lodestar/internal/extension"
	"github.com/dshills/lodestar/internal/ipc"
	"github.com/dshills/lodestar/internal/logging"
	"github.com/dshills/lodestar/internal/plugin"
	"github.com/dshills/lodestar/internal/plugin/lua"
	"github.com/dshills/lodestar/internal/prompt"
)

var assumeYes bool

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List and configure plugins",
}

var pluginsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the discovered plugins",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withRegistry(plugin.AlwaysConfirm, func(r *plugin.Registry) error {
			printPlugins(cmd.OutOrStdout(), r.Entries())
			return nil
		})
	},
}

var pluginsEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a plugin and its dependencies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(cmd, args[0], true)
	},
}

var pluginsDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a plugin and the plugins depending on it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(cmd, args[0], false)
	},
}

func init() {
	pluginsCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "approve cascading changes without asking")
	pluginsCmd.AddCommand(pluginsListCmd, pluginsEnableCmd, pluginsDisableCmd)
}

// withRegistry discovers the plugins without loading them and runs fn.
// Enabled flags are read from and written to the settings file.
func withRegistry(confirmer plugin.Confirmer, fn func(r *plugin.Registry) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	settings, err := config.OpenSettings(cfg.Launcher.Settings)
	if err != nil {
		return err
	}
	defer settings.Close()

	log := logging.New(logging.Config{Level: logging.LevelError})
	exts := extension.NewRegistry()
	r := plugin.NewRegistry(exts, plugin.RegistryConfig{
		DefaultEnabled: cfg.Launcher.DefaultEnabled,
		Confirmer:      confirmer,
		Settings:       settings,
		Logger:         log,
	})
	r.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Close(ctx)
	}()

	if err := exts.Register(builtin.NewProvider(&builtin.Env{Plugins: r, Logger: log}, builtin.Definitions()...)); err != nil {
		return err
	}
	if len(cfg.Launcher.PluginDirs) > 0 {
		if err := exts.Register(lua.NewProvider(cfg.Launcher.PluginDirs, lua.WithLogger(log))); err != nil {
			return err
		}
	}
	return fn(r)
}

func setEnabled(cmd *cobra.Command, id string, enable bool) error {
	var confirmer plugin.Confirmer = plugin.AlwaysConfirm
	if !assumeYes {
		if !prompt.IsInteractive() {
			confirmer = plugin.ConfirmFunc(func(context.Context, plugin.ConfirmRequest) (bool, error) {
				return false, errors.New("cascading change needs confirmation, use --yes")
			})
		} else {
			confirmer = prompt.NewConfirmer()
		}
	}

	err := withRegistry(confirmer, func(r *plugin.Registry) error {
		if enable {
			return r.Enable(cmd.Context(), id)
		}
		return r.Disable(cmd.Context(), id)
	})
	if errors.Is(err, plugin.ErrCancelled) {
		color.Yellow("Cancelled, nothing changed")
		return nil
	}
	if err != nil {
		return err
	}

	verb := "disabled"
	if enable {
		verb = "enabled"
	}
	color.Green("Plugin %s %s", id, verb)

	cfg, err := loadConfig()
	if err == nil && ipc.Running(cfg.IPC.Socket) {
		color.Cyan("Run 'lodestar send restart' to apply the change to the running instance")
	}
	return nil
}

func printPlugins(out io.Writer, entries []*plugin.Entry) {
	if len(entries) == 0 {
		color.New(color.FgYellow).Fprintln(out, "No plugins found")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tSTATUS\tPROVIDER\tDEPENDS ON")
	for _, e := range entries {
		info := e.Info()
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			color.CyanString(info.ID),
			info.Version,
			status(info),
			info.Provider,
			strings.Join(info.Dependencies, ", "),
		)
	}
	w.Flush()
}

func status(info plugin.Info) string {
	switch {
	case info.State == plugin.StateInvalid:
		return color.RedString("invalid: %s", info.Reason)
	case !info.User:
		return color.BlueString("frontend")
	case info.Enabled:
		return color.GreenString("enabled")
	default:
		return color.YellowString("disabled")
	}
}
