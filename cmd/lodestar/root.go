package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dshills/lodestar/internal/app"
	"github.com/dshills/lodestar/internal/config"
	"github.com/dshills/lodestar/internal/ipc"
)

// Version information (set via ldflags during build).
var (
	commit = "unknown"
	date   = "unknown"
)

var (
	cfgFile  string
	frontend string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "lodestar",
	Short: "A keyboard launcher with a plugin system",
	Long: `
lodestar is a keyboard launcher. Type a query, pick a result, activate it.
Results come from plugins: builtin ones and Lua scripts in the plugin
directories.

Only one instance runs per user. Starting lodestar again shows the running
instance instead.

Examples:
  lodestar                    Start, or show the running instance
  lodestar -f stdio           Start with the line based frontend
  lodestar send toggle        Toggle the running instance
  lodestar plugins list       List the discovered plugins`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	RunE:          runLauncher,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to the configuration file")
	rootCmd.Flags().StringVarP(&frontend, "frontend", "f", "", "frontend plugin to use (tui, stdio)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(sendCmd, pluginsCmd, versionCmd)
}

// Execute runs the root command and prints its error.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func validLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "", "debug", "info", "warn", "warning", "error":
		return nil
	}
	return fmt.Errorf("invalid log level %q (must be debug, info, warn, or error)", level)
}

// runLauncher starts the launcher, restarting it on request. A running
// instance is asked to show itself instead.
func runLauncher(cmd *cobra.Command, _ []string) error {
	if err := validLogLevel(logLevel); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if ipc.Running(cfg.IPC.Socket) {
		reply, err := ipc.Send(ctx, cfg.IPC.Socket, app.CmdShow)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), reply)
		return nil
	}

	for {
		a, err := app.New(app.Options{
			Config:   cfg,
			Frontend: frontend,
			LogLevel: logLevel,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize: %w", err)
		}

		err = a.Run(ctx)
		if !errors.Is(err, app.ErrRestart) {
			return err
		}
		if cfg, err = loadConfig(); err != nil {
			return err
		}
	}
}
