package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/lodestar/internal/ipc"
)

var sendCmd = &cobra.Command{
	Use:   "send <command> [args...]",
	Short: "Send a command to the running instance",
	Long: `
Send a command to the running lodestar instance and print its reply.

Commands:
  show [text]   show the launcher, optionally with a query
  hide          hide the launcher
  toggle        toggle visibility
  settings      open the settings file
  restart       restart lodestar
  quit          quit lodestar
  report        print diagnostics
  commands      list the commands`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		reply, err := ipc.Send(ctx, cfg.IPC.Socket, strings.Join(args, " "))
		if errors.Is(err, ipc.ErrNotRunning) {
			return fmt.Errorf("lodestar is not running")
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), reply)
		return nil
	},
}
