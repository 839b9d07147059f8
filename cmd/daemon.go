package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/pleasure-js/forker/internal/core"
	"github.com/pleasure-js/forker/internal/daemon"
)

func NewDaemonCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Start the forker daemon",
		Long: `Start the forker daemon in the background.

The daemon hosts the process registry and keeps supervised processes
alive. It runs until explicitly stopped with 'forker quit'.`,
		Aliases: []string{"start"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := core.CurrentSettings()

			if pid := daemon.IsRunning(core.GetMarkerPath()); pid != 0 {
				slog.Info(fmt.Sprintf("Daemon is already running (PID %d)", pid))
				return nil
			}

			pid, err := daemon.EnsureDaemon(settings)
			if err != nil {
				return fmt.Errorf("failed to start daemon: %w", err)
			}
			slog.Info("Daemon started successfully")
			fmt.Printf("Daemon running (PID %d)\n", pid)
			return nil
		},
	}
}
