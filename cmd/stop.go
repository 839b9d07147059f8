package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/pleasure-js/forker/internal/core"
	"github.com/pleasure-js/forker/internal/daemon"
)

func NewStopCommand() *cobra.Command {
	var showOutput bool

	stopCmd := &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a supervised process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := core.CurrentSettings()
			client, err := daemon.Connect(settings)
			if err != nil {
				if errors.Is(err, daemon.ErrNotRunning) {
					return fmt.Errorf("cannot stop %q: %w", args[0], err)
				}
				return err
			}
			defer client.Close()

			snapshot, err := client.Stop(args[0])
			if err != nil {
				return err
			}

			slog.Info(fmt.Sprintf("Process '%s' stopped (restarts: %d)", snapshot.ID, snapshot.Restarts))
			if showOutput {
				for _, chunk := range snapshot.Output {
					fmt.Print(chunk)
				}
			}
			fmt.Printf("Stopped %s\n", snapshot.ID)
			return nil
		},
	}
	stopCmd.Flags().BoolVarP(&showOutput, "output", "o", false, "print the process's accumulated output")

	return stopCmd
}
