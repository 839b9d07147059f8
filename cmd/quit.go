package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pleasure-js/forker/internal/core"
	"github.com/pleasure-js/forker/internal/daemon"
)

func NewQuitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "quit",
		Short: "Stop the daemon and all supervised processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := core.CurrentSettings()
			client, err := daemon.Connect(settings)
			if err != nil {
				if errors.Is(err, daemon.ErrNotRunning) {
					fmt.Println("Daemon is not running.")
					return nil
				}
				return err
			}
			defer client.Close()

			if err := client.Quit(); err != nil {
				return err
			}
			fmt.Println("Daemon shutting down.")
			return nil
		},
	}
}
