package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pleasure-js/forker/internal/core"
	"github.com/pleasure-js/forker/internal/daemon"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show forker version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("forker %s\n", core.FormatVersion(core.Version))

			// Daemon version too, when one is reachable
			if client, err := daemon.Connect(core.CurrentSettings()); err == nil {
				defer client.Close()
				if daemonVersion, err := client.Version(); err == nil {
					fmt.Printf("daemon %s\n", daemonVersion)
				}
			}
		},
	}
}
