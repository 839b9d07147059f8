package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pleasure-js/forker/internal/core"
	"github.com/pleasure-js/forker/internal/daemon"
)

func NewLogsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <id>",
		Short: "Stream a supervised process's output",
		Long: `Logs streams a running process's output to the terminal until the
process stops or the stream is interrupted with Ctrl-C.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := core.CurrentSettings()
			client, err := daemon.Connect(settings)
			if err != nil {
				if errors.Is(err, daemon.ErrNotRunning) {
					return fmt.Errorf("cannot follow %q: %w", args[0], err)
				}
				return err
			}
			defer client.Close()

			return client.Follow(args[0], func(chunk string) {
				fmt.Print(chunk)
			})
		},
	}
}
