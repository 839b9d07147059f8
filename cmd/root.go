package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/pleasure-js/forker/internal/core"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	homeDir, _ := os.UserHomeDir()

	rootCmd := &cobra.Command{
		Use:   "forker",
		Short: "Forker - Process Supervision Daemon",
		Long:  `Forker keeps long-running programs alive: it supervises them in a background daemon, restarts them on failure, and streams their output.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := core.InitializeConfig(cmd); err != nil {
				return err
			}

			level := slog.LevelWarn
			switch {
			case verbose >= 2:
				level = slog.LevelDebug
			case verbose == 1:
				level = slog.LevelInfo
			}
			slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
				Level:      level,
				TimeFormat: time.DateTime,
			})))
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config-path", fmt.Sprintf("%s/%s", homeDir, core.BaseDirName),
		"config path",
	)
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewForkCommand(),
		NewStopCommand(),
		NewStatusCommand(),
		NewLogsCommand(),
		NewDaemonCommand(),
		NewQuitCommand(),
		NewVersionCommand(),
		NewInternalCommand(),
	)

	return rootCmd
}
