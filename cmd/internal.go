package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pleasure-js/forker/internal/core"
	"github.com/pleasure-js/forker/internal/daemon"
)

func NewInternalCommand() *cobra.Command {
	internalCmd := &cobra.Command{
		Use:    "internal-server",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// A daemon bootstrapped through the environment carries its
			// effective configuration in FORKER_CONFIG; a manual run
			// inherits the CLI config instead.
			settings := core.CurrentSettings()
			if os.Getenv(core.ConfigEnvVar) != "" {
				settings = core.SettingsFromEnv()
			}
			core.InitializeDaemonConfig(settings)

			return daemon.New(settings).Run()
		},
	}

	return internalCmd
}
