package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pleasure-js/forker/internal/core"
	"github.com/pleasure-js/forker/internal/daemon"
	"github.com/pleasure-js/forker/internal/supervisor"
)

func NewForkCommand() *cobra.Command {
	var (
		id          string
		wait        bool
		noRestart   bool
		restartWait string
		maxRestarts int
		usePty      bool
		cwd         string
		envVars     []string
	)

	forkCmd := &cobra.Command{
		Use:   "fork [flags] -- <command> [args...]",
		Short: "Start supervising a new process",
		Long: `Fork launches a command under supervision. The daemon keeps it alive,
restarting it on failure according to the restart policy, until it is
explicitly stopped or its restart budget runs out.

A daemon is started automatically when none is running.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := core.CurrentSettings()
			client, err := daemon.ConnectEnsure(settings)
			if err != nil {
				return err
			}
			defer client.Close()

			options := map[string]any{}
			if usePty {
				options["pty"] = true
			}
			if cwd != "" {
				options["cwd"] = cwd
			}
			if len(envVars) > 0 {
				env := map[string]any{}
				for _, kv := range envVars {
					key, value, found := strings.Cut(kv, "=")
					if !found {
						return fmt.Errorf("invalid --env value %q, expected KEY=VALUE", kv)
					}
					env[key] = value
				}
				options["env"] = env
			}

			request := supervisor.ForkRequest{
				ID: id,
				Spec: supervisor.SpawnSpec{
					Command: args[0],
					Args:    args[1:],
					Options: options,
				},
				Options: &supervisor.ForkOptions{},
			}
			if noRestart {
				autoRestart := false
				request.Options.AutoRestart = &autoRestart
			}
			if restartWait != "" {
				request.Options.WaitBeforeRestart = restartWait
			}
			if cmd.Flags().Changed("max-restarts") {
				request.Options.MaximumAutoRestart = &maxRestarts
			}

			if wait {
				snapshot, err := client.ForkWait(request, func(chunk string) {
					fmt.Print(chunk)
				})
				if err != nil {
					return err
				}
				for _, chunk := range snapshot.ErrorOutput {
					fmt.Fprint(os.Stderr, chunk)
				}
				slog.Info(fmt.Sprintf("Process '%s' finished", snapshot.ID))
				return nil
			}

			processID, err := client.Fork(request)
			if err != nil {
				return err
			}
			fmt.Println(processID)
			return nil
		},
	}

	forkCmd.Flags().StringVar(&id, "id", "", "explicit process id (generated when absent)")
	forkCmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the process to finish and stream its output")
	forkCmd.Flags().BoolVar(&noRestart, "no-restart", false, "do not restart the process when it exits")
	forkCmd.Flags().StringVar(&restartWait, "restart-wait", "", "delay before each restart (e.g. 500ms, 2s)")
	forkCmd.Flags().IntVar(&maxRestarts, "max-restarts", 100, "maximum automatic restarts, negative for unlimited")
	forkCmd.Flags().BoolVar(&usePty, "pty", false, "allocate a pseudo-terminal for the process")
	forkCmd.Flags().StringVar(&cwd, "cwd", "", "working directory for the process")
	forkCmd.Flags().StringArrayVarP(&envVars, "env", "e", nil, "extra environment variables (KEY=VALUE, repeatable)")

	return forkCmd
}
