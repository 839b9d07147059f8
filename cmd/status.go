package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pleasure-js/forker/internal/core"
	"github.com/pleasure-js/forker/internal/daemon"
	"github.com/pleasure-js/forker/internal/db"
)

func NewStatusCommand() *cobra.Command {
	var eventCount int

	statusCmd := &cobra.Command{
		Use:   "status [id]",
		Short: "Show supervised processes with live cpu/memory usage",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := core.CurrentSettings()

			if eventCount > 0 {
				return printEvents(eventCount)
			}

			client, err := daemon.Connect(settings)
			if err != nil {
				if errors.Is(err, daemon.ErrNotRunning) {
					slog.Warn("No supervised processes (daemon is not running).")
					return nil
				}
				return err
			}
			defer client.Close()

			id := ""
			if len(args) > 0 {
				id = args[0]
			}
			entries, err := client.Status(id)
			if err != nil {
				return err
			}

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				if len(entries) == 0 {
					fmt.Println("No supervised processes.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tPID\tSTATE\tRESTARTS\tCPU%\tMEM\tUPTIME\tCOMMAND")
				for _, entry := range entries {
					fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%.1f\t%s\t%s\t%s\n",
						entry.ID,
						entry.Pid,
						entry.State,
						entry.Restarts,
						entry.CPU,
						formatBytes(entry.Memory),
						(time.Duration(entry.Elapsed*float64(time.Second))).Round(time.Second),
						entry.Command,
					)
				}
				return w.Flush()
			case "json":
				jsonBytes, err := json.Marshal(entries)
				if err != nil {
					return err
				}
				fmt.Println(string(jsonBytes))
				return nil
			default:
				return fmt.Errorf("unknown format %q", format)
			}
		},
	}
	statusCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")
	statusCmd.Flags().IntVar(&eventCount, "events", 0, "show the N most recent lifecycle events instead")

	return statusCmd
}

// printEvents reads the daemon's event log directly; WAL mode allows a
// concurrent reader while the daemon keeps writing.
func printEvents(limit int) error {
	database, err := db.Open(core.GetDatabasePath())
	if err != nil {
		return err
	}
	defer database.Close()

	events, err := database.GetRecentProcessEvents(limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No events recorded.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tPROCESS\tEVENT\tDETAILS")
	for _, event := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			event.Timestamp.Format(time.DateTime), event.ProcessID, event.EventType, event.Details)
	}
	return w.Flush()
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(b)/float64(div), "KMGTPE"[exp])
}
