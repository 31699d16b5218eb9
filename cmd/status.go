package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/CamRed25/stasis/internal/daemon"
	"github.com/CamRed25/stasis/internal/device"
	"github.com/CamRed25/stasis/internal/engine"
)

func NewStatusCommand() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show idle state, thresholds and inhibitors",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("STATUS")
			if err != nil {
				slog.Warn("Daemon is not running.")
				return
			}

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "json":
				jsonBytes, _ := json.Marshal(response.Data)
				fmt.Println(string(jsonBytes))
			case "text":
				printStatus(response)
			default:
				slog.Error("unknown format")
				os.Exit(1)
			}
		},
	}
	statusCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return statusCmd
}

func printStatus(response daemon.Response) {
	var status engine.Status
	if raw, ok := response.Data["engine"]; ok {
		jsonBytes, _ := json.Marshal(raw)
		json.Unmarshal(jsonBytes, &status)
	}

	state := "active"
	if status.Paused {
		state = "paused"
	} else if status.Idle {
		state = "idle"
	}
	fmt.Printf("Session: %s (profile: %s, idle for %s)\n",
		state, status.Profile, status.IdleFor.Round(time.Second))

	fmt.Println("Thresholds:")
	if len(status.Thresholds) == 0 {
		fmt.Println("  (none configured)")
	}
	for _, threshold := range status.Thresholds {
		line := fmt.Sprintf("  - %s (%s after %s): %s",
			threshold.Name, threshold.Kind, threshold.After, threshold.StateStr)
		if threshold.StateStr == "armed" && !threshold.Deadline.IsZero() {
			line += fmt.Sprintf(", fires in %s", time.Until(threshold.Deadline).Round(time.Second))
		}
		if threshold.Retries > 0 {
			line += fmt.Sprintf(" (%d retries)", threshold.Retries)
		}
		fmt.Println(line)
	}

	if len(status.Inhibitors) > 0 {
		fmt.Println("Inhibitors:")
		for _, lease := range status.Inhibitors {
			fmt.Printf("  - %s by %s: %s (held %s)\n",
				lease.ID, lease.Owner, lease.Reason,
				time.Since(lease.Acquired).Round(time.Second))
		}
	}

	var sources []device.Source
	if raw, ok := response.Data["sources"]; ok {
		jsonBytes, _ := json.Marshal(raw)
		json.Unmarshal(jsonBytes, &sources)
	}
	if len(sources) > 0 {
		fmt.Println("Input sources:")
		for _, source := range sources {
			fmt.Printf("  - %s\n", source.String())
		}
	}
}
