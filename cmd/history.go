package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/CamRed25/stasis/internal/daemon"
	"github.com/CamRed25/stasis/internal/db"
)

func NewHistoryCommand() *cobra.Command {
	var limit int

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent action and inhibit events",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand(fmt.Sprintf("HISTORY %d", limit))
			if err != nil {
				slog.Warn("Daemon is not running.")
				return
			}
			if response.HasError() {
				response.LogMessages()
				os.Exit(1)
			}

			format, _ := cmd.Flags().GetString("format")
			if format == "json" {
				jsonBytes, _ := json.Marshal(response.Data)
				fmt.Println(string(jsonBytes))
				return
			}

			var actions []db.ActionEvent
			remarshal(response.Data["action_events"], &actions)
			fmt.Println("Action events:")
			if len(actions) == 0 {
				fmt.Println("  (none)")
			}
			for _, event := range actions {
				fmt.Printf("  %s  %-10s %-10s %s  %s\n",
					event.Timestamp.Format(time.DateTime), event.EventType, event.ActionKind, event.ActionName, event.Details)
			}

			var inhibits []db.InhibitEvent
			remarshal(response.Data["inhibit_events"], &inhibits)
			fmt.Println("Inhibit events:")
			if len(inhibits) == 0 {
				fmt.Println("  (none)")
			}
			for _, event := range inhibits {
				fmt.Printf("  %s  %-10s %s by %s: %s\n",
					event.Timestamp.Format(time.DateTime), event.EventType, event.LeaseID, event.Owner, event.Reason)
			}

			var daemonEvents []db.DaemonEvent
			remarshal(response.Data["daemon_events"], &daemonEvents)
			fmt.Println("Daemon events:")
			if len(daemonEvents) == 0 {
				fmt.Println("  (none)")
			}
			for _, event := range daemonEvents {
				fmt.Printf("  %s  %-10s %s\n", event.Timestamp.Format(time.DateTime), event.EventType, event.Details)
			}
		},
	}
	historyCmd.Flags().IntVarP(&limit, "limit", "L", 20, "Number of events per category")
	historyCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return historyCmd
}

func remarshal(raw interface{}, out interface{}) {
	if raw == nil {
		return
	}
	jsonBytes, _ := json.Marshal(raw)
	json.Unmarshal(jsonBytes, out)
}
