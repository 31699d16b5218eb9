package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/CamRed25/stasis/internal/daemon"
)

// sendOrDie sends a one-shot command and replays the daemon's messages.
func sendOrDie(command string) {
	response, err := daemon.SendCommand(command)
	if err != nil {
		slog.Error(fmt.Sprintf("Daemon is not running: %v", err))
		os.Exit(1)
	}
	response.LogMessages()
	if response.HasError() {
		os.Exit(1)
	}
}

// NewTriggerCommand fires a configured action immediately, bypassing its
// idle threshold and any inhibitors.
func NewTriggerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <action>",
		Short: "Fire a configured action immediately",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			sendOrDie("TRIGGER " + args[0])
		},
	}
}

// NewPauseCommand suspends idle management without dropping leases.
func NewPauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause idle management",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			sendOrDie("PAUSE")
		},
	}
}

// NewResumeCommand resumes idle management with a fresh idle period.
func NewResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume idle management",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			sendOrDie("RESUME")
		},
	}
}

// NewActivityCommand injects synthetic user activity.
func NewActivityCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "activity",
		Short: "Record synthetic user activity",
		Long:  `Record synthetic user activity, resetting the idle clock as if a key had been pressed.`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			sendOrDie("ACTIVITY")
		},
	}
}
