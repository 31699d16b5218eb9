package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/CamRed25/stasis/internal/daemon"
)

// NewDaemonCommand runs the daemon in the foreground, for systemd units and
// debugging.
func NewDaemonCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the idle daemon in the foreground",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			d := daemon.New()
			d.Run()
		},
	}
}

// NewInternalDaemonCommand is the hidden entry point used when the CLI forks
// the daemon into the background.
func NewInternalDaemonCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "internal-daemon-start",
		Hidden: true,
		Run: func(cmd *cobra.Command, args []string) {
			d := daemon.New()
			d.Run()
		},
	}
}

// NewStartCommand launches the daemon in the background if it is not
// already running.
func NewStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the idle daemon in the background",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			daemon.EnsureDaemonIsRunning()
			slog.Info("Daemon is running")
		},
	}
}
