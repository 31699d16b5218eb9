package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CamRed25/stasis/internal/daemon"
)

func NewInhibitCommand() *cobra.Command {
	var scope string

	inhibitCmd := &cobra.Command{
		Use:   "inhibit [reason...]",
		Short: "Hold an inhibit lease while this command runs",
		Long: `Hold an inhibit lease for the given reason.

Without --exec the lease is held until Ctrl+C. With --exec the given
command is run and the lease is released when it exits:

  stasis inhibit --exec "mpv film.mkv" watching a film
  stasis inhibit -s lock,suspend long build running`,
		Run: func(cmd *cobra.Command, args []string) {
			reason := strings.Join(args, " ")
			if reason == "" {
				reason = "manual inhibit"
			}

			command := fmt.Sprintf("INHIBIT %s %s", scope, reason)
			response, release, err := daemon.HoldCommand(command)
			if err != nil {
				slog.Error(fmt.Sprintf("Daemon is not running: %v", err))
				os.Exit(1)
			}
			defer release()
			response.LogMessages()
			if response.HasError() {
				os.Exit(1)
			}

			execCommand, _ := cmd.Flags().GetString("exec")
			if execCommand != "" {
				child := exec.Command("sh", "-c", execCommand)
				child.Stdin = os.Stdin
				child.Stdout = os.Stdout
				child.Stderr = os.Stderr
				if err := child.Run(); err != nil {
					if exitErr, ok := err.(*exec.ExitError); ok {
						release()
						os.Exit(exitErr.ExitCode())
					}
					slog.Error(fmt.Sprintf("Failed to run command: %v", err))
					os.Exit(1)
				}
				return
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			<-sigChan
			fmt.Println("\nReleasing inhibit lease.")
		},
	}
	inhibitCmd.Flags().StringVarP(&scope, "scope", "s", "all",
		"Action kinds to block: all, or comma-separated list (lock,suspend,dpms,brightness,command)")
	inhibitCmd.Flags().StringP("exec", "e", "", "Run a command and release the lease when it exits")

	return inhibitCmd
}

// NewReleaseCommand drops a lease by id, for leases leaked by misbehaving
// D-Bus clients.
func NewReleaseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "release <lease-id>",
		Short: "Release an inhibit lease by id",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			sendOrDie("RELEASE " + args[0])
		},
	}
}
