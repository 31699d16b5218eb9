package cmd

import (
	"github.com/spf13/cobra"

	"github.com/CamRed25/stasis/internal/core"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	rootCmd := &cobra.Command{
		Use:   "stasis",
		Short: "Stasis - session idle manager",
		Long: `Stasis watches input devices, tracks session idleness and runs
configured actions (lock, dim, suspend) when idle thresholds pass.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return core.InitializeConfig(cmd)
		},
	}
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config-path", core.DefaultConfigPath(),
		"config path",
	)
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewStartCommand(),
		NewDaemonCommand(),
		NewInternalDaemonCommand(),
		NewStatusCommand(),
		NewStopCommand(),
		NewTriggerCommand(),
		NewInhibitCommand(),
		NewReleaseCommand(),
		NewPauseCommand(),
		NewResumeCommand(),
		NewActivityCommand(),
		NewHistoryCommand(),
		NewLogsCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}
