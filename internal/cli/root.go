// Package cli holds the virtual-participant commands.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/LastBotInc/virtual-participant/internal/config"
	"github.com/LastBotInc/virtual-participant/internal/version"
)

// Dependencies are shared by every command.
type Dependencies struct {
	Config *config.Config
}

func NewRootCmd(deps *Dependencies) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "virtual-participant",
		Short:        "Join a meeting, transcribe it and publish the transcript",
		Long:         "Joins one meeting as a listening participant, streams its audio to a speech recognizer, publishes speaker-attributed transcript events and uploads a recording when the meeting ends.",
		SilenceUsage: true,
	}

	rootCmd.Version = version.Version
	rootCmd.SetVersionTemplate(version.Full() + "\n")

	runCmd := NewRunCmd(deps)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(NewVersionCmd())

	// running without a subcommand attends the meeting
	rootCmd.RunE = runCmd.RunE
	rootCmd.Flags().AddFlagSet(runCmd.Flags())

	return rootCmd
}

func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version.Full())
		},
	}
}
