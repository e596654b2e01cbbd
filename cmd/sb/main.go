package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "sb",
		Short:        "signalbox: live visitor presence and training sync",
		Long:         "signalbox keeps an organization's visitor presence and chatbot training state in sync with the realtime channel.",
		SilenceUsage: true,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newSourcesCmd())
	cmd.AddCommand(newTrainCmd())
	cmd.AddCommand(newInviteCmd())
	cmd.AddCommand(newJournalCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sb %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

// addConfigFlags registers the flags every session command shares.
func addConfigFlags(cmd *cobra.Command, configPath *string, verbose *bool) {
	cmd.Flags().StringVarP(configPath, "config", "c", defaultConfigPath, "path to signalbox config file")
	if verbose != nil {
		cmd.Flags().BoolVarP(verbose, "verbose", "v", false, "development logging at debug level")
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
