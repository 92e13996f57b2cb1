package cmd

import (
	"github.com/spf13/cobra"
)

func init() {
	cobra.EnableTraverseRunHooks = true
}

// NewRootCommand creates and returns the root cobra command for maildrop.
// Exported for testability (SetArgs/SetOut).
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "maildrop",
		Short:   "Maildir change source for a build controller",
		Long:    "maildrop watches a maildir for commit notifications and surfaces each one to the build scheduler exactly once.",
		Version: Version,
		// Silence usage on RunE errors (cobra prints usage by default on error)
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")

	rootCmd.AddCommand(
		newWatchCommand(),
		newInitCommand(),
		newSendCommand(),
		newVersionCommand(),
	)

	return rootCmd
}
