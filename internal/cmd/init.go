package cmd

import (
	"fmt"
	"path/filepath"

	"maildrop"

	"github.com/spf13/cobra"
)

func newInitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init <maildir>",
		Short: "Create the maildir layout and a default config",
		Long: `Create the tmp/new/cur maildir layout at the given path.

With --config, a starter YAML config pointing at the maildir is also
written, ready for 'maildrop watch --config'.`,
		Example: `  # Create the maildir skeleton
  maildrop init /var/lib/ci/maildir

  # Also write a config file
  maildrop init /var/lib/ci/maildir --config /etc/maildrop.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: runInit,
	}

	cmd.Flags().String("config", "", "Write a starter config file at this path")

	return cmd
}

func runInit(cmd *cobra.Command, args []string) error {
	root, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	if err := maildrop.EnsureMaildir(root); err != nil {
		return fmt.Errorf("create maildir: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "maildir ready at %s\n", root)

	if configPath, _ := cmd.Flags().GetString("config"); configPath != "" {
		cfg := &maildrop.Config{Maildir: root}
		if err := maildrop.SaveConfig(configPath, cfg); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", configPath)
	}
	return nil
}
