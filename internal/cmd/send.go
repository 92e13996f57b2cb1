package cmd

import (
	"fmt"
	"time"

	"maildrop"

	"github.com/spf13/cobra"
)

func newSendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <maildir>",
		Short: "Deliver a commit notification into a maildir",
		Long: `Format a commit notification and deliver it into the maildir
using the delivery protocol (written under tmp/, atomically renamed into
new/). Intended for VCS hook scripts and for exercising a watcher locally.`,
		Example: `  # Deliver a notification from a post-commit hook
  maildrop send /var/lib/ci/maildir \
    --author alice --file src/a.go --file src/b.go \
    --comment "Fix bug" --revision abc123`,
		Args: cobra.ExactArgs(1),
		RunE: runSend,
	}

	cmd.Flags().String("author", "", "Commit author (required)")
	cmd.Flags().StringArray("file", nil, "Affected file path (repeatable, required)")
	cmd.Flags().String("comment", "", "Commit comment")
	cmd.Flags().String("branch", "", "Branch name")
	cmd.Flags().String("revision", "", "Revision identifier")
	cmd.Flags().String("date", "", "Commit date, RFC 3339 (default: now)")
	cmd.MarkFlagRequired("author")
	cmd.MarkFlagRequired("file")

	return cmd
}

func runSend(cmd *cobra.Command, args []string) error {
	author, _ := cmd.Flags().GetString("author")
	files, _ := cmd.Flags().GetStringArray("file")
	comment, _ := cmd.Flags().GetString("comment")
	branch, _ := cmd.Flags().GetString("branch")
	revision, _ := cmd.Flags().GetString("revision")
	dateStr, _ := cmd.Flags().GetString("date")

	when := time.Now().UTC().Truncate(time.Second)
	if dateStr != "" {
		parsed, err := time.Parse(time.RFC3339, dateStr)
		if err != nil {
			return fmt.Errorf("invalid --date: %w", err)
		}
		when = parsed
	}

	rec := maildrop.ChangeRecord{
		Author:   author,
		When:     when,
		Files:    files,
		Comment:  comment,
		Branch:   branch,
		Revision: revision,
	}

	root := args[0]
	if err := maildrop.EnsureMaildir(root); err != nil {
		return err
	}
	name, err := maildrop.Deliver(root, maildrop.FormatChange(rec))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "delivered %s\n", name)
	return nil
}
