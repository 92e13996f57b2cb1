package cmd

import (
	"context"
	"time"

	"maildrop"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <maildir>",
		Short: "Watch a maildir and emit change records",
		Long: `Watch a maildir's new/ subdirectory for commit notifications.

Each well-formed message is parsed into a change record and submitted to
the scheduler exactly once, surviving restarts. Consumed messages are
relocated into cur/. With --config, the maildir argument is omitted and
the path (possibly relative to basedir) comes from the config file.`,
		Example: `  # Watch an absolute maildir path
  maildrop watch /var/lib/ci/maildir

  # Watch using a config file
  maildrop watch --config /etc/maildrop.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: runWatch,
	}

	cmd.Flags().String("config", "", "Path to YAML config file")
	cmd.Flags().Int("poll-interval", 0, "Polling backstop interval in seconds")
	cmd.Flags().String("submit-url", "", "Scheduler ingestion URL (JSON POST); log only when empty")
	cmd.Flags().String("log-file", "", "Append log output to this file")

	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := watchConfig(cmd, args)
	if err != nil {
		return err
	}

	if logPath, _ := cmd.Flags().GetString("log-file"); logPath != "" {
		if err := maildrop.InitLogFile(logPath); err != nil {
			return err
		}
		defer maildrop.CloseLogFile()
	}

	shutdown := maildrop.InitTelemetry("maildrop", Version)
	defer func() {
		shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		shutdown(shutdownCtx)
	}()

	source, err := maildrop.NewMaildirSource(cfg, newScheduler(cfg))
	if err != nil {
		return err
	}

	// Use command's context (set by ExecuteContext in main); SIGINT and
	// SIGTERM cancel it.
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return source.Run(ctx)
}

func watchConfig(cmd *cobra.Command, args []string) (*maildrop.Config, error) {
	cfg := &maildrop.Config{}

	if configPath, _ := cmd.Flags().GetString("config"); configPath != "" {
		loaded, err := maildrop.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if len(args) == 1 {
		cfg.Maildir = args[0]
	}
	if poll, _ := cmd.Flags().GetInt("poll-interval"); poll > 0 {
		cfg.PollSec = poll
	}
	if url, _ := cmd.Flags().GetString("submit-url"); url != "" {
		cfg.SubmitURL = url
	}
	return cfg, nil
}

func newScheduler(cfg *maildrop.Config) maildrop.Scheduler {
	if cfg.SubmitURL != "" {
		return maildrop.NewHTTPScheduler(cfg.SubmitURL)
	}
	// No ingestion endpoint configured: log each record. Useful when the
	// scheduler process tails the log, and for manual inspection.
	return maildrop.SchedulerFunc(func(ctx context.Context, rec maildrop.ChangeRecord) error {
		maildrop.LogInfo("change %s: author=%s files=%d comment=%q", rec.ID, rec.Author, len(rec.Files), rec.Comment)
		return nil
	})
}
