package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"maildrop/internal/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := cmd.NewRootCommand()
	rootCmd.SetArgs(os.Args[1:])

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
