package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Swaathy05/new-queue-hack/internal/config"
	"github.com/Swaathy05/new-queue-hack/internal/logging"
)

const serviceName = "queued"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logs, err := logging.NewFactory(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logs.Sync() }()

	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Per-organization service queue server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		ServeCommand{Logs: logs}.Command(ctx, cfg),
		MigrateCommand{Logs: logs}.Command(cfg),
		SeedCommand{Logs: logs}.Command(ctx, cfg),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		logs.Create("main").Error("command failed", zap.Error(err))
		_ = logs.Sync()
		os.Exit(1)
	}
}
