package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Swaathy05/new-queue-hack/internal/config"
	"github.com/Swaathy05/new-queue-hack/internal/logging"
	"github.com/Swaathy05/new-queue-hack/internal/store/postgres"
)

type MigrateCommand struct {
	Logs *logging.Factory
}

func (cmd MigrateCommand) Command(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "apply or roll back the postgres schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(_ *cobra.Command, args []string) error {
			return cmd.main(cfg, args[0])
		},
	}
}

func (cmd MigrateCommand) main(cfg config.Config, direction string) error {
	if cfg.DatabaseURL == "" {
		return errors.New("migrate: DB_DSN is required")
	}
	logger := cmd.Logs.Create("migrate")
	if err := postgres.Migrate(cfg.DatabaseURL, direction == "down"); err != nil {
		return errors.Wrapf(err, "migrate %s", direction)
	}
	logger.Info("migration complete", zap.String("direction", direction))
	return nil
}
