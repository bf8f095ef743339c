package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Swaathy05/new-queue-hack/internal/config"
	"github.com/Swaathy05/new-queue-hack/internal/logging"
	"github.com/Swaathy05/new-queue-hack/internal/notify"
	"github.com/Swaathy05/new-queue-hack/internal/seed"
)

type SeedCommand struct {
	Logs *logging.Factory
}

func (cmd SeedCommand) Command(ctx context.Context, cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.toml>",
		Short: "create organizations listed in a TOML seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return cmd.main(ctx, cfg, args[0])
		},
	}
}

func (cmd SeedCommand) main(ctx context.Context, cfg config.Config, path string) error {
	if cfg.StoreBackend != config.BackendPostgres {
		return errors.Errorf("seed: store backend %q does not persist, use %s", cfg.StoreBackend, config.BackendPostgres)
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "seed: invalid configuration")
	}
	logger := cmd.Logs.Create("seed")

	file, err := seed.LoadFile(path)
	if err != nil {
		return errors.Wrap(err, "seed")
	}
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	engine, err := newEngine(st, notify.Discard{}, cfg, cmd.Logs.Create("engine"))
	if err != nil {
		return err
	}
	created, err := seed.Apply(ctx, engine, file)
	for _, org := range created {
		logger.Info("created organization",
			zap.String("organization_id", org.OrganizationID),
			zap.String("name", org.Name),
			zap.String("join_code", org.JoinCode),
		)
	}
	return errors.Wrap(err, "seed")
}
