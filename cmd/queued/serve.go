package main

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/Swaathy05/new-queue-hack/internal/config"
	"github.com/Swaathy05/new-queue-hack/internal/httpapi"
	"github.com/Swaathy05/new-queue-hack/internal/logging"
	"github.com/Swaathy05/new-queue-hack/internal/notify"
	"github.com/Swaathy05/new-queue-hack/internal/queue"
	"github.com/Swaathy05/new-queue-hack/internal/seed"
	"github.com/Swaathy05/new-queue-hack/internal/store"
	"github.com/Swaathy05/new-queue-hack/internal/store/memory"
	"github.com/Swaathy05/new-queue-hack/internal/store/postgres"
	"github.com/Swaathy05/new-queue-hack/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

type ServeCommand struct {
	Logs *logging.Factory
}

func (cmd ServeCommand) Command(ctx context.Context, cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the queue HTTP server",
		RunE: func(_ *cobra.Command, _ []string) error {
			return cmd.main(ctx, cfg)
		},
	}
}

func (cmd ServeCommand) main(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "serve: invalid configuration")
	}
	logger := cmd.Logs.Create("serve")

	shutdownTracing := telemetry.Setup(ctx, tracingConfig(cfg), logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	hub := notify.NewHub(cmd.Logs.Create("hub"))
	publisher, closePublishers := buildPublisher(ctx, cfg, hub, logger)
	defer closePublishers()

	engine, err := newEngine(st, publisher, cfg, cmd.Logs.Create("engine"))
	if err != nil {
		return err
	}

	if err := seedOnStart(ctx, cfg, engine, logger); err != nil {
		return err
	}

	handler := httpapi.NewHandler(engine, cmd.Logs.Create("http"))
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:       cfg.RateLimitPerMinute,
		IPBurst:           cfg.RateLimitBurst,
		OperatorPerMinute: cfg.OperatorRateLimitPerMinute,
		OperatorBurst:     cfg.OperatorRateLimitBurst,
	})
	e := handler.Routes(limiter)
	e.Any("/realtime/*", echo.WrapHandler(hub.Handler("/realtime")))
	e.Any("/debug/log-level", echo.WrapHandler(cmd.Logs.Level()))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(e, serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", server.Addr), zap.String("store", cfg.StoreBackend), zap.String("policy", engine.Policy().Name()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	go runSweeper(ctx, engine, cfg.SweepInterval(), cmd.Logs.Create("sweeper"))

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return errors.Wrap(err, "serve: listen")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	logger.Info("stopped")
	return nil
}

func tracingConfig(cfg config.Config) telemetry.Config {
	return telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: cfg.ServiceVersion,
		Environment:    cfg.DeployEnv,
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		SampleRatio:    cfg.TraceSampleRatio,
	}
}

// seedOnStart fills a fresh in-memory store from SEED_FILE. A persistent
// store keeps what earlier runs created, so there the seed command is the
// only way in and a configured SEED_FILE is refused.
func seedOnStart(ctx context.Context, cfg config.Config, creator seed.Creator, logger *zap.Logger) error {
	if cfg.SeedFile == "" {
		return nil
	}
	if cfg.StoreBackend != config.BackendMemory {
		return errors.Errorf("serve: SEED_FILE is only applied to the %s backend, run the seed command once for %s", config.BackendMemory, cfg.StoreBackend)
	}
	file, err := seed.LoadFile(cfg.SeedFile)
	if err != nil {
		return errors.Wrap(err, "serve: load seed file")
	}
	created, err := seed.Apply(ctx, creator, file)
	if err != nil {
		return errors.Wrap(err, "serve: apply seed file")
	}
	for _, org := range created {
		logger.Info("seeded organization", zap.String("name", org.Name), zap.String("join_code", org.JoinCode))
	}
	return nil
}

func newEngine(st store.Store, publisher notify.Publisher, cfg config.Config, logger *zap.Logger) (*queue.Engine, error) {
	policy, err := queue.PolicyByName(cfg.DeferralPolicy)
	if err != nil {
		return nil, err
	}
	return queue.NewEngine(st, queue.Options{
		Policy:             policy,
		Codes:              queue.NewRandomCodes(cfg.TicketCodeLength, cfg.JoinCodeLength),
		Publisher:          publisher,
		Logger:             logger,
		ServingCeiling:     cfg.ServingCeiling(),
		DefaultServiceTime: cfg.DefaultServiceTime(),
		EstimateWindow:     cfg.EstimateWindow,
		CodeAttempts:       cfg.CodeAttempts,
		PublishTimeout:     cfg.PublishTimeout(),
		SweepBatch:         cfg.SweepBatchSize,
	}), nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	if cfg.StoreBackend != config.BackendPostgres {
		return memory.New(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to postgresql")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, nil, errors.Wrap(err, "failed to ping postgresql")
	}
	return postgres.NewStore(pool), pool.Close, nil
}

// buildPublisher fans events out to every configured backend. Publishing is
// best effort, so an unreachable broker only produces a warning here.
func buildPublisher(ctx context.Context, cfg config.Config, hub *notify.Hub, logger *zap.Logger) (notify.Publisher, func()) {
	var (
		publishers notify.Fanout
		closers    []func() error
	)
	if cfg.Notifies(config.NotifyHub) {
		publishers = append(publishers, hub)
	}
	if cfg.Notifies(config.NotifyRedis) {
		client := notify.NewRedisClient(cfg.RedisAddr, cfg.RedisDB)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		cancel()
		publishers = append(publishers, notify.NewRedisPublisher(client, cfg.RedisPrefix))
		closers = append(closers, client.Close)
	}
	if cfg.Notifies(config.NotifyKafka) {
		writer := notify.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		publishers = append(publishers, notify.NewKafkaPublisher(writer))
		closers = append(closers, writer.Close)
	}

	closeAll := func() {
		for _, closer := range closers {
			if err := closer(); err != nil {
				logger.Warn("close publisher", zap.Error(err))
			}
		}
	}
	if len(publishers) == 0 {
		return notify.Discard{}, closeAll
	}
	return publishers, closeAll
}

type sweeper interface {
	SweepOverdue(ctx context.Context) (int, error)
}

// runSweeper defers serving entries past the ceiling on every tick until ctx
// is done. A non-positive interval disables it.
func runSweeper(ctx context.Context, s sweeper, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		logger.Info("sweeper disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, interval)
			count, err := s.SweepOverdue(sweepCtx)
			cancel()
			if err != nil {
				logger.Warn("sweep failed", zap.Error(err))
				continue
			}
			if count > 0 {
				logger.Info("swept overdue entries", zap.Int("count", count))
			}
		}
	}
}
