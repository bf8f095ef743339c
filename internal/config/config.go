package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env"

	"github.com/Swaathy05/new-queue-hack/internal/queue"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"

	NotifyHub   = "hub"
	NotifyRedis = "redis"
	NotifyKafka = "kafka"
)

type Config struct {
	Port         string `env:"PORT" envDefault:"8080"`
	DatabaseURL  string `env:"DB_DSN"`
	StoreBackend string `env:"STORE_BACKEND" envDefault:"memory"`

	DeferralPolicy        string `env:"DEFERRAL_POLICY" envDefault:"near-front"`
	ServingCeilingSeconds int    `env:"SERVING_CEILING_SECONDS" envDefault:"60"`
	SweepIntervalSeconds  int    `env:"SWEEP_INTERVAL_SECONDS" envDefault:"15"`
	SweepBatchSize        int    `env:"SWEEP_BATCH_SIZE" envDefault:"100"`
	DefaultServiceSeconds int    `env:"DEFAULT_SERVICE_SECONDS" envDefault:"180"`
	EstimateWindow        int    `env:"ESTIMATE_WINDOW" envDefault:"5"`
	TicketCodeLength      int    `env:"TICKET_CODE_LENGTH" envDefault:"6"`
	JoinCodeLength        int    `env:"JOIN_CODE_LENGTH" envDefault:"6"`
	CodeAttempts          int    `env:"CODE_ATTEMPTS" envDefault:"8"`

	NotifyBackends   []string `env:"NOTIFY_BACKENDS" envDefault:"hub" envSeparator:","`
	RedisAddr        string   `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB          int      `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix      string   `env:"REDIS_CHANNEL_PREFIX" envDefault:"queue"`
	KafkaBrokers     string   `env:"KAFKA_BROKERS"`
	KafkaTopic       string   `env:"KAFKA_TOPIC" envDefault:"queue-events"`
	PublishTimeoutMS int      `env:"PUBLISH_TIMEOUT_MS" envDefault:"2000"`

	RateLimitPerMinute         int `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`
	RateLimitBurst             int `env:"RATE_LIMIT_BURST" envDefault:"30"`
	OperatorRateLimitPerMinute int `env:"OPERATOR_RATE_LIMIT_PER_MIN" envDefault:"600"`
	OperatorRateLimitBurst     int `env:"OPERATOR_RATE_LIMIT_BURST" envDefault:"120"`

	ServiceVersion   string  `env:"SERVICE_VERSION" envDefault:"dev"`
	DeployEnv        string  `env:"DEPLOY_ENV" envDefault:"local"`
	OTLPEndpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure     bool    `env:"OTEL_EXPORTER_OTLP_INSECURE"`
	TraceSampleRatio float64 `env:"TRACE_SAMPLE_RATIO" envDefault:"1"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`
	SeedFile  string `env:"SEED_FILE"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.DeferralPolicy = strings.ToLower(strings.TrimSpace(cfg.DeferralPolicy))
	backends := cfg.NotifyBackends[:0]
	for _, backend := range cfg.NotifyBackends {
		backend = strings.ToLower(strings.TrimSpace(backend))
		if backend != "" {
			backends = append(backends, backend)
		}
	}
	cfg.NotifyBackends = backends
	return cfg, nil
}

func (c Config) Validate() error {
	if _, err := queue.PolicyByName(c.DeferralPolicy); err != nil {
		return err
	}
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DB_DSN is required for the %s backend", BackendPostgres)
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	for _, backend := range c.NotifyBackends {
		switch backend {
		case NotifyHub, NotifyRedis:
		case NotifyKafka:
			if c.KafkaBrokers == "" {
				return fmt.Errorf("KAFKA_BROKERS is required for the %s notifier", NotifyKafka)
			}
		default:
			return fmt.Errorf("unknown notify backend %q", backend)
		}
	}
	if c.EstimateWindow <= 0 {
		return fmt.Errorf("ESTIMATE_WINDOW must be positive, got %d", c.EstimateWindow)
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be between 0 and 1, got %v", c.TraceSampleRatio)
	}
	return nil
}

func (c Config) Notifies(backend string) bool {
	for _, item := range c.NotifyBackends {
		if item == backend {
			return true
		}
	}
	return false
}

func (c Config) ServingCeiling() time.Duration {
	return seconds(c.ServingCeilingSeconds)
}

func (c Config) SweepInterval() time.Duration {
	return seconds(c.SweepIntervalSeconds)
}

func (c Config) DefaultServiceTime() time.Duration {
	return seconds(c.DefaultServiceSeconds)
}

func (c Config) PublishTimeout() time.Duration {
	if c.PublishTimeoutMS <= 0 {
		return 0
	}
	return time.Duration(c.PublishTimeoutMS) * time.Millisecond
}

func seconds(value int) time.Duration {
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}
