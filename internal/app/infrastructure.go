package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prperemyshlev/social-connections/internal/config"
	"github.com/prperemyshlev/social-connections/internal/events"
	"github.com/prperemyshlev/social-connections/pkg/database"
	"github.com/prperemyshlev/social-connections/pkg/observability"
	"github.com/prperemyshlev/social-connections/pkg/secrets"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
)

const serviceName = "social-connections"

type Infrastructure interface {
	Postgres() *database.Postgres
	Redis() *database.Redis
	Logger() *zap.Logger
	MetricsHandler() http.Handler
	MeterProvider() *metric.MeterProvider
	// EncryptionKey is the secret OAuth tokens are encrypted with at rest
	EncryptionKey() string
	// Kafka is nil unless brokers are configured
	Kafka() *events.KafkaPublisher

	Shutdown(ctx context.Context) error
}

type infrastructure struct {
	postgres       *database.Postgres
	redis          *database.Redis
	logger         *zap.Logger
	metricsHandler http.Handler
	meterProvider  *metric.MeterProvider
	encryptionKey  string
	kafka          *events.KafkaPublisher
}

var _ Infrastructure = &infrastructure{}

func NewInfrastructure(ctx context.Context, cfg config.Config) (*infrastructure, error) {
	i := &infrastructure{}

	logger, err := observability.InitLogger(cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	i.logger = logger

	i.encryptionKey = cfg.Security.TokenEncryptionKey
	if name := cfg.Security.EncryptionKeySecret; name != "" {
		client, err := secrets.NewClient(ctx)
		if err != nil {
			return nil, err
		}
		key, err := secrets.LoadEncryptionKey(ctx, client, name)
		if err != nil {
			return nil, fmt.Errorf("failed to load token encryption key: %w", err)
		}
		i.encryptionKey = key
		logger.Info("Token encryption key loaded from Secrets Manager", zap.String("secret", name))
	}

	postgres, err := database.NewPostgres(cfg.Postgres.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	i.postgres = postgres

	if cfg.Postgres.AutoMigrate {
		if err := i.postgres.Migrate(); err != nil {
			_ = i.postgres.Close()
			return nil, err
		}
		logger.Info("Database migrations applied")
	}

	redis, err := database.NewRedis(cfg.Redis.Address(), cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		_ = i.postgres.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	i.redis = redis

	meterProvider, metricsHandler, err := observability.InitTelemetry(serviceName)
	if err != nil {
		_ = i.postgres.Close()
		_ = i.redis.Close()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	i.meterProvider = meterProvider
	i.metricsHandler = metricsHandler

	if len(cfg.Events.KafkaBrokers) > 0 {
		i.kafka = events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic, logger)
		logger.Info("Publishing status changes to Kafka",
			zap.Strings("brokers", cfg.Events.KafkaBrokers),
			zap.String("topic", cfg.Events.KafkaTopic),
		)
	}

	return i, nil
}

func (i *infrastructure) Postgres() *database.Postgres {
	return i.postgres
}

func (i *infrastructure) Redis() *database.Redis {
	return i.redis
}

func (i *infrastructure) Logger() *zap.Logger {
	return i.logger
}

func (i *infrastructure) MetricsHandler() http.Handler {
	return i.metricsHandler
}

func (i *infrastructure) MeterProvider() *metric.MeterProvider {
	return i.meterProvider
}

func (i *infrastructure) EncryptionKey() string {
	return i.encryptionKey
}

func (i *infrastructure) Kafka() *events.KafkaPublisher {
	return i.kafka
}

func (i *infrastructure) Shutdown(ctx context.Context) error {
	errs := make(chan error, 5)

	go func() { errs <- i.postgres.Close() }()
	go func() { errs <- i.redis.Close() }()
	go func() { errs <- i.logger.Sync() }()
	go func() { errs <- observability.Shutdown(ctx, i.meterProvider, i.logger) }()
	go func() {
		if i.kafka == nil {
			errs <- nil
			return
		}
		errs <- i.kafka.Close()
	}()

	return errors.Join(<-errs, <-errs, <-errs, <-errs, <-errs)
}
