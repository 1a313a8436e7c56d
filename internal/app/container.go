// Package app wires the billing engine's infrastructure and services.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/felixgeelhaar/tollgate/internal/billing/application"
	"github.com/felixgeelhaar/tollgate/internal/billing/application/subscribers"
	"github.com/felixgeelhaar/tollgate/internal/billing/infrastructure/cache"
	"github.com/felixgeelhaar/tollgate/internal/billing/setup"
	"github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/crypto"
	"github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/migrations"
	"github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/outbox"
	sharedPersistence "github.com/felixgeelhaar/tollgate/internal/shared/infrastructure/persistence"
	"github.com/felixgeelhaar/tollgate/pkg/config"
	"github.com/felixgeelhaar/tollgate/pkg/observability"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Container holds every long-lived dependency of the service.
type Container struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *observability.InMemoryMetrics
	Driver  database.Driver

	DB     *pgxpool.Pool
	Pool   *sharedPersistence.GuardedPool
	SQLite *sql.DB

	RedisClient *redis.Client

	Repositories setup.Repositories

	EventPublisher eventbus.Publisher
	InProcessBus   *eventbus.InProcessEventBus

	Registry        *application.ProviderRegistry
	Services        *setup.Services
	OutboxProcessor *outbox.Processor
	Health          *observability.HealthRegistry
}

// NewContainer connects to PostgreSQL, Redis and RabbitMQ. Redis and
// RabbitMQ are optional outside production.
func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	if database.DetectDriver(cfg.DatabaseURL) == database.DriverSQLite {
		return NewLocalContainer(ctx, cfg, logger)
	}

	c := newContainer(cfg, logger)
	c.Driver = database.DriverPostgres

	pool, err := database.OpenPostgres(ctx, database.PostgresConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
	})
	if err != nil {
		return nil, err
	}
	c.DB = pool
	c.Pool = sharedPersistence.NewGuardedPool(pool, cfg.DBAcquireTimeout)
	logger.Info("connected to database", "max_conns", cfg.DBMaxConns)

	if err := migrations.RunPostgresMigrations(ctx, c.Pool); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	repos, err := c.repositoriesFor(c.Driver)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Repositories = repos
	c.Health.Register("database", observability.DatabaseHealthChecker(c.Pool.Ping))

	if err := c.connectRedis(ctx); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.connectBroker(); err != nil {
		c.Close()
		return nil, err
	}

	if err := c.wire(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// NewLocalContainer runs against a SQLite file without external services.
func NewLocalContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	c := newContainer(cfg, logger)
	c.Driver = database.DriverSQLite

	path := cfg.SQLitePath
	if cfg.DatabaseURL != "" && database.DetectDriver(cfg.DatabaseURL) == database.DriverSQLite {
		path = database.SQLitePath(cfg.DatabaseURL)
	}

	db, err := database.OpenSQLite(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}
	c.SQLite = db

	logger.Info("running SQLite migrations")
	if err := migrations.RunSQLiteMigrations(ctx, db); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	repos, err := c.repositoriesFor(c.Driver)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Repositories = repos
	c.Health.Register("database", observability.DatabaseHealthChecker(db.PingContext))
	c.useInProcessBus()

	if err := c.wire(); err != nil {
		c.Close()
		return nil, err
	}
	logger.Info("local mode container initialized", "database", path, "driver", "sqlite")
	return c, nil
}

func newContainer(cfg *config.Config, logger *slog.Logger) *Container {
	if logger == nil {
		logger = slog.Default()
	}
	return &Container{
		Config:   cfg,
		Logger:   logger,
		Metrics:  observability.NewInMemoryMetrics(),
		Registry: application.NewProviderRegistry(),
		Health:   observability.NewHealthRegistry(),
	}
}

func (c *Container) connectRedis(ctx context.Context) error {
	if c.Config.RedisURL == "" {
		return nil
	}

	opt, err := redis.ParseURL(c.Config.RedisURL)
	if err != nil {
		if c.Config.IsProduction() {
			return fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		c.Logger.Warn("invalid Redis URL, webhook replay guard will use in-memory fallback", "error", err)
		return nil
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		if c.Config.IsProduction() {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		c.Logger.Warn("Redis not available, webhook replay guard will use in-memory fallback", "error", err)
		return nil
	}

	c.RedisClient = client
	c.Health.Register("redis", observability.RedisHealthChecker(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}))
	c.Logger.Info("connected to Redis")
	return nil
}

func (c *Container) connectBroker() error {
	if c.Config.RabbitMQURL == "" {
		c.useInProcessBus()
		return nil
	}

	publisher, err := eventbus.NewRabbitMQPublisher(c.Config.RabbitMQURL, c.Logger)
	if err != nil {
		if c.Config.IsProduction() {
			return err
		}
		c.Logger.Warn("RabbitMQ not available, dispatching events in process", "error", err)
		c.useInProcessBus()
		return nil
	}
	c.EventPublisher = publisher
	c.Health.Register("rabbitmq", observability.RabbitMQHealthChecker(publisher.Check))
	return nil
}

func (c *Container) useInProcessBus() {
	bus := eventbus.NewInProcessEventBus(observability.Component(c.Logger, "eventbus"))
	bus.RegisterConsumer(subscribers.NewLifecycleAuditor(observability.Component(c.Logger, "audit"), c.Metrics))
	c.InProcessBus = bus
	c.EventPublisher = bus
}

// wire builds the providers, services and outbox processor once storage
// and the publisher are in place.
func (c *Container) wire() error {
	cfg := c.Config

	setup.RegisterProviders(c.Registry, cfg, observability.Component(c.Logger, "gateway"), c.Metrics)

	opts := setup.Options{Logger: c.Logger, Metrics: c.Metrics}
	if c.RedisClient != nil {
		opts.ReplayGuard = cache.NewRedisReplayGuard(c.RedisClient, cache.DefaultReplayTTL)
		if cfg.UsageRateLimit > 0 {
			opts.RateLimiter = cache.NewRedisRateLimiter(c.RedisClient, cfg.UsageRateLimit)
		}
	} else {
		opts.ReplayGuard = cache.NewMemoryReplayGuard(cache.DefaultReplayTTL)
		if cfg.UsageRateLimit > 0 {
			opts.RateLimiter = cache.NewMemoryRateLimiter(cfg.UsageRateLimit)
		}
	}
	if cfg.WebhookPayloadKey != "" {
		sealer, err := crypto.NewPayloadSealer(cfg.WebhookPayloadKey)
		if err != nil {
			return fmt.Errorf("invalid WEBHOOK_PAYLOAD_KEY: %w", err)
		}
		opts.Sealer = sealer
	}
	c.Services = setup.NewServices(cfg, c.Repositories, c.Registry, opts)

	processorConfig := outbox.DefaultProcessorConfig()
	if cfg.OutboxPollInterval > 0 {
		processorConfig.PollInterval = cfg.OutboxPollInterval
	}
	if cfg.OutboxBatchSize > 0 {
		processorConfig.BatchSize = cfg.OutboxBatchSize
	}
	if cfg.OutboxMaxRetries > 0 {
		processorConfig.MaxRetries = cfg.OutboxMaxRetries
	}
	c.OutboxProcessor = outbox.NewProcessor(c.Repositories.Outbox, c.EventPublisher, processorConfig,
		observability.Component(c.Logger, "outbox")).WithMetrics(c.Metrics)
	return nil
}

// Close releases every connection the container opened.
func (c *Container) Close() {
	if c.OutboxProcessor != nil && c.OutboxProcessor.IsRunning() {
		c.OutboxProcessor.Stop()
	}

	if c.EventPublisher != nil {
		if err := c.EventPublisher.Close(); err != nil {
			c.Logger.Warn("error closing event publisher", "error", err)
		}
	}

	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil {
			c.Logger.Warn("error closing Redis connection", "error", err)
		}
	}

	if c.DB != nil {
		c.DB.Close()
		c.Logger.Info("PostgreSQL connection closed")
	}

	if c.SQLite != nil {
		if err := c.SQLite.Close(); err != nil {
			c.Logger.Warn("error closing SQLite connection", "error", err)
		} else {
			c.Logger.Info("SQLite connection closed")
		}
	}
}
