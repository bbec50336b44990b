// Package bootstrap assembles the enrichment pipeline from configuration.
// Both services share it so the API and the worker agree on stores,
// limiter backend and event routing.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/keyword-intel/internal/config"
	"github.com/cuongbtq/keyword-intel/internal/enrichment"
	"github.com/cuongbtq/keyword-intel/internal/keywordbank"
	"github.com/cuongbtq/keyword-intel/internal/keywords"
	"github.com/cuongbtq/keyword-intel/internal/notify"
	"github.com/cuongbtq/keyword-intel/internal/provider"
	"github.com/cuongbtq/keyword-intel/internal/queue"
	"github.com/cuongbtq/keyword-intel/internal/quota"
	"github.com/cuongbtq/keyword-intel/internal/ratelimit"
	"github.com/cuongbtq/keyword-intel/shared/database"
	"github.com/cuongbtq/keyword-intel/shared/logger"
	"github.com/cuongbtq/keyword-intel/shared/rabbitmq"
	redisclient "github.com/cuongbtq/keyword-intel/shared/redis"
)

// Pipeline holds every wired component. Redis and Rabbit are nil when the
// configuration does not use them.
type Pipeline struct {
	DB       *database.Client
	Redis    *redisclient.Client
	Rabbit   *rabbitmq.Client
	Bus      *notify.Bus
	Bank     *keywordbank.Store
	Keywords *keywords.Store
	Quota    *quota.Tracker
	Limiter  *ratelimit.Limiter
	Provider *provider.Client
	Enricher *enrichment.Service
	Queue    *queue.Queue
}

// Schemas lists every table definition in dependency order.
func Schemas() [][]string {
	return [][]string{keywordbank.Schema, quota.Schema, queue.Schema, keywords.Schema}
}

// InitLogger builds the application logger from the logging section.
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// Build connects to the configured backends and wires the pipeline. On
// error everything opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Pipeline, error) {
	p := &Pipeline{}
	if err := p.wire(ctx, cfg, log); err != nil {
		if cerr := p.Close(); cerr != nil {
			log.Warn("Failed to release partially built pipeline", slog.Any("error", cerr))
		}
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) wire(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	var err error

	if p.DB, err = initDatabase(&cfg.Database, log); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err = p.DB.Migrate(ctx, Schemas()...); err != nil {
			return err
		}
	}

	p.Bus = notify.NewBus(log)
	if cfg.RabbitMQ.Enabled {
		if p.Rabbit, err = initRabbitMQ(&cfg.RabbitMQ, log); err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		p.Bus.Subscribe(notify.NewAMQPHandler(p.Rabbit, log), notify.EventJobEnqueued)
	}

	var counter ratelimit.Counter
	if cfg.RateLimit.Backend == "redis" {
		if p.Redis, err = redisclient.NewClient(&redisclient.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, log); err != nil {
			return fmt.Errorf("failed to initialize redis: %w", err)
		}
		counter = ratelimit.NewRedisCounter(p.Redis.Raw(), cfg.RateLimit.KeyPrefix)
	}
	p.Limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		RequestsPerHour:   cfg.RateLimit.RequestsPerHour,
		RequestsPerDay:    cfg.RateLimit.RequestsPerDay,
		MaxWait:           cfg.RateLimit.MaxWait,
	}, counter, log)

	db := p.DB.GetDB()
	p.Bank = keywordbank.NewStore(db, log)
	p.Keywords = keywords.NewStore(db, log)
	p.Quota = quota.NewTracker(db, quota.Config{
		ServiceID:         cfg.Quota.ServiceID,
		WarningPercent:    cfg.Quota.WarningPercent,
		CriticalPercent:   cfg.Quota.CriticalPercent,
		DefaultAPIBaseURL: cfg.Provider.BaseURL,
	}, p.Bus, log)
	p.Provider = provider.NewClient(provider.Config{
		BaseURL:          cfg.Provider.BaseURL,
		Timeout:          cfg.Provider.Timeout,
		MaxRetries:       cfg.Provider.MaxRetries,
		BaseDelay:        cfg.Provider.BaseDelay,
		MaxDelay:         cfg.Provider.MaxDelay,
		MaxRetryAfter:    cfg.Provider.MaxRetryAfter,
		CredentialTTL:    cfg.Provider.CredentialTTL,
		BatchSize:        cfg.Provider.BatchSize,
		BreakerFailures:  int(cfg.Provider.BreakerFailures),
		BreakerOpenFor:   cfg.Provider.BreakerOpenFor,
		BreakerHalfOpens: int(cfg.Provider.BreakerHalfOpens),
	}, p.Quota, log)
	p.Enricher = enrichment.NewService(p.Bank, p.Provider, p.Quota, p.Limiter, cfg.Cache.FreshnessWindow, log)
	p.Queue = queue.New(db, queue.Config{
		MaxInFlight:     cfg.Queue.MaxInFlight,
		MaxRetries:      cfg.Queue.MaxRetries,
		RetryBaseDelay:  cfg.Queue.RetryBaseDelay,
		RetryMultiplier: cfg.Queue.RetryMultiplier,
		Retention:       cfg.Queue.Retention,
	}, p.Bus, log)

	return nil
}

// Close releases every backend connection.
func (p *Pipeline) Close() error {
	var errs []error
	if p.Rabbit != nil {
		errs = append(errs, p.Rabbit.Close())
	}
	if p.Redis != nil {
		errs = append(errs, p.Redis.Close())
	}
	if p.DB != nil {
		errs = append(errs, p.DB.Close())
	}
	return errors.Join(errs...)
}

func initDatabase(cfg *config.DatabaseConfig, log *slog.Logger) (*database.Client, error) {
	return database.NewClient(&database.Config{
		Driver:          cfg.Driver,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, log)
}

func initRabbitMQ(cfg *config.RabbitMQConfig, log *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
	}, log)
}
