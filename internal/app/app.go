// Package app wires the configured components into a ready orchestrator.
// Both binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/smukkama/pellet-ingest/internal/database"
	"github.com/smukkama/pellet-ingest/internal/discovery"
	"github.com/smukkama/pellet-ingest/internal/ledger"
	"github.com/smukkama/pellet-ingest/internal/lock"
	"github.com/smukkama/pellet-ingest/internal/mail"
	"github.com/smukkama/pellet-ingest/internal/metrics"
	"github.com/smukkama/pellet-ingest/internal/notification"
	"github.com/smukkama/pellet-ingest/internal/orchestrator"
	"github.com/smukkama/pellet-ingest/internal/queue"
	"github.com/smukkama/pellet-ingest/pkg/config"
)

const (
	pingTimeout = 5 * time.Second
	// Single partition keeps events for one file in order; the broker default
	// replication is fine for a single-site deployment.
	topicPartitions  = 1
	topicReplication = 1
)

type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	Registry     *prometheus.Registry
	DB           *database.DB
	Orchestrator *orchestrator.Orchestrator

	closers []func() error
}

// New connects to the store, migrates it and builds the orchestrator with
// every optional integration the configuration enables. Redis and Kafka
// failures at startup are logged and the integration is skipped.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(a.Registry)

	db, err := database.Connect(ctx, cfg.Database.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)
	if err := db.RunMigrations(ctx, logger); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("connected to database", zap.String("host", cfg.Database.Host), zap.String("dbname", cfg.Database.DBName))

	deps := orchestrator.Deps{
		Store:   db,
		Metrics: m,
		Logger:  logger,
	}
	deps.Ledger = ledger.New(db, logger)
	deps.Notifier = notification.NewEmailNotifier(&cfg.SMTP, logger)

	if locker := a.redisLease(ctx); locker != nil {
		deps.Lock = locker
	}
	if producer := a.kafkaProducer(ctx); producer != nil {
		deps.Publisher = producer
	}

	gmail, err := mail.NewGmail(ctx, mail.GmailConfig{
		ClientID:     cfg.Mail.ClientID,
		ClientSecret: cfg.Mail.ClientSecret,
		RefreshToken: cfg.Mail.RefreshToken,
		User:         cfg.Mail.User,
		CallTimeout:  cfg.Mail.CallTimeout,
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("mail client: %w", err)
	}
	if !gmail.Configured() {
		logger.Warn("mail credentials incomplete; discovery disabled until configured")
	}
	// Attachments are staged outside the scanned folders; the orchestrator
	// moves in-window ones into the first drop folder.
	deps.Discovery = discovery.New(gmail, deps.Ledger, cfg.Ingest.Staging(), m, logger)

	orch, err := orchestrator.New(orchestrator.OptionsFromConfig(cfg), deps)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Orchestrator = orch
	return a, nil
}

func (a *App) redisLease(ctx context.Context) *lock.RedisLease {
	rc := a.Config.Redis
	if rc.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		a.Logger.Warn("redis unreachable; cycle lease disabled", zap.String("addr", rc.Addr), zap.Error(err))
		_ = client.Close()
		return nil
	}
	a.closers = append(a.closers, client.Close)
	a.Logger.Info("connected to redis", zap.String("addr", rc.Addr), zap.String("lock_key", rc.LockKey))
	return lock.NewRedisLease(client, rc.LockKey, rc.LockTTL)
}

func (a *App) kafkaProducer(ctx context.Context) *queue.Producer {
	kc := a.Config.Kafka
	if !kc.Enabled() {
		return nil
	}
	topicCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := queue.EnsureTopic(topicCtx, kc.Brokers, kc.TopicEvents, topicPartitions, topicReplication); err != nil {
		a.Logger.Warn("could not ensure event topic; relying on auto-creation",
			zap.String("topic", kc.TopicEvents), zap.Error(err))
	}
	producer := queue.NewProducer(kc.Brokers, kc.TopicEvents)
	a.closers = append(a.closers, producer.Close)
	a.Logger.Info("event producer initialized", zap.Strings("brokers", kc.Brokers), zap.String("topic", kc.TopicEvents))
	return producer
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
