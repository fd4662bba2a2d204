// Package core собирает оркестратор и его зависимости по конфигу.
// Используется бинарниками orchestrator и scheduler.
package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/cache"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/config"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/lib/logger"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/lock"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/metrics"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/migrations"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/notify"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/panel"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/rabbitmq"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/retry"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/services/orchestrator"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/storage/memory"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/storage/repository"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/tariffs"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/yookassa"
)

// Store хранилище оркестратора с проверкой готовности.
type Store interface {
	orchestrator.Store
	CheckDatabaseReady(ctx context.Context) error
}

// Core собранный оркестратор с зависимостями, которые нужно закрыть при остановке.
type Core struct {
	Orchestrator *orchestrator.Service
	Store        Store
	Gateway      *yookassa.Client
	Metrics      *metrics.Metrics
	// InMemory сообщает, что состояние живёт только в этом процессе.
	InMemory bool

	closers []io.Closer
}

// Build подключает хранилище, redis, RabbitMQ, панель и шлюз.
// Без адреса redis используется локальная блокировка, без RabbitMQ уведомления не публикуются.
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Core, error) {
	const op = "core.Build"
	c := &Core{Metrics: metrics.New()}

	catalog, err := tariffs.New(cfg.Tariffs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if key := cfg.Orchestrator.Trial.Service; key != "" {
		if _, err := catalog.GetService(key); err != nil {
			return nil, fmt.Errorf("%s: trial service: %w", op, err)
		}
	}

	if err := c.openStore(cfg, log); err != nil {
		c.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var locker orchestrator.Locker = lock.NewLocal()
	options := []panel.Option{panel.WithRecorder(c.Metrics)}
	if cfg.AddressRedis != "" {
		db, err := cache.Connect(ctx, cfg.RedisConnection)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		c.closers = append(c.closers, closerFunc(db.Close))
		locker = lock.NewRedis(db, cfg.Orchestrator.LockTTL)
		options = append(options, panel.WithCache(cache.New(db, "panel:")))
		log.Info("redis connected", slog.String("address", cfg.AddressRedis))
	} else if !c.InMemory {
		log.Warn("redis is not configured, payment locks are process-local")
	}

	var notifier orchestrator.Notifier
	if cfg.RabbitMQURL != "" {
		publisher, err := c.openPublisher(ctx, cfg)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		notifier = notify.New(publisher)
	} else {
		log.Warn("rabbitmq is not configured, notifications are disabled")
	}

	panelClient, err := panel.New(log, cfg.Panel, options...)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	c.Gateway = yookassa.NewClient(log, cfg.YooKassa)

	c.Orchestrator = orchestrator.New(log, orchestrator.Deps{
		Catalog:  catalog,
		Store:    c.Store,
		Panel:    panelClient,
		Gateway:  c.Gateway,
		Locker:   locker,
		Notifier: notifier,
		Metrics:  c.Metrics,
	}, orchestrator.Settings{
		ConfirmationWindow: cfg.Orchestrator.ConfirmationWindow,
		Retry: retry.Policy{
			MaxAttempts: cfg.Orchestrator.Retry.MaxAttempts,
			BaseDelay:   cfg.Orchestrator.Retry.BaseDelay,
			MaxDelay:    cfg.Orchestrator.Retry.MaxDelay,
			Budget:      cfg.Orchestrator.Retry.Budget,
		},
		AdminIDs:       cfg.AdminIDs,
		AttemptTimeout: cfg.Orchestrator.AttemptTimeout,
		ReminderLead:   cfg.Orchestrator.ReminderLead,
		Trial: orchestrator.Trial{
			Enabled:    cfg.Orchestrator.Trial.Enabled,
			ServiceKey: cfg.Orchestrator.Trial.Service,
			Days:       cfg.Orchestrator.Trial.Days,
		},
	})
	return c, nil
}

func (c *Core) openStore(cfg *config.Config, log *slog.Logger) error {
	if cfg.StorageConnectionString == "" {
		if cfg.Env != logger.EnvLocal {
			return fmt.Errorf("storage connection string is required in %s", cfg.Env)
		}
		log.Warn("using in-memory storage, state is lost on restart")
		c.Store = memory.New()
		c.InMemory = true
		return nil
	}

	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		return err
	}
	c.closers = append(c.closers, db)
	if err := migrations.Run(db.DB, cfg.MigrationsPath); err != nil {
		return err
	}
	c.Store = db
	return nil
}

func (c *Core) openPublisher(ctx context.Context, cfg *config.Config) (*rabbitmq.Publisher, error) {
	conn, err := rabbitmq.Connect(ctx, cfg.RabbitMQURL, cfg.RabbitMQMaxRetries, cfg.RabbitMQRetryDelay)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, conn)
	ch, err := rabbitmq.SetupChannel(conn, rabbitmq.GetNotificationQueues())
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, ch)
	return rabbitmq.NewPublisher(ch, rabbitmq.Exchange), nil
}

// Close закрывает соединения в обратном порядке.
func (c *Core) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		_ = c.closers[i].Close()
	}
	c.closers = nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
