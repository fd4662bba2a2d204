// Package scheduler запускает фоновые повторы и очистку транзакций.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/app/core"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/config"
	schedulerservice "github.com/magabrotheeeer/vpn-orchestrator/internal/services/scheduler"
)

// App процесс планировщика.
type App struct {
	core      *core.Core
	scheduler *schedulerservice.Service
	logger    *slog.Logger
}

// New собирает оркестратор поверх общего хранилища.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	const op = "app.scheduler.New"
	c, err := core.Build(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if c.InMemory {
		c.Close()
		return nil, fmt.Errorf("%s: scheduler needs shared storage, set storage_connection_string", op)
	}
	return &App{
		core: c,
		scheduler: schedulerservice.New(logger, c.Orchestrator,
			cfg.Orchestrator.RetryInterval, cfg.Orchestrator.SweepInterval,
			cfg.Orchestrator.ReminderInterval),
		logger: logger,
	}, nil
}

// Run выполняет циклы до отмены ctx.
func (a *App) Run(ctx context.Context) error {
	defer a.core.Close()
	a.logger.Info("scheduler started")
	a.scheduler.Run(ctx)
	a.logger.Info("scheduler stopped gracefully")
	return nil
}
