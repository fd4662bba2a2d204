// Package scheduler периодически запускает повторы выдачи доступа,
// финализацию просроченных транзакций и напоминания об окончании доступа. Всё состояние лежит в хранилище,
// поэтому перезапуск процесса продолжает работу с того же места.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/services/orchestrator"
)

// Orchestrator фоновые операции машины состояний.
type Orchestrator interface {
	ProcessRetries(ctx context.Context) (int, error)
	SweepExpired(ctx context.Context) (orchestrator.SweepResult, error)
	SendReminders(ctx context.Context) (orchestrator.ReminderResult, error)
}

// Service запускает фоновые циклы.
type Service struct {
	log              *slog.Logger
	orchestrator     Orchestrator
	retryInterval    time.Duration
	sweepInterval    time.Duration
	reminderInterval time.Duration
}

// New создает новый экземпляр Service.
func New(log *slog.Logger, o Orchestrator, retryInterval, sweepInterval, reminderInterval time.Duration) *Service {
	return &Service{
		log:              log,
		orchestrator:     o,
		retryInterval:    retryInterval,
		sweepInterval:    sweepInterval,
		reminderInterval: reminderInterval,
	}
}

// Run выполняет циклы до отмены контекста.
func (s *Service) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.loop(ctx, s.retryInterval, s.runRetries)
	}()
	go func() {
		defer wg.Done()
		s.loop(ctx, s.sweepInterval, s.runSweep)
	}()
	go func() {
		defer wg.Done()
		s.loop(ctx, s.reminderInterval, s.runReminders)
	}()
	wg.Wait()
}

func (s *Service) loop(ctx context.Context, interval time.Duration, run func(context.Context)) {
	run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run(ctx)
		}
	}
}

func (s *Service) runRetries(ctx context.Context) {
	n, err := s.orchestrator.ProcessRetries(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("failed to process retries", sl.Err(err))
		}
		return
	}
	if n > 0 {
		s.log.Info("processed due retries", slog.Int("count", n))
	}
}

func (s *Service) runSweep(ctx context.Context) {
	res, err := s.orchestrator.SweepExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("failed to sweep transactions", sl.Err(err))
		}
		return
	}
	if res.Expired > 0 || res.Failed > 0 {
		s.log.Info("swept transactions", slog.Int("expired", res.Expired), slog.Int("failed", res.Failed))
	}
}

func (s *Service) runReminders(ctx context.Context) {
	res, err := s.orchestrator.SendReminders(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("failed to send reminders", sl.Err(err))
		}
		return
	}
	if res.Soon > 0 || res.Expired > 0 {
		s.log.Info("sent expiry reminders", slog.Int("soon", res.Soon), slog.Int("expired", res.Expired))
	}
}
