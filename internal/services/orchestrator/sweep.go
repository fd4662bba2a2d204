package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

// SweepResult итог прохода по просроченным транзакциям.
type SweepResult struct {
	Expired int
	Failed  int
}

// ProcessRetries выполняет по одной попытке выдачи для подтверждённых
// транзакций, чей срок повтора наступил. Блокировка берётся на одну
// попытку и освобождается до следующей.
func (s *Service) ProcessRetries(ctx context.Context) (int, error) {
	const op = "orchestrator.ProcessRetries"
	log := s.log.With(slog.String("op", op))

	due, err := s.store.ListDueRetries(ctx, s.clock(), s.batch)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	processed := 0
	for _, candidate := range due {
		if err := ctx.Err(); err != nil {
			return processed, fmt.Errorf("%s: %w", op, err)
		}
		outcome, err := s.retryOne(ctx, candidate)
		if err != nil {
			log.Error("retry attempt failed", slog.String("transaction_id", candidate.ID), sl.Err(err))
			continue
		}
		if outcome != OutcomeIgnored {
			processed++
			s.metrics.ConfirmationObserved(string(outcome))
		}
	}
	if processed > 0 {
		log.Info("retries processed", slog.Int("count", processed))
	}
	return processed, nil
}

func (s *Service) retryOne(ctx context.Context, candidate *models.Transaction) (Outcome, error) {
	unlock, err := s.locker.Lock(ctx, lockKey(candidate))
	if err != nil {
		return "", err
	}
	defer unlock()

	tx, err := s.store.GetTransaction(ctx, candidate.ID)
	if err != nil {
		return "", err
	}
	// Состояние могло измениться, пока ждали блокировку.
	if tx.Status != models.StatusPendingConfirmation || tx.ConfirmedAt == nil ||
		tx.NextAttemptAt == nil || tx.NextAttemptAt.After(s.clock()) {
		return OutcomeIgnored, nil
	}
	log := s.log.With(
		slog.String("op", "orchestrator.retryOne"),
		slog.String("transaction_id", tx.ID),
		slog.String("payment_id", tx.ExternalPaymentID),
		slog.Int64("user_id", tx.UserID),
		slog.Int("attempts", tx.Attempts),
	)
	return s.provision(ctx, log, tx)
}

// SweepExpired закрывает транзакции, вышедшие за окно подтверждения:
// неподтверждённые переходят в expired, подтверждённые, но так и не
// выданные за окно и бюджет повторов, в failed с пометкой для проверки.
func (s *Service) SweepExpired(ctx context.Context) (SweepResult, error) {
	const op = "orchestrator.SweepExpired"
	log := s.log.With(slog.String("op", op))
	var res SweepResult

	now := s.clock()
	expired, err := s.store.ExpireStale(ctx, now.Add(-s.window), now)
	if err != nil {
		return res, fmt.Errorf("%s: %w", op, err)
	}
	res.Expired = len(expired)
	for _, tx := range expired {
		log.Info("transaction expired", slog.String("transaction_id", tx.ID), slog.Int64("user_id", tx.UserID))
		s.notify(ctx, log, models.Notification{
			Kind:          models.NotifyPaymentFailed,
			UserID:        tx.UserID,
			TransactionID: tx.ID,
			ServiceKey:    tx.ServiceKey,
			Text:          "Время на оплату истекло. Оформите покупку заново.",
		})
	}

	overdue, err := s.store.ListOverdueConfirmed(ctx, now.Add(-s.window-s.policy.Budget), s.batch)
	if err != nil {
		s.metrics.SweepObserved(res.Expired, res.Failed)
		return res, fmt.Errorf("%s: %w", op, err)
	}
	for _, candidate := range overdue {
		failed, err := s.finalizeOverdue(ctx, candidate)
		if err != nil {
			log.Error("failed to finalize overdue transaction", slog.String("transaction_id", candidate.ID), sl.Err(err))
			continue
		}
		if failed {
			res.Failed++
		}
	}

	s.metrics.SweepObserved(res.Expired, res.Failed)
	if res.Expired > 0 || res.Failed > 0 {
		log.Info("sweep finished", slog.Int("expired", res.Expired), slog.Int("failed", res.Failed))
	}
	return res, nil
}

func (s *Service) finalizeOverdue(ctx context.Context, candidate *models.Transaction) (bool, error) {
	unlock, err := s.locker.Lock(ctx, lockKey(candidate))
	if err != nil {
		return false, err
	}
	defer unlock()

	tx, err := s.store.GetTransaction(ctx, candidate.ID)
	if err != nil {
		return false, err
	}
	if tx.Status != models.StatusPendingConfirmation {
		return false, nil
	}
	log := s.log.With(
		slog.String("op", "orchestrator.finalizeOverdue"),
		slog.String("transaction_id", tx.ID),
		slog.Int64("user_id", tx.UserID),
	)
	log.Error("confirmed transaction was not provisioned in time", slog.Int("attempts", tx.Attempts))
	reason := fmt.Sprintf("confirmation overdue after %d attempts: %s", tx.Attempts, tx.LastError)
	if err := s.flagFailed(ctx, log, tx, reason); err != nil {
		return false, err
	}
	return true, nil
}
