package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

// Outcome результат обработки подтверждения или попытки выдачи.
type Outcome string

// Возможные результаты.
const (
	OutcomeSettled   Outcome = "settled"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUnknown   Outcome = "unknown"
	OutcomeRetry     Outcome = "retry"
	OutcomeRejected  Outcome = "rejected"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeCanceled  Outcome = "canceled"
	OutcomeMismatch  Outcome = "amount_mismatch"
	OutcomeLate      Outcome = "late_payment"
	OutcomeIgnored   Outcome = "ignored"
)

// HandleConfirmation применяет аутентифицированное событие шлюза.
// Решение принимается только по текущему состоянию транзакции, поэтому
// повторные и переупорядоченные доставки безопасны. Ошибка возвращается
// лишь при сбое хранилища или блокировки, чтобы шлюз повторил доставку.
func (s *Service) HandleConfirmation(ctx context.Context, ev models.ConfirmationEvent) (Outcome, error) {
	const op = "orchestrator.HandleConfirmation"
	log := s.log.With(
		slog.String("op", op),
		slog.String("payment_id", ev.ExternalPaymentID),
		slog.String("status", string(ev.Status)),
	)
	if ev.ExternalPaymentID == "" {
		return "", fmt.Errorf("%s: %w: empty payment id", op, models.ErrValidation)
	}

	unlock, err := s.locker.Lock(ctx, paymentLockKey(ev.ExternalPaymentID))
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	defer unlock()

	outcome, err := s.confirmLocked(ctx, log, ev)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	s.metrics.ConfirmationObserved(string(outcome))
	return outcome, nil
}

func (s *Service) confirmLocked(ctx context.Context, log *slog.Logger, ev models.ConfirmationEvent) (Outcome, error) {
	tx, err := s.store.GetTransactionByPaymentID(ctx, ev.ExternalPaymentID)
	if errors.Is(err, models.ErrNotFound) {
		log.Warn("confirmation for unknown payment discarded")
		return OutcomeUnknown, nil
	}
	if err != nil {
		return "", err
	}
	log = log.With(slog.String("transaction_id", tx.ID), slog.Int64("user_id", tx.UserID))

	switch tx.Status {
	case models.StatusSettled:
		log.Debug("duplicate confirmation ignored")
		return OutcomeDuplicate, nil
	case models.StatusFailed, models.StatusExpired:
		if ev.Status != models.PaymentSucceeded {
			return OutcomeIgnored, nil
		}
		return s.latePayment(ctx, log, tx, ev)
	case models.StatusPendingConfirmation:
	default:
		return OutcomeIgnored, nil
	}

	switch ev.Status {
	case models.PaymentCanceled:
		if tx.ConfirmedAt != nil {
			log.Warn("cancellation after success ignored")
			return OutcomeIgnored, nil
		}
		if err := s.store.MarkFailed(ctx, tx.ID, models.StatusPendingConfirmation, "payment canceled", false, s.clock()); err != nil {
			return "", err
		}
		log.Info("payment canceled")
		s.notify(ctx, log, models.Notification{
			Kind:          models.NotifyPaymentFailed,
			UserID:        tx.UserID,
			TransactionID: tx.ID,
			ServiceKey:    tx.ServiceKey,
			Text:          "Оплата отменена. Если деньги были списаны, обратитесь в поддержку.",
		})
		return OutcomeCanceled, nil
	case models.PaymentSucceeded:
	default:
		return OutcomeIgnored, nil
	}

	if tx.ConfirmedAt != nil {
		// Выдача уже запланирована, повторы ведёт ProcessRetries.
		log.Debug("confirmation already recorded")
		return OutcomeDuplicate, nil
	}

	if ev.Amount != tx.Amount || (ev.Currency != "" && ev.Currency != tx.Currency) {
		reason := fmt.Sprintf("amount mismatch: paid %d %s, expected %d %s", ev.Amount, ev.Currency, tx.Amount, tx.Currency)
		log.Error("confirmation amount mismatch", slog.Int64("paid", ev.Amount), slog.Int64("expected", tx.Amount))
		if err := s.flagFailed(ctx, log, tx, reason); err != nil {
			return "", err
		}
		return OutcomeMismatch, nil
	}

	if err := s.store.MarkConfirmed(ctx, tx.ID, s.clock()); err != nil {
		if !errors.Is(err, models.ErrStatusConflict) {
			return "", err
		}
		// Очистка закрыла транзакцию между чтением и подтверждением.
		current, getErr := s.store.GetTransaction(ctx, tx.ID)
		if getErr != nil {
			return "", errors.Join(err, getErr)
		}
		if current.Status != models.StatusFailed && current.Status != models.StatusExpired {
			return "", err
		}
		return s.latePayment(ctx, log, current, ev)
	}
	tx, err = s.store.GetTransaction(ctx, tx.ID)
	if err != nil {
		return "", err
	}
	log.Info("payment confirmed")
	return s.provision(ctx, log, tx)
}

// latePayment сохраняет пометку для ручной проверки, если оплата пришла
// по уже закрытой транзакции. Статус транзакции не меняется.
func (s *Service) latePayment(ctx context.Context, log *slog.Logger, tx *models.Transaction, ev models.ConfirmationEvent) (Outcome, error) {
	if tx.ReviewRequired && tx.LatePaymentAt == nil {
		// Транзакция уже ждёт проверки по своей причине.
		log.Warn("payment captured for transaction already under review", slog.String("review_reason", tx.ReviewReason))
		return OutcomeDuplicate, nil
	}
	reason := fmt.Sprintf("late payment: %s captured %d %s after transaction was %s",
		ev.ExternalPaymentID, ev.Amount, ev.Currency, tx.Status)
	flagged, err := s.store.FlagLatePayment(ctx, tx.ID, reason, s.clock())
	if err != nil {
		return "", err
	}
	if !flagged {
		log.Debug("late payment already recorded")
		return OutcomeLate, nil
	}

	log.Error("payment captured after transaction was finalized")
	s.metrics.ReviewFlagged(string(OutcomeLate))
	s.notify(ctx, log, models.Notification{
		Kind:          models.NotifyLatePayment,
		UserID:        tx.UserID,
		TransactionID: tx.ID,
		ServiceKey:    tx.ServiceKey,
		Text: fmt.Sprintf("Платёж %s пользователя %d получен после закрытия транзакции %s (%s), требуется ручная проверка",
			ev.ExternalPaymentID, tx.UserID, tx.ID, tx.Status),
	})
	return OutcomeLate, nil
}

// Reconcile запрашивает статус платежа у шлюза и применяет его,
// если подтверждение ещё не пришло через webhook.
func (s *Service) Reconcile(ctx context.Context, userID int64, txID string) (*models.Transaction, error) {
	const op = "orchestrator.Reconcile"
	log := s.log.With(slog.String("op", op), slog.String("transaction_id", txID))

	tx, err := s.GetTransaction(ctx, userID, txID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if tx.Status != models.StatusPendingConfirmation || tx.ExternalPaymentID == "" || tx.ConfirmedAt != nil {
		return tx, nil
	}

	ev, err := s.gateway.GetPayment(ctx, tx.ExternalPaymentID)
	if err != nil {
		log.Error("failed to fetch payment status", sl.Err(err))
		if !errors.Is(err, models.ErrGateway) {
			err = fmt.Errorf("%w: %v", models.ErrGateway, err)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if ev.Status != models.PaymentPending {
		if _, err := s.HandleConfirmation(ctx, ev); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	tx, err = s.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return tx, nil
}

func (s *Service) notify(ctx context.Context, log *slog.Logger, n models.Notification) {
	if err := s.notifier.Notify(ctx, n); err != nil {
		log.Warn("failed to publish notification", slog.String("kind", string(n.Kind)), sl.Err(err))
	}
}
