package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

const expiryLayout = "02.01.2006 15:04 MST"

// provision выполняет одну попытку выдачи доступа по подтверждённой транзакции.
// Вызывается под блокировкой платежа. Обращения к панели ограничены
// AttemptTimeout, чтобы попытка не пережила блокировку.
func (s *Service) provision(ctx context.Context, log *slog.Logger, tx *models.Transaction) (Outcome, error) {
	service, err := s.catalog.GetService(tx.ServiceKey)
	if err != nil {
		return s.reject(ctx, log, tx, "service removed from catalog: "+tx.ServiceKey)
	}
	duration := time.Duration(tx.GrantDays) * 24 * time.Hour
	if !tx.Kind.Grant() {
		plan, err := s.catalog.GetPlan(tx.ServiceKey, tx.PlanKey)
		if err != nil {
			return s.reject(ctx, log, tx, "plan removed from catalog: "+tx.ServiceKey+"/"+tx.PlanKey)
		}
		duration = plan.Duration()
	}
	attemptCtx, cancel := context.WithTimeout(ctx, s.attempt)
	defer cancel()

	services := []models.Service{service}
	for _, extra := range s.catalog.AutoAssignServices() {
		if extra.Key != service.Key {
			services = append(services, extra)
		}
	}

	target, err := s.targetExpiry(attemptCtx, tx, service, duration)
	if err != nil {
		return s.provisionFailed(ctx, log, tx, err)
	}
	log = log.With(slog.Time("target_expiry", target))

	entitlements := make([]models.Entitlement, 0, len(services))
	var links []string
	for _, svc := range services {
		creds, err := s.panel.EnsureClient(attemptCtx, models.ProvisionRequest{
			IdentityKey: svc.IdentityKey(tx.UserID),
			InboundID:   svc.InboundID,
			UserID:      tx.UserID,
			Protocol:    svc.Protocol,
			ServerHost:  svc.ServerHost,
			ExpiresAt:   target,
		})
		if err != nil {
			return s.provisionFailed(ctx, log.With(slog.String("identity_key", svc.IdentityKey(tx.UserID))), tx, err)
		}
		log.Info("panel client ensured",
			slog.String("identity_key", creds.IdentityKey),
			slog.Bool("created", creds.Created))
		entitlements = append(entitlements, models.Entitlement{ServiceKey: svc.Key, ExpiresAt: target})
		if creds.Link != "" {
			links = append(links, creds.Link)
		}
	}

	err = s.store.Settle(ctx, tx.ID, entitlements, s.clock())
	if errors.Is(err, models.ErrStatusConflict) {
		log.Warn("transaction finalized concurrently, settle skipped")
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", err
	}

	log.Info("transaction settled")
	text := fmt.Sprintf("%s Доступ к «%s» активен до %s.", settledPrefix(tx.Kind), service.Name, target.Format(expiryLayout))
	if len(links) > 0 {
		text += "\n\n" + strings.Join(links, "\n\n")
	}
	s.notify(ctx, log, models.Notification{
		Kind:          models.NotifySettled,
		UserID:        tx.UserID,
		TransactionID: tx.ID,
		ServiceKey:    service.Key,
		ExpiresAt:     &target,
		Text:          text,
	})
	return OutcomeSettled, nil
}

func settledPrefix(kind models.TransactionKind) string {
	switch kind {
	case models.KindTrial:
		return "Пробный период активирован."
	case models.KindPromo:
		return "Промокод применён."
	default:
		return "Оплата получена."
	}
}

// targetExpiry возвращает сохранённую дату окончания или вычисляет её один раз:
// max(now, текущий срок у пользователя, срок клиента на панели) + длительность плана.
// Повторные попытки используют ту же дату, поэтому продление не удваивается.
func (s *Service) targetExpiry(ctx context.Context, tx *models.Transaction, service models.Service, d time.Duration) (time.Time, error) {
	if tx.TargetExpiry != nil {
		return *tx.TargetExpiry, nil
	}

	from := s.clock()
	user, err := s.store.GetUser(ctx, tx.UserID)
	if err != nil {
		return time.Time{}, err
	}
	if exp, ok := user.ExpiresAt(service.Key); ok && exp.After(from) {
		from = exp
	}
	creds, err := s.panel.LookupClient(ctx, service.IdentityKey(tx.UserID), service.InboundID, service.ServerHost)
	switch {
	case errors.Is(err, models.ErrNotFound):
	case err != nil:
		return time.Time{}, err
	case creds.ExpiresAt.After(from):
		from = creds.ExpiresAt
	}

	target := from.Add(d).UTC().Truncate(time.Millisecond)
	if err := s.store.SetTargetExpiry(ctx, tx.ID, target); err != nil {
		return time.Time{}, err
	}
	tx.TargetExpiry = &target
	return target, nil
}

// provisionFailed классифицирует ошибку попытки: отказ панели закрывает
// транзакцию, временная ошибка планирует повтор до исчерпания политики.
func (s *Service) provisionFailed(ctx context.Context, log *slog.Logger, tx *models.Transaction, cause error) (Outcome, error) {
	if errors.Is(cause, models.ErrPanelRejected) {
		log.Error("panel rejected provisioning after payment capture", sl.Err(cause))
		return s.reject(ctx, log, tx, "panel rejected: "+cause.Error())
	}
	if ctx.Err() != nil {
		return "", cause
	}

	attempts := tx.Attempts + 1
	now := s.clock()
	since := tx.CreatedAt
	if tx.PendingSince != nil {
		since = *tx.PendingSince
	}
	deadline := s.policy.Deadline(since, s.window)
	next := now.Add(s.policy.Delay(attempts))

	if s.policy.Exhausted(attempts) || !next.Before(deadline) {
		log.Error("provisioning retries exhausted", slog.Int("attempts", attempts), sl.Err(cause))
		if err := s.flagFailed(ctx, log, tx, fmt.Sprintf("retries exhausted after %d attempts: %v", attempts, cause)); err != nil {
			return "", err
		}
		return OutcomeExhausted, nil
	}

	if err := s.store.ScheduleRetry(ctx, tx.ID, attempts, next, cause.Error(), now); err != nil {
		return "", err
	}
	log.Warn("provisioning attempt failed, retry scheduled",
		slog.Int("attempts", attempts), slog.Time("next_attempt_at", next), sl.Err(cause))
	return OutcomeRetry, nil
}

func (s *Service) reject(ctx context.Context, log *slog.Logger, tx *models.Transaction, reason string) (Outcome, error) {
	if err := s.flagFailed(ctx, log, tx, reason); err != nil {
		return "", err
	}
	return OutcomeRejected, nil
}

// flagFailed закрывает оплаченную транзакцию как failed с пометкой для
// ручной проверки и оповещает пользователя и администраторов.
func (s *Service) flagFailed(ctx context.Context, log *slog.Logger, tx *models.Transaction, reason string) error {
	if err := s.store.MarkFailed(ctx, tx.ID, models.StatusPendingConfirmation, reason, true, s.clock()); err != nil {
		return err
	}
	s.metrics.ReviewFlagged(reviewReason(reason))
	s.notify(ctx, log, models.Notification{
		Kind:          models.NotifyPaymentFailed,
		UserID:        tx.UserID,
		TransactionID: tx.ID,
		ServiceKey:    tx.ServiceKey,
		Text:          failedText(tx),
	})
	s.notify(ctx, log, models.Notification{
		Kind:          models.NotifyReviewRequired,
		UserID:        tx.UserID,
		TransactionID: tx.ID,
		ServiceKey:    tx.ServiceKey,
		Text: fmt.Sprintf("Транзакция %s пользователя %d (%s/%s, %d %s) требует проверки: %s",
			tx.ID, tx.UserID, tx.ServiceKey, tx.PlanKey, tx.Amount, tx.Currency, reason),
	})
	return nil
}

func failedText(tx *models.Transaction) string {
	if tx.Kind.Grant() {
		return "Выдать доступ не удалось. Мы уже разбираемся, обратитесь в поддержку и укажите номер " + tx.ID
	}
	return "Оплата получена, но выдать доступ не удалось. Мы уже разбираемся, обратитесь в поддержку и укажите номер " + tx.ID
}

func reviewReason(reason string) string {
	switch {
	case strings.HasPrefix(reason, "amount mismatch"):
		return string(OutcomeMismatch)
	case strings.HasPrefix(reason, "retries exhausted"), strings.HasPrefix(reason, "confirmation overdue"):
		return string(OutcomeExhausted)
	default:
		return string(OutcomeRejected)
	}
}
