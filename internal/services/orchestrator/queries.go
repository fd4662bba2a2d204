package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

// GetTransaction возвращает снимок транзакции. Чужая транзакция для
// обычного пользователя неотличима от отсутствующей.
func (s *Service) GetTransaction(ctx context.Context, userID int64, id string) (*models.Transaction, error) {
	const op = "orchestrator.GetTransaction"
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if tx.UserID != userID && !s.IsAdmin(userID) {
		return nil, fmt.Errorf("%s: transaction %s: %w", op, id, models.ErrNotFound)
	}
	return tx, nil
}

// ListTransactions возвращает транзакции пользователя.
func (s *Service) ListTransactions(ctx context.Context, userID int64, limit int) ([]*models.Transaction, error) {
	const op = "orchestrator.ListTransactions"
	txs, err := s.store.ListUserTransactions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return txs, nil
}

// ListServices возвращает тарифы с планами, доступными пользователю.
func (s *Service) ListServices(userID int64) []models.Service {
	admin := s.IsAdmin(userID)
	services := s.catalog.ListServices(admin)
	out := make([]models.Service, 0, len(services))
	for _, svc := range services {
		plans, err := s.catalog.PlansFor(svc.Key, admin)
		if err != nil || len(plans) == 0 {
			continue
		}
		svc.Plans = plans
		out = append(out, svc)
	}
	return out
}

// GetAccess возвращает состояние доступа пользователя к сервису вместе
// с данными клиента панели.
func (s *Service) GetAccess(ctx context.Context, userID int64, serviceKey string) (models.Access, error) {
	const op = "orchestrator.GetAccess"
	service, err := s.catalog.GetService(serviceKey)
	if err != nil {
		return models.Access{}, fmt.Errorf("%s: %w", op, err)
	}

	access := models.Access{ServiceKey: service.Key, ServiceName: service.Name}
	user, err := s.store.GetUser(ctx, userID)
	switch {
	case errors.Is(err, models.ErrNotFound):
	case err != nil:
		return models.Access{}, fmt.Errorf("%s: %w", op, err)
	default:
		if exp, ok := user.ExpiresAt(service.Key); ok {
			access.ExpiresAt = exp
			access.Active = exp.After(s.clock())
		}
	}

	creds, err := s.panel.LookupClient(ctx, service.IdentityKey(userID), service.InboundID, service.ServerHost)
	switch {
	case errors.Is(err, models.ErrNotFound):
		if access.ExpiresAt.IsZero() {
			return models.Access{}, fmt.Errorf("%s: no access to %s: %w", op, serviceKey, models.ErrNotFound)
		}
	case err != nil:
		return models.Access{}, fmt.Errorf("%s: %w", op, err)
	default:
		access.UUID = creds.UUID
		access.Link = creds.Link
		if creds.ExpiresAt.After(access.ExpiresAt) {
			access.ExpiresAt = creds.ExpiresAt
		}
		access.Active = creds.ExpiresAt.IsZero() || creds.ExpiresAt.After(s.clock())
	}
	return access, nil
}

// ListReviews возвращает транзакции, ожидающие ручной проверки.
func (s *Service) ListReviews(ctx context.Context, limit int) ([]*models.Transaction, error) {
	const op = "orchestrator.ListReviews"
	txs, err := s.store.ListReviewRequired(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return txs, nil
}
