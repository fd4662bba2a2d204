package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/yookassa"
)

// Результаты покупки для метрик.
const (
	purchaseCreated   = "created"
	purchaseInvalid   = "invalid"
	purchaseForbidden = "forbidden"
	purchaseGateway   = "gateway_error"
	purchaseStore     = "store_error"
)

// InitiatePurchase создаёт транзакцию и ссылку на оплату.
// Ошибки валидации возвращаются до создания какого-либо состояния.
// Если шлюз не выдал ссылку, транзакция сразу переходит в failed.
func (s *Service) InitiatePurchase(ctx context.Context, req models.PurchaseRequest) (models.PurchaseResult, error) {
	const op = "orchestrator.InitiatePurchase"
	log := s.log.With(
		slog.String("op", op),
		slog.Int64("user_id", req.UserID),
		slog.String("service", req.ServiceKey),
		slog.String("plan", req.PlanKey),
	)

	if req.UserID <= 0 || req.ServiceKey == "" || req.PlanKey == "" {
		s.metrics.PurchaseObserved(purchaseInvalid)
		return models.PurchaseResult{}, fmt.Errorf("%s: %w: user, service and plan are required", op, models.ErrValidation)
	}
	service, err := s.catalog.GetService(req.ServiceKey)
	if err != nil {
		s.metrics.PurchaseObserved(purchaseInvalid)
		return models.PurchaseResult{}, fmt.Errorf("%s: %w: %v", op, models.ErrValidation, err)
	}
	plan, err := s.catalog.GetPlan(req.ServiceKey, req.PlanKey)
	if err != nil {
		s.metrics.PurchaseObserved(purchaseInvalid)
		return models.PurchaseResult{}, fmt.Errorf("%s: %w: %v", op, models.ErrValidation, err)
	}
	if plan.AdminOnly && !s.IsAdmin(req.UserID) {
		s.metrics.PurchaseObserved(purchaseForbidden)
		return models.PurchaseResult{}, fmt.Errorf("%s: %s/%s: %w", op, req.ServiceKey, req.PlanKey, models.ErrForbiddenPlan)
	}

	now := s.clock()
	if err := s.store.UpsertUser(ctx, req.UserID, req.Username, now); err != nil {
		s.metrics.PurchaseObserved(purchaseStore)
		return models.PurchaseResult{}, fmt.Errorf("%s: %w", op, err)
	}

	tx := &models.Transaction{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		ServiceKey: service.Key,
		PlanKey:    plan.Key,
		Amount:     plan.Amount,
		Currency:   s.gateway.Currency(),
		CreatedAt:  now,
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		s.metrics.PurchaseObserved(purchaseStore)
		return models.PurchaseResult{}, fmt.Errorf("%s: %w", op, err)
	}
	log = log.With(slog.String("transaction_id", tx.ID))

	label := plan.Label
	if label == "" {
		label = fmt.Sprintf("%d дн.", plan.Days)
	}
	intent, err := s.gateway.CreatePayment(ctx, yookassa.CreatePaymentParams{
		IdempotenceKey: tx.ID,
		Amount:         plan.Amount,
		Description:    fmt.Sprintf("%s, %s", service.Name, label),
		UserID:         req.UserID,
		Metadata: map[string]string{
			"transaction_id": tx.ID,
			"service":        service.Key,
			"plan":           plan.Key,
		},
	})
	if err != nil {
		log.Error("failed to create payment", sl.Err(err))
		s.metrics.PurchaseObserved(purchaseGateway)
		if ferr := s.store.MarkFailed(ctx, tx.ID, models.StatusCreated, "payment link: "+err.Error(), false, s.clock()); ferr != nil {
			log.Error("failed to finalize transaction", sl.Err(ferr))
		}
		if !errors.Is(err, models.ErrGateway) {
			err = fmt.Errorf("%w: %v", models.ErrGateway, err)
		}
		return models.PurchaseResult{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := s.store.MarkPending(ctx, tx.ID, intent.ExternalPaymentID, intent.PaymentURL, s.clock()); err != nil {
		// Транзакция осталась в created и будет закрыта по окну подтверждения.
		log.Error("failed to persist payment id",
			slog.String("payment_id", intent.ExternalPaymentID), sl.Err(err))
		s.metrics.PurchaseObserved(purchaseStore)
		return models.PurchaseResult{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("purchase initiated", slog.String("payment_id", intent.ExternalPaymentID))
	s.metrics.PurchaseObserved(purchaseCreated)
	return models.PurchaseResult{
		TransactionID: tx.ID,
		PaymentURL:    intent.PaymentURL,
	}, nil
}
