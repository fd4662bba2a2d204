package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

// GrantResult итог бесплатного начисления дней.
type GrantResult struct {
	Transaction *models.Transaction
	Outcome     Outcome
}

// TrialAvailable сообщает, может ли пользователь получить пробный период:
// у него нет ни одного права доступа и клиента на панели.
func (s *Service) TrialAvailable(ctx context.Context, userID int64) (bool, error) {
	const op = "orchestrator.TrialAvailable"
	if !s.trial.Enabled {
		return false, nil
	}
	service, err := s.trialService()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	user, err := s.store.GetUser(ctx, userID)
	switch {
	case errors.Is(err, models.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("%s: %w", op, err)
	case len(user.Entitlements) > 0:
		return false, nil
	}

	_, err = s.panel.LookupClient(ctx, service.IdentityKey(userID), service.InboundID, service.ServerHost)
	switch {
	case errors.Is(err, models.ErrNotFound):
		return true, nil
	case err != nil:
		return false, fmt.Errorf("%s: %w", op, err)
	default:
		return false, nil
	}
}

// GrantTrial выдаёт пробный период один раз на пользователя.
func (s *Service) GrantTrial(ctx context.Context, req models.TrialRequest) (GrantResult, error) {
	const op = "orchestrator.GrantTrial"
	if req.UserID <= 0 {
		return GrantResult{}, fmt.Errorf("%s: %w: user is required", op, models.ErrValidation)
	}
	ok, err := s.TrialAvailable(ctx, req.UserID)
	if err != nil {
		return GrantResult{}, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		s.metrics.GrantObserved(string(models.KindTrial), "unavailable")
		return GrantResult{}, fmt.Errorf("%s: user %d: %w", op, req.UserID, models.ErrTrialUnavailable)
	}
	service, err := s.trialService()
	if err != nil {
		return GrantResult{}, fmt.Errorf("%s: %w", op, err)
	}

	now := s.clock()
	if err := s.store.UpsertUser(ctx, req.UserID, req.Username, now); err != nil {
		return GrantResult{}, fmt.Errorf("%s: %w", op, err)
	}
	tx := s.newGrant(req.UserID, models.KindTrial, service.Key)
	tx.GrantKey = models.TrialGrantKey(req.UserID)
	tx.GrantDays = s.trial.Days
	if err := s.store.CreateGrant(ctx, tx); err != nil {
		if errors.Is(err, models.ErrAlreadyGranted) {
			s.metrics.GrantObserved(string(models.KindTrial), "already_granted")
			err = fmt.Errorf("%w: %v", models.ErrTrialUnavailable, err)
		}
		return GrantResult{}, fmt.Errorf("%s: %w", op, err)
	}
	res, err := s.runGrant(ctx, tx)
	if err != nil {
		return GrantResult{}, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

// RedeemPromo активирует промокод на сервисе по умолчанию.
func (s *Service) RedeemPromo(ctx context.Context, req models.RedeemRequest) (GrantResult, error) {
	const op = "orchestrator.RedeemPromo"
	code := normalizeCode(req.Code)
	if req.UserID <= 0 || code == "" {
		return GrantResult{}, fmt.Errorf("%s: %w: user and code are required", op, models.ErrValidation)
	}
	service, err := s.trialService()
	if err != nil {
		return GrantResult{}, fmt.Errorf("%s: %w", op, err)
	}

	now := s.clock()
	if err := s.store.UpsertUser(ctx, req.UserID, req.Username, now); err != nil {
		return GrantResult{}, fmt.Errorf("%s: %w", op, err)
	}
	tx := s.newGrant(req.UserID, models.KindPromo, service.Key)
	if err := s.store.RedeemPromo(ctx, code, tx); err != nil {
		s.metrics.GrantObserved(string(models.KindPromo), grantRefusal(err))
		return GrantResult{}, fmt.Errorf("%s: %w", op, err)
	}
	res, err := s.runGrant(ctx, tx)
	if err != nil {
		return GrantResult{}, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

// CreatePromo выпускает промокод. Исчерпанный код можно выпустить заново.
func (s *Service) CreatePromo(ctx context.Context, req models.PromoRequest) (*models.Promo, error) {
	const op = "orchestrator.CreatePromo"
	code := normalizeCode(req.Code)
	if code == "" || req.Days <= 0 || req.MaxUses <= 0 {
		return nil, fmt.Errorf("%s: %w: code, days and max_uses are required", op, models.ErrValidation)
	}
	p, err := s.store.SavePromo(ctx, models.Promo{Code: code, Days: req.Days, MaxUses: req.MaxUses}, s.clock())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.log.Info("promo issued",
		slog.String("op", op),
		slog.String("code", p.Code),
		slog.Int("days", p.Days),
		slog.Int("max_uses", p.MaxUses),
		slog.Int("generation", p.Generation))
	return p, nil
}

// ListPromos возвращает выпущенные промокоды.
func (s *Service) ListPromos(ctx context.Context, limit int) ([]*models.Promo, error) {
	const op = "orchestrator.ListPromos"
	promos, err := s.store.ListPromos(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return promos, nil
}

func (s *Service) newGrant(userID int64, kind models.TransactionKind, serviceKey string) *models.Transaction {
	return &models.Transaction{
		ID:         uuid.NewString(),
		Kind:       kind,
		UserID:     userID,
		ServiceKey: serviceKey,
		PlanKey:    string(kind),
		Currency:   s.gateway.Currency(),
		CreatedAt:  s.clock(),
	}
}

// runGrant выполняет первую попытку выдачи под блокировкой начисления.
// Если панель недоступна, начисление остаётся в очереди повторов.
func (s *Service) runGrant(ctx context.Context, tx *models.Transaction) (GrantResult, error) {
	log := s.log.With(
		slog.String("op", "orchestrator.runGrant"),
		slog.String("transaction_id", tx.ID),
		slog.String("kind", string(tx.Kind)),
		slog.Int64("user_id", tx.UserID),
		slog.Int("days", tx.GrantDays),
	)
	unlock, err := s.locker.Lock(ctx, lockKey(tx))
	if err != nil {
		return GrantResult{}, err
	}
	defer unlock()

	current, err := s.store.GetTransaction(ctx, tx.ID)
	if err != nil {
		return GrantResult{}, err
	}
	log.Info("grant created")
	outcome, err := s.provision(ctx, log, current)
	if err != nil {
		return GrantResult{}, err
	}
	s.metrics.GrantObserved(string(tx.Kind), string(outcome))

	current, err = s.store.GetTransaction(ctx, tx.ID)
	if err != nil {
		return GrantResult{}, err
	}
	return GrantResult{Transaction: current, Outcome: outcome}, nil
}

// trialService сервис для пробного периода и промокодов.
func (s *Service) trialService() (models.Service, error) {
	if s.trial.ServiceKey != "" {
		return s.catalog.GetService(s.trial.ServiceKey)
	}
	services := s.catalog.ListServices(true)
	if len(services) == 0 {
		return models.Service{}, fmt.Errorf("empty catalog: %w", models.ErrNotFound)
	}
	return services[0], nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func grantRefusal(err error) string {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrPromoExhausted):
		return "exhausted"
	case errors.Is(err, models.ErrAlreadyGranted):
		return "already_granted"
	default:
		return "store_error"
	}
}
