package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/storage"
)

// FlagLatePayment помечает закрытую транзакцию, по которой всё же прошла оплата.
// Статус не меняется. Возвращает false, если пометка уже стоит.
func (s *Storage) FlagLatePayment(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	const op = "storage.memory.FlagLatePayment"
	if err := checkCtx(ctx, op); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[id]
	if !ok {
		return false, fmt.Errorf("%s: transaction %s: %w", op, id, models.ErrNotFound)
	}
	if tx.Status != models.StatusFailed && tx.Status != models.StatusExpired {
		return false, fmt.Errorf("%s: transaction %s is %s: %w", op, id, tx.Status, models.ErrStatusConflict)
	}
	if tx.LatePaymentAt != nil {
		return false, nil
	}
	next := storage.CloneTransaction(tx)
	next.LatePaymentAt = storage.TimePtr(at)
	next.ReviewRequired = true
	next.ReviewReason = reason
	next.UpdatedAt = at
	s.txs[id] = next
	return true, nil
}

// CreateGrant сохраняет бесплатное начисление сразу подтверждённым:
// выдача идёт тем же путём, что и оплаченная покупка.
func (s *Storage) CreateGrant(ctx context.Context, tx *models.Transaction) error {
	const op = "storage.memory.CreateGrant"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.insertGrant(tx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) insertGrant(tx *models.Transaction) error {
	if _, ok := s.txs[tx.ID]; ok {
		return fmt.Errorf("transaction %s already exists: %w", tx.ID, models.ErrStatusConflict)
	}
	if _, ok := s.users[tx.UserID]; !ok {
		return fmt.Errorf("user %d: %w", tx.UserID, models.ErrNotFound)
	}
	if tx.GrantKey == "" || tx.GrantDays <= 0 {
		return fmt.Errorf("grant needs key and days: %w", models.ErrValidation)
	}
	if _, ok := s.byGrant[tx.GrantKey]; ok {
		return fmt.Errorf("grant %s: %w", tx.GrantKey, models.ErrAlreadyGranted)
	}
	c := storage.CloneTransaction(tx)
	c.Status = models.StatusPendingConfirmation
	c.PendingSince = storage.TimePtr(c.CreatedAt)
	c.ConfirmedAt = storage.TimePtr(c.CreatedAt)
	c.NextAttemptAt = storage.TimePtr(c.CreatedAt)
	c.UpdatedAt = c.CreatedAt
	s.txs[c.ID] = c
	s.byGrant[c.GrantKey] = c.ID
	return nil
}

// RedeemPromo расходует одну активацию промокода и создаёт начисление
// на число дней промокода. Дни и ключ начисления заполняются в tx.
func (s *Storage) RedeemPromo(ctx context.Context, code string, tx *models.Transaction) error {
	const op = "storage.memory.RedeemPromo"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.promos[code]
	if !ok {
		return fmt.Errorf("%s: promo %s: %w", op, code, models.ErrNotFound)
	}
	if p.Exhausted() {
		return fmt.Errorf("%s: promo %s: %w", op, code, models.ErrPromoExhausted)
	}
	tx.GrantDays = p.Days
	tx.GrantKey = models.PromoGrantKey(p.Code, p.Generation, tx.UserID)
	if err := s.insertGrant(tx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	p.UsedCount++
	p.UpdatedAt = tx.CreatedAt
	return nil
}

// SavePromo выпускает промокод. Исчерпанный код перевыпускается с новым
// поколением, действующий код повторно не выпускается.
func (s *Storage) SavePromo(ctx context.Context, p models.Promo, at time.Time) (*models.Promo, error) {
	const op = "storage.memory.SavePromo"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.promos[p.Code]
	switch {
	case !ok:
		cur = &models.Promo{Code: p.Code, CreatedAt: at}
		s.promos[p.Code] = cur
	case !cur.Exhausted():
		return nil, fmt.Errorf("%s: promo %s: %w", op, p.Code, models.ErrAlreadyExists)
	default:
		cur.Generation++
	}
	cur.Days = p.Days
	cur.MaxUses = p.MaxUses
	cur.UsedCount = 0
	cur.UpdatedAt = at
	out := *cur
	return &out, nil
}

// ListPromos возвращает промокоды в порядке выпуска.
func (s *Storage) ListPromos(ctx context.Context, limit int) ([]*models.Promo, error) {
	const op = "storage.memory.ListPromos"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Promo, 0, len(s.promos))
	for _, p := range s.promos {
		c := *p
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Code < out[j].Code
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if n := storage.Limit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}
