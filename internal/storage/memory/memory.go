// Package memory хранилище транзакций в памяти процесса с той же
// семантикой условных переходов, что и PostgreSQL-реализация.
// Используется в тестах и в окружении local.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/storage"
)

// Storage хранит пользователей и транзакции под одним мьютексом.
type Storage struct {
	mu        sync.RWMutex
	users     map[int64]*models.User
	txs       map[string]*models.Transaction
	byPayment map[string]string
	byGrant   map[string]string
	promos    map[string]*models.Promo
	reminders map[models.Reminder]time.Time
}

// New создаёт пустое хранилище.
func New() *Storage {
	return &Storage{
		users:     make(map[int64]*models.User),
		txs:       make(map[string]*models.Transaction),
		byPayment: make(map[string]string),
		byGrant:   make(map[string]string),
		promos:    make(map[string]*models.Promo),
		reminders: make(map[models.Reminder]time.Time),
	}
}

func checkCtx(ctx context.Context, op string) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
		return nil
	}
}

// CheckDatabaseReady всегда готово, пока жив контекст.
func (s *Storage) CheckDatabaseReady(ctx context.Context) error {
	return checkCtx(ctx, "storage.memory.CheckDatabaseReady")
}

func cloneUser(u *models.User) *models.User {
	c := *u
	c.Entitlements = make(map[string]time.Time, len(u.Entitlements))
	for k, v := range u.Entitlements {
		c.Entitlements[k] = v
	}
	return &c
}

// UpsertUser создаёт пользователя или обновляет имя и время последнего обращения.
func (s *Storage) UpsertUser(ctx context.Context, id int64, username string, seenAt time.Time) error {
	const op = "storage.memory.UpsertUser"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		s.users[id] = &models.User{
			ID:           id,
			Username:     username,
			Entitlements: map[string]time.Time{},
			CreatedAt:    seenAt,
			LastSeenAt:   seenAt,
		}
		return nil
	}
	if username != "" {
		u.Username = username
	}
	if seenAt.After(u.LastSeenAt) {
		u.LastSeenAt = seenAt
	}
	return nil
}

// GetUser возвращает пользователя с правами доступа.
func (s *Storage) GetUser(ctx context.Context, id int64) (*models.User, error) {
	const op = "storage.memory.GetUser"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%s: user %d: %w", op, id, models.ErrNotFound)
	}
	return cloneUser(u), nil
}

// CreateTransaction сохраняет новую транзакцию в состоянии created.
func (s *Storage) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	const op = "storage.memory.CreateTransaction"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.txs[tx.ID]; ok {
		return fmt.Errorf("%s: transaction %s already exists: %w", op, tx.ID, models.ErrStatusConflict)
	}
	if _, ok := s.users[tx.UserID]; !ok {
		return fmt.Errorf("%s: user %d: %w", op, tx.UserID, models.ErrNotFound)
	}
	c := storage.CloneTransaction(tx)
	c.Status = models.StatusCreated
	c.Kind = models.KindPurchase
	c.UpdatedAt = c.CreatedAt
	s.txs[c.ID] = c
	return nil
}

// GetTransaction ищет транзакцию по идентификатору.
func (s *Storage) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	const op = "storage.memory.GetTransaction"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, fmt.Errorf("%s: transaction %s: %w", op, id, models.ErrNotFound)
	}
	return storage.CloneTransaction(tx), nil
}

// GetTransactionByPaymentID ищет транзакцию по идентификатору платежа в шлюзе.
func (s *Storage) GetTransactionByPaymentID(ctx context.Context, externalID string) (*models.Transaction, error) {
	const op = "storage.memory.GetTransactionByPaymentID"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPayment[externalID]
	if !ok {
		return nil, fmt.Errorf("%s: payment %s: %w", op, externalID, models.ErrNotFound)
	}
	return storage.CloneTransaction(s.txs[id]), nil
}

// update применяет fn к транзакции, если её статус равен from.
func (s *Storage) update(ctx context.Context, op, id string, from models.TransactionStatus, fn func(tx *models.Transaction) error) error {
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return fmt.Errorf("%s: transaction %s: %w", op, id, models.ErrNotFound)
	}
	if tx.Status != from {
		return fmt.Errorf("%s: transaction %s is %s, want %s: %w", op, id, tx.Status, from, models.ErrStatusConflict)
	}
	next := storage.CloneTransaction(tx)
	if err := fn(next); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.txs[id] = next
	return nil
}

// MarkPending переводит транзакцию created -> pending_confirmation.
func (s *Storage) MarkPending(ctx context.Context, id, externalPaymentID, paymentURL string, at time.Time) error {
	return s.update(ctx, "storage.memory.MarkPending", id, models.StatusCreated, func(tx *models.Transaction) error {
		if other, ok := s.byPayment[externalPaymentID]; ok && other != id {
			return fmt.Errorf("payment %s bound to %s: %w", externalPaymentID, other, models.ErrStatusConflict)
		}
		s.byPayment[externalPaymentID] = id
		tx.Status = models.StatusPendingConfirmation
		tx.ExternalPaymentID = externalPaymentID
		tx.PaymentURL = paymentURL
		tx.PendingSince = storage.TimePtr(at)
		tx.UpdatedAt = at
		return nil
	})
}

// MarkFailed переводит транзакцию из from в failed.
func (s *Storage) MarkFailed(ctx context.Context, id string, from models.TransactionStatus, reason string, review bool, at time.Time) error {
	return s.update(ctx, "storage.memory.MarkFailed", id, from, func(tx *models.Transaction) error {
		tx.Status = models.StatusFailed
		tx.LastError = reason
		tx.NextAttemptAt = nil
		if review {
			tx.ReviewRequired = true
			tx.ReviewReason = reason
		}
		tx.UpdatedAt = at
		return nil
	})
}

// MarkConfirmed фиксирует получение подтверждения оплаты. Повторный вызов
// не меняет первоначальное время подтверждения.
func (s *Storage) MarkConfirmed(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, "storage.memory.MarkConfirmed", id, models.StatusPendingConfirmation, func(tx *models.Transaction) error {
		if tx.ConfirmedAt == nil {
			tx.ConfirmedAt = storage.TimePtr(at)
		}
		if tx.NextAttemptAt == nil {
			tx.NextAttemptAt = storage.TimePtr(at)
		}
		tx.UpdatedAt = at
		return nil
	})
}

// SetTargetExpiry сохраняет целевую дату окончания доступа. Дата задаётся один раз.
func (s *Storage) SetTargetExpiry(ctx context.Context, id string, target time.Time) error {
	return s.update(ctx, "storage.memory.SetTargetExpiry", id, models.StatusPendingConfirmation, func(tx *models.Transaction) error {
		if tx.TargetExpiry != nil {
			return fmt.Errorf("target expiry already set: %w", models.ErrStatusConflict)
		}
		tx.TargetExpiry = storage.TimePtr(target)
		return nil
	})
}

// ScheduleRetry сохраняет число попыток и время следующей.
func (s *Storage) ScheduleRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string, at time.Time) error {
	return s.update(ctx, "storage.memory.ScheduleRetry", id, models.StatusPendingConfirmation, func(tx *models.Transaction) error {
		tx.Attempts = attempts
		tx.NextAttemptAt = storage.TimePtr(next)
		tx.LastError = lastErr
		tx.UpdatedAt = at
		return nil
	})
}

// Settle переводит транзакцию в settled и продлевает права пользователя
// одной операцией. Срок права никогда не уменьшается.
func (s *Storage) Settle(ctx context.Context, id string, entitlements []models.Entitlement, at time.Time) error {
	return s.update(ctx, "storage.memory.Settle", id, models.StatusPendingConfirmation, func(tx *models.Transaction) error {
		u, ok := s.users[tx.UserID]
		if !ok {
			return fmt.Errorf("user %d: %w", tx.UserID, models.ErrNotFound)
		}
		for _, e := range entitlements {
			if cur, ok := u.Entitlements[e.ServiceKey]; !ok || e.ExpiresAt.After(cur) {
				u.Entitlements[e.ServiceKey] = e.ExpiresAt
			}
		}
		tx.Status = models.StatusSettled
		tx.Attempts++
		tx.NextAttemptAt = nil
		tx.LastError = ""
		tx.UpdatedAt = at
		return nil
	})
}

// ExpireStale переводит в expired неподтверждённые транзакции,
// ожидающие дольше before, и возвращает их.
func (s *Storage) ExpireStale(ctx context.Context, before, at time.Time) ([]*models.Transaction, error) {
	const op = "storage.memory.ExpireStale"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Transaction
	for id, tx := range s.txs {
		if tx.Status != models.StatusCreated && tx.Status != models.StatusPendingConfirmation {
			continue
		}
		if tx.ConfirmedAt != nil {
			continue
		}
		since := tx.CreatedAt
		if tx.PendingSince != nil {
			since = *tx.PendingSince
		}
		if !since.Before(before) {
			continue
		}
		next := storage.CloneTransaction(tx)
		next.Status = models.StatusExpired
		next.UpdatedAt = at
		s.txs[id] = next
		out = append(out, storage.CloneTransaction(next))
	}
	sortByCreated(out)
	return out, nil
}

func (s *Storage) list(ctx context.Context, op string, limit int, match func(tx *models.Transaction) bool) ([]*models.Transaction, error) {
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Transaction
	for _, tx := range s.txs {
		if match(tx) {
			out = append(out, storage.CloneTransaction(tx))
		}
	}
	sortByCreated(out)
	if limit = storage.Limit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListDueRetries возвращает подтверждённые транзакции, попытка выдачи которых назначена не позже now.
func (s *Storage) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*models.Transaction, error) {
	return s.list(ctx, "storage.memory.ListDueRetries", limit, func(tx *models.Transaction) bool {
		return tx.Status == models.StatusPendingConfirmation && tx.ConfirmedAt != nil &&
			tx.NextAttemptAt != nil && !tx.NextAttemptAt.After(now)
	})
}

// ListOverdueConfirmed возвращает подтверждённые, но не выданные транзакции,
// ожидающие с момента раньше before.
func (s *Storage) ListOverdueConfirmed(ctx context.Context, before time.Time, limit int) ([]*models.Transaction, error) {
	return s.list(ctx, "storage.memory.ListOverdueConfirmed", limit, func(tx *models.Transaction) bool {
		return tx.Status == models.StatusPendingConfirmation && tx.ConfirmedAt != nil &&
			tx.PendingSince != nil && tx.PendingSince.Before(before)
	})
}

// ListReviewRequired возвращает транзакции, помеченные для ручной проверки.
func (s *Storage) ListReviewRequired(ctx context.Context, limit int) ([]*models.Transaction, error) {
	return s.list(ctx, "storage.memory.ListReviewRequired", limit, func(tx *models.Transaction) bool {
		return tx.ReviewRequired
	})
}

// ListUserTransactions возвращает транзакции пользователя.
func (s *Storage) ListUserTransactions(ctx context.Context, userID int64, limit int) ([]*models.Transaction, error) {
	return s.list(ctx, "storage.memory.ListUserTransactions", limit, func(tx *models.Transaction) bool {
		return tx.UserID == userID
	})
}

func sortByCreated(txs []*models.Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].ID < txs[j].ID
		}
		return txs[i].CreatedAt.Before(txs[j].CreatedAt)
	})
}
