// Package storagetest содержит общий набор проверок для реализаций
// хранилища транзакций: условные переходы, продление прав и выборки.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

// Store методы хранилища, покрываемые проверками.
type Store interface {
	UpsertUser(ctx context.Context, id int64, username string, seenAt time.Time) error
	GetUser(ctx context.Context, id int64) (*models.User, error)
	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	GetTransactionByPaymentID(ctx context.Context, externalID string) (*models.Transaction, error)
	MarkPending(ctx context.Context, id, externalPaymentID, paymentURL string, at time.Time) error
	MarkFailed(ctx context.Context, id string, from models.TransactionStatus, reason string, review bool, at time.Time) error
	MarkConfirmed(ctx context.Context, id string, at time.Time) error
	SetTargetExpiry(ctx context.Context, id string, target time.Time) error
	ScheduleRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string, at time.Time) error
	Settle(ctx context.Context, id string, entitlements []models.Entitlement, at time.Time) error
	ExpireStale(ctx context.Context, before, at time.Time) ([]*models.Transaction, error)
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*models.Transaction, error)
	ListOverdueConfirmed(ctx context.Context, before time.Time, limit int) ([]*models.Transaction, error)
	ListReviewRequired(ctx context.Context, limit int) ([]*models.Transaction, error)
	ListUserTransactions(ctx context.Context, userID int64, limit int) ([]*models.Transaction, error)
	FlagLatePayment(ctx context.Context, id, reason string, at time.Time) (bool, error)
	CreateGrant(ctx context.Context, tx *models.Transaction) error
	RedeemPromo(ctx context.Context, code string, tx *models.Transaction) error
	SavePromo(ctx context.Context, p models.Promo, at time.Time) (*models.Promo, error)
	ListPromos(ctx context.Context, limit int) ([]*models.Promo, error)
	ListExpiringEntitlements(ctx context.Context, from, to time.Time, limit int) ([]models.EntitlementRecord, error)
	ReminderSent(ctx context.Context, r models.Reminder) (bool, error)
	MarkReminderSent(ctx context.Context, r models.Reminder, at time.Time) error
}

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Run запускает все проверки. newStore должен возвращать пустое хранилище.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("lifecycle", func(t *testing.T) { testLifecycle(t, newStore(t)) })
	t.Run("conditional transitions", func(t *testing.T) { testConditional(t, newStore(t)) })
	t.Run("settle never shortens", func(t *testing.T) { testSettleMonotonic(t, newStore(t)) })
	t.Run("expire stale", func(t *testing.T) { testExpireStale(t, newStore(t)) })
	t.Run("retry listings", func(t *testing.T) { testListings(t, newStore(t)) })
	t.Run("concurrent settle", func(t *testing.T) { testConcurrentSettle(t, newStore(t)) })
	t.Run("late payment", func(t *testing.T) { testLatePayment(t, newStore(t)) })
	t.Run("grants", func(t *testing.T) { testGrants(t, newStore(t)) })
	t.Run("promos", func(t *testing.T) { testPromos(t, newStore(t)) })
	t.Run("reminders", func(t *testing.T) { testReminders(t, newStore(t)) })
	t.Run("canceled context", func(t *testing.T) { testCanceled(t, newStore(t)) })
}

func newTx(userID int64, createdAt time.Time) *models.Transaction {
	return &models.Transaction{
		ID:         uuid.NewString(),
		UserID:     userID,
		ServiceKey: "standard",
		PlanKey:    "1m",
		Amount:     15000,
		Currency:   "RUB",
		CreatedAt:  createdAt,
	}
}

func seed(t *testing.T, s Store, userID int64, createdAt time.Time) *models.Transaction {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertUser(ctx, userID, "user", createdAt))
	tx := newTx(userID, createdAt)
	require.NoError(t, s.CreateTransaction(ctx, tx))
	return tx
}

func testUsers(t *testing.T, s Store) {
	ctx := context.Background()

	require.NoError(t, s.UpsertUser(ctx, 10, "alice", base))
	require.NoError(t, s.UpsertUser(ctx, 10, "", base.Add(time.Hour)))
	require.NoError(t, s.UpsertUser(ctx, 10, "", base.Add(-time.Hour)))

	u, err := s.GetUser(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.True(t, u.LastSeenAt.Equal(base.Add(time.Hour)))
	assert.Empty(t, u.Entitlements)

	_, err = s.GetUser(ctx, 11)
	assert.ErrorIs(t, err, models.ErrNotFound)

	err = s.CreateTransaction(ctx, newTx(11, base))
	assert.Error(t, err)
}

func testLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	tx := seed(t, s, 1, base)

	got, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCreated, got.Status)
	assert.Nil(t, got.PendingSince)

	require.NoError(t, s.MarkPending(ctx, tx.ID, "pay-1", "https://pay/1", base.Add(time.Second)))
	got, err = s.GetTransactionByPaymentID(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)
	assert.Equal(t, models.StatusPendingConfirmation, got.Status)
	assert.Equal(t, "https://pay/1", got.PaymentURL)
	require.NotNil(t, got.PendingSince)

	confirmedAt := base.Add(time.Minute)
	require.NoError(t, s.MarkConfirmed(ctx, tx.ID, confirmedAt))
	require.NoError(t, s.MarkConfirmed(ctx, tx.ID, confirmedAt.Add(time.Hour)))
	got, err = s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ConfirmedAt)
	assert.True(t, got.ConfirmedAt.Equal(confirmedAt), "confirmed_at is written once")
	require.NotNil(t, got.NextAttemptAt)

	target := base.Add(30 * 24 * time.Hour)
	require.NoError(t, s.SetTargetExpiry(ctx, tx.ID, target))
	err = s.SetTargetExpiry(ctx, tx.ID, target.Add(time.Hour))
	assert.ErrorIs(t, err, models.ErrStatusConflict)

	next := base.Add(2 * time.Minute)
	require.NoError(t, s.ScheduleRetry(ctx, tx.ID, 1, next, "panel unreachable", base.Add(time.Minute)))
	got, err = s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "panel unreachable", got.LastError)
	require.NotNil(t, got.TargetExpiry)
	assert.True(t, got.TargetExpiry.Equal(target))

	require.NoError(t, s.Settle(ctx, tx.ID, []models.Entitlement{{ServiceKey: "standard", ExpiresAt: target}}, next))
	got, err = s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSettled, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Nil(t, got.NextAttemptAt)
	assert.Empty(t, got.LastError)

	u, err := s.GetUser(ctx, 1)
	require.NoError(t, err)
	exp, ok := u.ExpiresAt("standard")
	require.True(t, ok)
	assert.True(t, exp.Equal(target))

	txs, err := s.ListUserTransactions(ctx, 1, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func testConditional(t *testing.T, s Store) {
	ctx := context.Background()
	tx := seed(t, s, 2, base)

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{
			name: "confirm before pending",
			call: func() error { return s.MarkConfirmed(ctx, tx.ID, base) },
			want: models.ErrStatusConflict,
		},
		{
			name: "settle before pending",
			call: func() error { return s.Settle(ctx, tx.ID, nil, base) },
			want: models.ErrStatusConflict,
		},
		{
			name: "fail from wrong state",
			call: func() error {
				return s.MarkFailed(ctx, tx.ID, models.StatusPendingConfirmation, "x", false, base)
			},
			want: models.ErrStatusConflict,
		},
		{
			name: "unknown transaction",
			call: func() error { return s.MarkPending(ctx, uuid.NewString(), "pay-x", "", base) },
			want: models.ErrNotFound,
		},
		{
			name: "malformed id",
			call: func() error { return s.MarkConfirmed(ctx, "not-a-uuid", base) },
			want: models.ErrNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), tt.want)
		})
	}

	_, err := s.GetTransaction(ctx, uuid.NewString())
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.GetTransactionByPaymentID(ctx, "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, s.MarkPending(ctx, tx.ID, "pay-2", "", base))
	err = s.MarkPending(ctx, tx.ID, "pay-2", "", base)
	assert.ErrorIs(t, err, models.ErrStatusConflict, "second pending transition must lose")

	other := seed(t, s, 2, base)
	err = s.MarkPending(ctx, other.ID, "pay-2", "", base)
	assert.ErrorIs(t, err, models.ErrStatusConflict, "payment id is unique")

	require.NoError(t, s.MarkFailed(ctx, tx.ID, models.StatusPendingConfirmation, "amount mismatch", true, base))
	err = s.Settle(ctx, tx.ID, nil, base)
	assert.ErrorIs(t, err, models.ErrStatusConflict, "terminal state is immutable")

	reviews, err := s.ListReviewRequired(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, tx.ID, reviews[0].ID)
	assert.Equal(t, "amount mismatch", reviews[0].ReviewReason)
	assert.Equal(t, models.StatusFailed, reviews[0].Status)
}

func testSettleMonotonic(t *testing.T, s Store) {
	ctx := context.Background()
	later := base.Add(60 * 24 * time.Hour)
	earlier := base.Add(30 * 24 * time.Hour)

	first := seed(t, s, 3, base)
	require.NoError(t, s.MarkPending(ctx, first.ID, "pay-3a", "", base))
	require.NoError(t, s.Settle(ctx, first.ID, []models.Entitlement{{ServiceKey: "standard", ExpiresAt: later}}, base))

	second := seed(t, s, 3, base.Add(time.Second))
	require.NoError(t, s.MarkPending(ctx, second.ID, "pay-3b", "", base))
	require.NoError(t, s.Settle(ctx, second.ID, []models.Entitlement{
		{ServiceKey: "standard", ExpiresAt: earlier},
		{ServiceKey: "standard_vm", ExpiresAt: earlier},
	}, base))

	u, err := s.GetUser(ctx, 3)
	require.NoError(t, err)
	exp, _ := u.ExpiresAt("standard")
	assert.True(t, exp.Equal(later), "entitlement must never shrink")
	vm, ok := u.ExpiresAt("standard_vm")
	require.True(t, ok)
	assert.True(t, vm.Equal(earlier))
}

func testExpireStale(t *testing.T, s Store) {
	ctx := context.Background()
	window := 24 * time.Hour

	stale := seed(t, s, 4, base)
	require.NoError(t, s.MarkPending(ctx, stale.ID, "pay-4a", "", base))

	staleCreated := seed(t, s, 4, base.Add(time.Second))

	fresh := seed(t, s, 4, base.Add(23*time.Hour))
	require.NoError(t, s.MarkPending(ctx, fresh.ID, "pay-4b", "", base.Add(23*time.Hour)))

	confirmed := seed(t, s, 4, base.Add(2*time.Second))
	require.NoError(t, s.MarkPending(ctx, confirmed.ID, "pay-4c", "", base))
	require.NoError(t, s.MarkConfirmed(ctx, confirmed.ID, base.Add(time.Minute)))

	now := base.Add(window + time.Hour)
	expired, err := s.ExpireStale(ctx, now.Add(-window), now)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Equal(t, stale.ID, expired[0].ID)
	assert.Equal(t, staleCreated.ID, expired[1].ID)
	for _, tx := range expired {
		assert.Equal(t, models.StatusExpired, tx.Status)
	}

	again, err := s.ExpireStale(ctx, now.Add(-window), now)
	require.NoError(t, err)
	assert.Empty(t, again)

	got, err := s.GetTransaction(ctx, confirmed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingConfirmation, got.Status, "confirmed transaction is never expired")

	err = s.MarkConfirmed(ctx, stale.ID, now)
	assert.ErrorIs(t, err, models.ErrStatusConflict)
}

func testListings(t *testing.T, s Store) {
	ctx := context.Background()

	due := seed(t, s, 5, base)
	require.NoError(t, s.MarkPending(ctx, due.ID, "pay-5a", "", base))
	require.NoError(t, s.MarkConfirmed(ctx, due.ID, base.Add(time.Minute)))

	later := seed(t, s, 5, base.Add(time.Second))
	require.NoError(t, s.MarkPending(ctx, later.ID, "pay-5b", "", base.Add(time.Hour)))
	require.NoError(t, s.MarkConfirmed(ctx, later.ID, base.Add(time.Hour)))
	require.NoError(t, s.ScheduleRetry(ctx, later.ID, 1, base.Add(3*time.Hour), "down", base.Add(time.Hour)))

	unconfirmed := seed(t, s, 5, base.Add(2*time.Second))
	require.NoError(t, s.MarkPending(ctx, unconfirmed.ID, "pay-5c", "", base))

	list, err := s.ListDueRetries(ctx, base.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, due.ID, list[0].ID)

	list, err = s.ListDueRetries(ctx, base.Add(4*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = s.ListDueRetries(ctx, base.Add(4*time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = s.ListOverdueConfirmed(ctx, base.Add(30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, due.ID, list[0].ID)
}

func testConcurrentSettle(t *testing.T, s Store) {
	ctx := context.Background()
	tx := seed(t, s, 6, base)
	require.NoError(t, s.MarkPending(ctx, tx.ID, "pay-6", "", base))

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Settle(ctx, tx.ID, []models.Entitlement{{ServiceKey: "standard", ExpiresAt: base.Add(time.Hour)}}, base)
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, models.ErrStatusConflict)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, success)

	got, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
}

func testLatePayment(t *testing.T, s Store) {
	ctx := context.Background()
	tx := seed(t, s, 8, base)
	require.NoError(t, s.MarkPending(ctx, tx.ID, "pay-8", "", base))

	_, err := s.FlagLatePayment(ctx, tx.ID, "late", base)
	assert.ErrorIs(t, err, models.ErrStatusConflict, "open transaction is not flagged")

	_, err = s.ExpireStale(ctx, base.Add(time.Hour), base.Add(time.Hour))
	require.NoError(t, err)

	at := base.Add(2 * time.Hour)
	flagged, err := s.FlagLatePayment(ctx, tx.ID, "payment captured after expiry", at)
	require.NoError(t, err)
	assert.True(t, flagged)

	flagged, err = s.FlagLatePayment(ctx, tx.ID, "again", at.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, flagged, "second flag is a no-op")

	got, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status, "status stays terminal")
	assert.True(t, got.ReviewRequired)
	assert.Equal(t, "payment captured after expiry", got.ReviewReason)
	require.NotNil(t, got.LatePaymentAt)
	assert.True(t, got.LatePaymentAt.Equal(at))

	reviews, err := s.ListReviewRequired(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, tx.ID, reviews[0].ID)

	_, err = s.FlagLatePayment(ctx, uuid.NewString(), "x", at)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func newGrant(userID int64, kind models.TransactionKind, key string, days int) *models.Transaction {
	return &models.Transaction{
		ID:         uuid.NewString(),
		Kind:       kind,
		UserID:     userID,
		ServiceKey: "standard",
		PlanKey:    string(kind),
		Currency:   "RUB",
		GrantKey:   key,
		GrantDays:  days,
		CreatedAt:  base,
	}
}

func testGrants(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertUser(ctx, 9, "", base))

	trial := newGrant(9, models.KindTrial, models.TrialGrantKey(9), 3)
	require.NoError(t, s.CreateGrant(ctx, trial))

	got, err := s.GetTransaction(ctx, trial.ID)
	require.NoError(t, err)
	assert.Equal(t, models.KindTrial, got.Kind)
	assert.Equal(t, models.StatusPendingConfirmation, got.Status)
	assert.Equal(t, 3, got.GrantDays)
	assert.Zero(t, got.Amount)
	require.NotNil(t, got.ConfirmedAt)
	assert.True(t, got.ConfirmedAt.Equal(base))

	due, err := s.ListDueRetries(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, due, 1, "grant is picked up by retries")
	assert.Equal(t, trial.ID, due[0].ID)

	err = s.CreateGrant(ctx, newGrant(9, models.KindTrial, models.TrialGrantKey(9), 3))
	assert.ErrorIs(t, err, models.ErrAlreadyGranted)

	err = s.CreateGrant(ctx, newGrant(99, models.KindTrial, models.TrialGrantKey(99), 3))
	assert.ErrorIs(t, err, models.ErrNotFound)

	expired, err := s.ExpireStale(ctx, base.Add(48*time.Hour), base.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, expired, "confirmed grant never expires as unpaid")

	purchase := seed(t, s, 9, base)
	got, err = s.GetTransaction(ctx, purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, models.KindPurchase, got.Kind)
}

func testPromos(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertUser(ctx, 20, "", base))
	require.NoError(t, s.UpsertUser(ctx, 21, "", base))

	p, err := s.SavePromo(ctx, models.Promo{Code: "SPRING", Days: 7, MaxUses: 1}, base)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Generation)

	_, err = s.SavePromo(ctx, models.Promo{Code: "SPRING", Days: 14, MaxUses: 5}, base)
	assert.ErrorIs(t, err, models.ErrAlreadyExists, "active promo is not reissued")

	err = s.RedeemPromo(ctx, "NOPE", newGrant(20, models.KindPromo, "", 0))
	assert.ErrorIs(t, err, models.ErrNotFound)

	first := newGrant(20, models.KindPromo, "", 0)
	require.NoError(t, s.RedeemPromo(ctx, "SPRING", first))
	assert.Equal(t, 7, first.GrantDays)
	assert.Equal(t, models.PromoGrantKey("SPRING", 0, 20), first.GrantKey)

	err = s.RedeemPromo(ctx, "SPRING", newGrant(21, models.KindPromo, "", 0))
	assert.ErrorIs(t, err, models.ErrPromoExhausted)

	p, err = s.SavePromo(ctx, models.Promo{Code: "SPRING", Days: 3, MaxUses: 2}, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, p.Generation)
	assert.Zero(t, p.UsedCount)

	again := newGrant(20, models.KindPromo, "", 0)
	require.NoError(t, s.RedeemPromo(ctx, "SPRING", again), "reissued code can be redeemed again")
	assert.Equal(t, 3, again.GrantDays)

	err = s.RedeemPromo(ctx, "SPRING", newGrant(20, models.KindPromo, "", 0))
	assert.ErrorIs(t, err, models.ErrAlreadyGranted, "one redemption per user and generation")

	promos, err := s.ListPromos(ctx, 10)
	require.NoError(t, err)
	require.Len(t, promos, 1)
	assert.Equal(t, 1, promos[0].UsedCount, "failed redemption does not consume a use")
	assert.Equal(t, 2, promos[0].MaxUses)
}

func testReminders(t *testing.T, s Store) {
	ctx := context.Background()
	soon := base.Add(2 * 24 * time.Hour)
	far := base.Add(10 * 24 * time.Hour)

	for i, exp := range []time.Time{soon, far} {
		tx := seed(t, s, 30+int64(i), base)
		require.NoError(t, s.MarkPending(ctx, tx.ID, "pay-r"+tx.ID, "", base))
		require.NoError(t, s.Settle(ctx, tx.ID, []models.Entitlement{{ServiceKey: "standard", ExpiresAt: exp}}, base))
	}

	list, err := s.ListExpiringEntitlements(ctx, base, base.Add(3*24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(30), list[0].UserID)
	assert.Equal(t, "standard", list[0].ServiceKey)
	assert.True(t, list[0].ExpiresAt.Equal(soon))

	r := models.Reminder{UserID: 30, ExpiresAt: soon, Kind: models.ReminderSoon}
	sent, err := s.ReminderSent(ctx, r)
	require.NoError(t, err)
	assert.False(t, sent)

	require.NoError(t, s.MarkReminderSent(ctx, r, base))
	require.NoError(t, s.MarkReminderSent(ctx, r, base.Add(time.Hour)))
	sent, err = s.ReminderSent(ctx, r)
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = s.ReminderSent(ctx, models.Reminder{UserID: 30, ExpiresAt: soon, Kind: models.ReminderExpired})
	require.NoError(t, err)
	assert.False(t, sent, "kinds are tracked separately")

	sent, err = s.ReminderSent(ctx, models.Reminder{UserID: 30, ExpiresAt: far, Kind: models.ReminderSoon})
	require.NoError(t, err)
	assert.False(t, sent, "renewed expiry gets its own reminder")
}

func testCanceled(t *testing.T, s Store) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.UpsertUser(ctx, 7, "", base)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.ListReviewRequired(ctx, 10)
	assert.ErrorIs(t, err, context.Canceled)
}
