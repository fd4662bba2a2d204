// Package orchestrator связывает намерение покупки пользователя с выдачей
// доступа на VPN-панели. Подтверждения оплаты применяются ровно один раз:
// каждый переход состояния транзакции выполняется под блокировкой платежа
// условным обновлением в хранилище.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/retry"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/tariffs"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/yookassa"
)

// Store хранилище пользователей и транзакций.
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

// Panel адаптер VPN-панели.
type Panel interface {
	EnsureClient(ctx context.Context, req models.ProvisionRequest) (models.ClientCredentials, error)
	LookupClient(ctx context.Context, identityKey string, inboundID int, serverHost string) (models.ClientCredentials, error)
}

// Gateway адаптер платёжного шлюза.
type Gateway interface {
	CreatePayment(ctx context.Context, p yookassa.CreatePaymentParams) (models.PaymentIntent, error)
	GetPayment(ctx context.Context, paymentID string) (models.ConfirmationEvent, error)
	Currency() string
}

// Locker сериализует переходы состояния одной транзакции.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Notifier доставляет уведомления пользователям и администраторам.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// Metrics принимает результаты операций оркестратора.
type Metrics interface {
	PurchaseObserved(outcome string)
	ConfirmationObserved(outcome string)
	SweepObserved(expired, failed int)
	ReviewFlagged(reason string)
	GrantObserved(kind, outcome string)
	RemindersSent(kind string, n int)
}

// Deps внешние зависимости оркестратора.
type Deps struct {
	Catalog  *tariffs.Catalog
	Store    Store
	Panel    Panel
	Gateway  Gateway
	Locker   Locker
	Notifier Notifier
	Metrics  Metrics
}

// Trial параметры пробного периода.
type Trial struct {
	Enabled    bool
	ServiceKey string // Пусто: первый сервис каталога
	Days       int
}

// Settings параметры машины состояний.
type Settings struct {
	ConfirmationWindow time.Duration
	Retry              retry.Policy
	AdminIDs           []int64
	BatchSize          int
	AttemptTimeout     time.Duration // Предел одной попытки выдачи, меньше TTL блокировки
	ReminderLead       time.Duration
	Trial              Trial
}

// Option настраивает Service.
type Option func(*Service)

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service реализует машину состояний транзакций.
type Service struct {
	log      *slog.Logger
	catalog  *tariffs.Catalog
	store    Store
	panel    Panel
	gateway  Gateway
	locker   Locker
	notifier Notifier
	metrics  Metrics
	window   time.Duration
	policy   retry.Policy
	admins   map[int64]struct{}
	batch    int
	attempt  time.Duration
	lead     time.Duration
	trial    Trial
	now      func() time.Time
}

// New создаёт оркестратор.
func New(log *slog.Logger, deps Deps, settings Settings, opts ...Option) *Service {
	s := &Service{
		log:      log,
		catalog:  deps.Catalog,
		store:    deps.Store,
		panel:    deps.Panel,
		gateway:  deps.Gateway,
		locker:   deps.Locker,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		window:   settings.ConfirmationWindow,
		policy:   settings.Retry,
		admins:   make(map[int64]struct{}, len(settings.AdminIDs)),
		batch:    settings.BatchSize,
		attempt:  settings.AttemptTimeout,
		lead:     settings.ReminderLead,
		trial:    settings.Trial,
		now:      time.Now,
	}
	for _, id := range settings.AdminIDs {
		s.admins[id] = struct{}{}
	}
	if s.window <= 0 {
		s.window = 24 * time.Hour
	}
	if s.batch <= 0 {
		s.batch = 100
	}
	if s.attempt <= 0 {
		s.attempt = 20 * time.Second
	}
	if s.lead <= 0 {
		s.lead = 72 * time.Hour
	}
	if s.trial.Days <= 0 {
		s.trial.Days = 3
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsAdmin сообщает, является ли пользователь администратором.
func (s *Service) IsAdmin(userID int64) bool {
	_, ok := s.admins[userID]
	return ok
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func paymentLockKey(externalID string) string {
	return "payment:" + externalID
}

// lockKey ключ блокировки транзакции: оплата сериализуется по платежу,
// бесплатное начисление по своему идентификатору.
func lockKey(tx *models.Transaction) string {
	if tx.ExternalPaymentID != "" {
		return paymentLockKey(tx.ExternalPaymentID)
	}
	return "grant:" + tx.ID
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, models.Notification) error { return nil }

type nopMetrics struct{}

func (nopMetrics) PurchaseObserved(string)      {}
func (nopMetrics) ConfirmationObserved(string)  {}
func (nopMetrics) SweepObserved(int, int)       {}
func (nopMetrics) ReviewFlagged(string)         {}
func (nopMetrics) GrantObserved(string, string) {}
func (nopMetrics) RemindersSent(string, int)    {}
