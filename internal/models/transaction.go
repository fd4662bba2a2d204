package models

import (
	"fmt"
	"time"
)

// TransactionStatus конечное состояние транзакции оплаты.
type TransactionStatus string

// Состояния транзакции: created -> pending_confirmation -> settled | failed | expired.
const (
	StatusCreated             TransactionStatus = "created"
	StatusPendingConfirmation TransactionStatus = "pending_confirmation"
	StatusSettled             TransactionStatus = "settled"
	StatusFailed              TransactionStatus = "failed"
	StatusExpired             TransactionStatus = "expired"
)

// Terminal сообщает, является ли состояние конечным.
func (s TransactionStatus) Terminal() bool {
	return s == StatusSettled || s == StatusFailed || s == StatusExpired
}

// TransactionKind источник транзакции: оплата или бесплатное начисление дней.
type TransactionKind string

// Виды транзакций.
const (
	KindPurchase TransactionKind = "purchase"
	KindTrial    TransactionKind = "trial"
	KindPromo    TransactionKind = "promo"
)

// Grant сообщает, что доступ выдаётся без оплаты.
func (k TransactionKind) Grant() bool {
	return k == KindTrial || k == KindPromo
}

// TrialGrantKey ключ единственного пробного периода пользователя.
func TrialGrantKey(userID int64) string {
	return fmt.Sprintf("trial:%d", userID)
}

// PromoGrantKey ключ активации промокода пользователем. Поколение меняется
// при перевыпуске исчерпанного кода, после чего код можно активировать снова.
func PromoGrantKey(code string, generation int, userID int64) string {
	return fmt.Sprintf("promo:%s:%d:%d", code, generation, userID)
}

// Transaction единица отслеживания пути от оплаты до выдачи доступа.
type Transaction struct {
	ID                string            `json:"id"`
	Kind              TransactionKind   `json:"kind"`
	UserID            int64             `json:"user_id"`
	ServiceKey        string            `json:"service_key"`
	PlanKey           string            `json:"plan_key"`
	Amount            int64             `json:"amount"`
	Currency          string            `json:"currency"`
	Status            TransactionStatus `json:"status"`
	ExternalPaymentID string            `json:"external_payment_id,omitempty"`
	PaymentURL        string            `json:"payment_url,omitempty"`
	GrantKey          string            `json:"grant_key,omitempty"`
	GrantDays         int               `json:"grant_days,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	PendingSince      *time.Time        `json:"pending_since,omitempty"`
	ConfirmedAt       *time.Time        `json:"confirmed_at,omitempty"` // Момент получения подтверждения succeeded
	TargetExpiry      *time.Time        `json:"target_expiry,omitempty"` // Абсолютная дата окончания, вычисляется один раз
	Attempts          int               `json:"attempts"`
	NextAttemptAt     *time.Time        `json:"next_attempt_at,omitempty"`
	LastError         string            `json:"last_error,omitempty"`
	ReviewRequired    bool              `json:"review_required"`
	ReviewReason      string            `json:"review_reason,omitempty"`
	LatePaymentAt     *time.Time        `json:"late_payment_at,omitempty"` // Платёж пришёл после закрытия транзакции
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Entitlement право доступа к сервису, выдаваемое при settle.
type Entitlement struct {
	ServiceKey string
	ExpiresAt  time.Time
}

// EntitlementRecord право доступа пользователя с владельцем.
type EntitlementRecord struct {
	UserID     int64     `json:"user_id"`
	ServiceKey string    `json:"service_key"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// PurchaseRequest запрос фронтенда мессенджера на покупку.
type PurchaseRequest struct {
	UserID     int64  `json:"user_id" validate:"required,gt=0"`
	Username   string `json:"username,omitempty"`
	ServiceKey string `json:"service" validate:"required"`
	PlanKey    string `json:"plan" validate:"required"`
}

// PurchaseResult ответ на успешное создание покупки.
type PurchaseResult struct {
	TransactionID string `json:"transaction_id"`
	PaymentURL    string `json:"payment_url"`
}

// TransactionView снимок транзакции для пользователя без служебных полей.
type TransactionView struct {
	ID          string            `json:"transaction_id"`
	Kind        TransactionKind   `json:"kind"`
	Service     string            `json:"service"`
	Plan        string            `json:"plan"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Status      TransactionStatus `json:"status"`
	PaymentURL  string            `json:"payment_url,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UnderReview bool              `json:"under_review"`
}

// View возвращает пользовательский снимок транзакции.
func (t *Transaction) View() TransactionView {
	return TransactionView{
		ID:          t.ID,
		Kind:        t.Kind,
		Service:     t.ServiceKey,
		Plan:        t.PlanKey,
		Amount:      t.Amount,
		Currency:    t.Currency,
		Status:      t.Status,
		PaymentURL:  t.PaymentURL,
		ExpiresAt:   t.TargetExpiry,
		CreatedAt:   t.CreatedAt,
		UnderReview: t.ReviewRequired,
	}
}
