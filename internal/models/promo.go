package models

import "time"

// Promo промокод на бесплатные дни доступа.
type Promo struct {
	Code       string    `json:"code"`
	Days       int       `json:"days"`
	MaxUses    int       `json:"max_uses"`
	UsedCount  int       `json:"used_count"`
	Generation int       `json:"generation"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Exhausted сообщает, что активаций не осталось.
func (p *Promo) Exhausted() bool {
	return p.UsedCount >= p.MaxUses
}

// PromoRequest запрос администратора на выпуск промокода.
type PromoRequest struct {
	Code    string `json:"code" validate:"required,max=64"`
	Days    int    `json:"days" validate:"required,gt=0,lte=3650"`
	MaxUses int    `json:"max_uses" validate:"required,gt=0"`
}

// RedeemRequest запрос пользователя на активацию промокода.
type RedeemRequest struct {
	UserID   int64  `json:"user_id" validate:"required,gt=0"`
	Username string `json:"username,omitempty"`
	Code     string `json:"code" validate:"required,max=64"`
}

// TrialRequest запрос пользователя на пробный период.
type TrialRequest struct {
	UserID   int64  `json:"user_id" validate:"required,gt=0"`
	Username string `json:"username,omitempty"`
}

// ReminderKind тип напоминания об окончании доступа.
type ReminderKind string

// Типы напоминаний.
const (
	ReminderSoon    ReminderKind = "3d"
	ReminderExpired ReminderKind = "expired"
)

// Reminder ключ отправленного напоминания: одно напоминание на срок и тип.
type Reminder struct {
	UserID    int64
	ExpiresAt time.Time
	Kind      ReminderKind
}
