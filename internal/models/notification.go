package models

import "time"

// NotificationKind тип уведомления, публикуемого оркестратором.
type NotificationKind string

// Типы уведомлений.
const (
	NotifySettled        NotificationKind = "settled"
	NotifyPaymentFailed  NotificationKind = "payment_failed"
	NotifyReviewRequired NotificationKind = "review_required"
	NotifyLatePayment    NotificationKind = "late_payment"
	NotifyExpiryReminder NotificationKind = "expiry_reminder"
	NotifyAccessExpired  NotificationKind = "access_expired"
)

// Notification сообщение для пользователя или администраторов.
type Notification struct {
	Kind          NotificationKind `json:"kind"`
	UserID        int64            `json:"user_id"`
	TransactionID string           `json:"transaction_id,omitempty"`
	ServiceKey    string           `json:"service_key,omitempty"`
	ExpiresAt     *time.Time       `json:"expires_at,omitempty"`
	Text          string           `json:"text"`
}

// ForAdmins сообщает, адресовано ли уведомление администраторам.
func (n Notification) ForAdmins() bool {
	return n.Kind == NotifyReviewRequired || n.Kind == NotifyLatePayment
}
