package models

// PaymentStatus итоговый статус платежа в событии подтверждения.
type PaymentStatus string

// Статусы, на которые реагирует оркестратор.
const (
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentCanceled  PaymentStatus = "canceled"
	PaymentPending   PaymentStatus = "pending"
)

// ConfirmationEvent аутентифицированное сообщение платёжного шлюза.
type ConfirmationEvent struct {
	ExternalPaymentID string
	Amount            int64 // В минимальных единицах валюты
	Currency          string
	Status            PaymentStatus
}

// PaymentIntent результат создания платежа в шлюзе.
type PaymentIntent struct {
	PaymentURL        string
	ExternalPaymentID string
}
