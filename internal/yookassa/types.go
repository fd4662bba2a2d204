// Package yookassa реализует адаптер платёжного шлюза ЮKassa:
// создание платежа с переходом по ссылке, запрос статуса и проверку webhook.
package yookassa

import "time"

// Amount представляет денежную сумму.
type Amount struct {
	Value    string `json:"value"`    // сумма, например "200.00"
	Currency string `json:"currency"` // валюта, например "RUB"
}

// Confirmation описывает способ подтверждения платежа.
type Confirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

// Receipt чек для 54-ФЗ.
type Receipt struct {
	Customer struct {
		Email string `json:"email"`
	} `json:"customer"`
	Items []ReceiptItem `json:"items"`
}

// ReceiptItem позиция чека.
type ReceiptItem struct {
	Description    string `json:"description"`
	Quantity       string `json:"quantity"`
	Amount         Amount `json:"amount"`
	VatCode        int    `json:"vat_code"`
	PaymentMode    string `json:"payment_mode"`
	PaymentSubject string `json:"payment_subject"`
}

// CreatePaymentRequest представляет запрос на создание платежа.
type CreatePaymentRequest struct {
	Amount       Amount            `json:"amount"`
	Capture      bool              `json:"capture"`
	Confirmation Confirmation      `json:"confirmation"`
	Description  string            `json:"description"`
	Metadata     map[string]string `json:"metadata,omitempty"` // transaction_id, user_id
	Receipt      *Receipt          `json:"receipt,omitempty"`
}

// Payment представляет объект платежа в ответах API и в уведомлениях.
type Payment struct {
	ID           string            `json:"id"`     // ID платежа в ЮKassa
	Status       string            `json:"status"` // pending, waiting_for_capture, succeeded, canceled
	Paid         bool              `json:"paid"`
	Amount       Amount            `json:"amount"`
	Confirmation *Confirmation     `json:"confirmation,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Notification тело webhook-уведомления.
type Notification struct {
	Type   string  `json:"type"`
	Event  string  `json:"event"`
	Object Payment `json:"object"`
}

// CreatePaymentParams параметры платежа со стороны оркестратора.
type CreatePaymentParams struct {
	IdempotenceKey string
	Amount         int64 // В минимальных единицах валюты
	Description    string
	UserID         int64
	Metadata       map[string]string
}

// События уведомлений.
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentCanceled  = "payment.canceled"
)

// Статусы платежа.
const (
	statusSucceeded = "succeeded"
	statusCanceled  = "canceled"
)
