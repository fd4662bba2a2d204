package yookassa

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

// SignatureHeader заголовок с подписью уведомления.
const SignatureHeader = "X-Api-Signature"

// Sign возвращает подпись тела уведомления.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Проверка подписи webhook (X-Api-Signature)
func verifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// VerifyAndParse проверяет подпись уведомления и только затем разбирает его.
// Поддельное или битое уведомление даёт ErrForgedEvent, прочие события ErrUnsupportedEvent.
func (c *Client) VerifyAndParse(body []byte, headers http.Header) (models.ConfirmationEvent, error) {
	const op = "yookassa.VerifyAndParse"

	if !verifySignature(c.webhookSecret, body, headers.Get(SignatureHeader)) {
		return models.ConfirmationEvent{}, fmt.Errorf("%s: %w: invalid or missing signature", op, models.ErrForgedEvent)
	}

	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return models.ConfirmationEvent{}, fmt.Errorf("%s: %w: %v", op, models.ErrForgedEvent, err)
	}
	if n.Object.ID == "" {
		return models.ConfirmationEvent{}, fmt.Errorf("%s: %w: empty payment id", op, models.ErrForgedEvent)
	}

	var status models.PaymentStatus
	switch strings.ToLower(n.Event) {
	case EventPaymentSucceeded:
		status = models.PaymentSucceeded
	case EventPaymentCanceled:
		status = models.PaymentCanceled
	default:
		return models.ConfirmationEvent{}, fmt.Errorf("%s: %w: %s", op, models.ErrUnsupportedEvent, n.Event)
	}

	amount, err := ParseAmount(n.Object.Amount.Value)
	if err != nil {
		return models.ConfirmationEvent{}, fmt.Errorf("%s: %w: %v", op, models.ErrForgedEvent, err)
	}

	return models.ConfirmationEvent{
		ExternalPaymentID: n.Object.ID,
		Amount:            amount,
		Currency:          n.Object.Amount.Currency,
		Status:            status,
	}, nil
}
