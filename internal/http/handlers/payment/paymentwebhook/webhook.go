// Package paymentwebhook принимает уведомления YooKassa о платежах.
package paymentwebhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/services/orchestrator"
)

// maxBodyBytes ограничивает размер уведомления.
const maxBodyBytes = 1 << 20

// Verifier проверяет подпись и разбирает уведомление шлюза.
type Verifier interface {
	VerifyAndParse(body []byte, headers http.Header) (models.ConfirmationEvent, error)
}

// Service применяет подтверждение к транзакции.
type Service interface {
	HandleConfirmation(ctx context.Context, ev models.ConfirmationEvent) (orchestrator.Outcome, error)
}

// Metrics учитывает вердикты по уведомлениям.
type Metrics interface {
	WebhookObserved(verdict string)
}

// Handler обрабатывает POST /payments/webhook.
type Handler struct {
	log      *slog.Logger
	verifier Verifier
	service  Service
	metrics  Metrics
}

// New создает новый экземпляр Handler.
func New(log *slog.Logger, verifier Verifier, service Service, metrics Metrics) *Handler {
	return &Handler{
		log:      log,
		verifier: verifier,
		service:  service,
		metrics:  metrics,
	}
}

// ServeHTTP godoc
// @Summary Webhook YooKassa
// @Description Подпись проверяется до любых изменений состояния. Неизвестные и повторные события подтверждаются кодом 200
// @Tags Payments
// @Accept  json
// @Param X-Api-Signature header string true "HMAC-SHA256 тела в base64"
// @Success 200 "Событие принято"
// @Failure 401 "Неверная подпись"
// @Failure 500 "Временная ошибка, шлюз повторит доставку"
// @Router /payments/webhook [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.payment.webhook"
	log := h.log.With(slog.String("op", op))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		log.Error("failed to read webhook body", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	ev, err := h.verifier.VerifyAndParse(body, r.Header)
	switch {
	case errors.Is(err, models.ErrForgedEvent):
		log.Warn("rejected webhook", sl.Err(err))
		h.metrics.WebhookObserved("forged")
		w.WriteHeader(http.StatusUnauthorized)
		return
	case errors.Is(err, models.ErrUnsupportedEvent):
		log.Info("ignored webhook event", sl.Err(err))
		h.metrics.WebhookObserved("unsupported")
		w.WriteHeader(http.StatusOK)
		return
	case err != nil:
		log.Error("failed to parse webhook", sl.Err(err))
		h.metrics.WebhookObserved("error")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	log = log.With(slog.String("payment_id", ev.ExternalPaymentID), slog.String("status", string(ev.Status)))

	outcome, err := h.service.HandleConfirmation(r.Context(), ev)
	if err != nil {
		log.Error("failed to process webhook event", sl.Err(err))
		h.metrics.WebhookObserved("error")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	h.metrics.WebhookObserved(string(outcome))
	log.Info("webhook processed", slog.String("outcome", string(outcome)))
	w.WriteHeader(http.StatusOK)
}
