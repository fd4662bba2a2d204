// Package purchasecheck обрабатывает ручную проверку оплаты пользователем.
package purchasecheck

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/middlewarectx"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/response"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

// Service сверяет транзакцию со статусом платежа в шлюзе.
type Service interface {
	Reconcile(ctx context.Context, userID int64, txID string) (*models.Transaction, error)
}

// Handler обрабатывает POST /purchases/{id}/check.
type Handler struct {
	log     *slog.Logger
	service Service
}

// New создает новый экземпляр Handler.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{log: log, service: service}
}

// ServeHTTP godoc
// @Summary Проверить оплату
// @Description Запрашивает статус платежа у шлюза и применяет его, если webhook ещё не пришёл
// @Tags Purchases
// @Produce  json
// @Param id path string true "ID транзакции"
// @Success 200 {object} response.Response{data=models.TransactionView}
// @Failure 401 {object} response.ErrorResponse "Пользователь не авторизован"
// @Failure 404 {object} response.ErrorResponse "Транзакция не найдена"
// @Failure 502 {object} response.ErrorResponse "Ошибка платёжного шлюза"
// @Router /purchases/{id}/check [post]
// @Security BearerAuth
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.purchase.check"
	txID := chi.URLParam(r, "id")
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.String("transaction_id", txID),
	)

	userID, ok := middlewarectx.UserIDFrom(r.Context())
	if !ok {
		log.Error("user id not found in context")
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, response.Error("unauthorized"))
		return
	}

	tx, err := h.service.Reconcile(r.Context(), userID, txID)
	if err != nil {
		status, msg := response.HTTPStatus(err)
		log.Error("failed to reconcile transaction", sl.Err(err))
		render.Status(r, status)
		render.JSON(w, r, response.Error(msg))
		return
	}

	log.Info("transaction reconciled", slog.String("status", string(tx.Status)))
	render.JSON(w, r, response.OKWithData(tx.View()))
}
