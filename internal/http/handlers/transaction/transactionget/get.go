// Package transactionget отдаёт снимок транзакции.
package transactionget

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/middlewarectx"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/response"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

// Service читает транзакции с проверкой владельца.
type Service interface {
	GetTransaction(ctx context.Context, userID int64, id string) (*models.Transaction, error)
}

// Handler обрабатывает GET /transactions/{id}.
type Handler struct {
	log     *slog.Logger
	service Service
}

// New создает новый экземпляр Handler.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{log: log, service: service}
}

// ServeHTTP godoc
// @Summary Статус транзакции
// @Tags Transactions
// @Produce  json
// @Param id path string true "ID транзакции"
// @Success 200 {object} response.Response{data=models.TransactionView}
// @Failure 401 {object} response.ErrorResponse "Пользователь не авторизован"
// @Failure 404 {object} response.ErrorResponse "Транзакция не найдена"
// @Router /transactions/{id} [get]
// @Security BearerAuth
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.transaction.get"
	id := chi.URLParam(r, "id")
	log := h.log.With(slog.String("op", op), slog.String("transaction_id", id))

	userID, ok := middlewarectx.UserIDFrom(r.Context())
	if !ok {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, response.Error("unauthorized"))
		return
	}

	tx, err := h.service.GetTransaction(r.Context(), userID, id)
	if err != nil {
		status, msg := response.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			log.Error("failed to get transaction", sl.Err(err))
		}
		render.Status(r, status)
		render.JSON(w, r, response.Error(msg))
		return
	}
	render.JSON(w, r, response.OKWithData(tx.View()))
}
