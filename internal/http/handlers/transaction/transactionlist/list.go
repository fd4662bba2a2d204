// Package transactionlist отдаёт историю покупок пользователя.
package transactionlist

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/render"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/middlewarectx"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/response"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

const defaultLimit = 20

// Service читает транзакции пользователя.
type Service interface {
	ListTransactions(ctx context.Context, userID int64, limit int) ([]*models.Transaction, error)
}

// Handler обрабатывает GET /transactions.
type Handler struct {
	log     *slog.Logger
	service Service
}

// New создает новый экземпляр Handler.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{log: log, service: service}
}

// ServeHTTP godoc
// @Summary История покупок
// @Tags Transactions
// @Produce  json
// @Param limit query int false "Количество записей"
// @Success 200 {object} response.Response{data=[]models.TransactionView}
// @Failure 400 {object} response.ErrorResponse "Некорректный limit"
// @Failure 401 {object} response.ErrorResponse "Пользователь не авторизован"
// @Router /transactions [get]
// @Security BearerAuth
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.transaction.list"
	log := h.log.With(slog.String("op", op))

	userID, ok := middlewarectx.UserIDFrom(r.Context())
	if !ok {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, response.Error("unauthorized"))
		return
	}

	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.Error("invalid limit"))
			return
		}
		limit = n
	}

	txs, err := h.service.ListTransactions(r.Context(), userID, limit)
	if err != nil {
		log.Error("failed to list transactions", sl.Err(err))
		status, msg := response.HTTPStatus(err)
		render.Status(r, status)
		render.JSON(w, r, response.Error(msg))
		return
	}

	views := make([]models.TransactionView, 0, len(txs))
	for _, tx := range txs {
		views = append(views, tx.View())
	}
	render.JSON(w, r, response.OKWithData(views))
}
