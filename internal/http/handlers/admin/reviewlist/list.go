// Package reviewlist отдаёт администраторам транзакции на ручной проверке.
package reviewlist

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/render"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/response"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

const defaultLimit = 100

// Service читает помеченные для проверки транзакции.
type Service interface {
	ListReviews(ctx context.Context, limit int) ([]*models.Transaction, error)
}

// Handler обрабатывает GET /admin/reviews.
type Handler struct {
	log     *slog.Logger
	service Service
}

// New создает новый экземпляр Handler.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{log: log, service: service}
}

// ServeHTTP godoc
// @Summary Транзакции на ручной проверке
// @Tags Admin
// @Produce  json
// @Param limit query int false "Количество записей"
// @Success 200 {object} response.Response{data=[]models.Transaction}
// @Failure 401 {object} response.ErrorResponse "Пользователь не авторизован"
// @Failure 403 {object} response.ErrorResponse "Нет прав администратора"
// @Router /admin/reviews [get]
// @Security BearerAuth
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.admin.reviews"
	log := h.log.With(slog.String("op", op))

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

	txs, err := h.service.ListReviews(r.Context(), limit)
	if err != nil {
		log.Error("failed to list reviews", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("internal error"))
		return
	}
	render.JSON(w, r, response.OKWithData(txs))
}
