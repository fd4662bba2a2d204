// Package accessget отдаёт данные доступа пользователя к сервису.
package accessget

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

// Service собирает состояние доступа и ссылку подключения.
type Service interface {
	GetAccess(ctx context.Context, userID int64, serviceKey string) (models.Access, error)
}

// Handler обрабатывает GET /access/{service}.
type Handler struct {
	log     *slog.Logger
	service Service
}

// New создает новый экземпляр Handler.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{log: log, service: service}
}

// ServeHTTP godoc
// @Summary Доступ к VPN
// @Description Возвращает срок действия, UUID клиента и ссылку подключения
// @Tags Access
// @Produce  json
// @Param service path string true "Ключ сервиса"
// @Success 200 {object} response.Response{data=models.Access}
// @Failure 401 {object} response.ErrorResponse "Пользователь не авторизован"
// @Failure 404 {object} response.ErrorResponse "Доступ не найден"
// @Failure 502 {object} response.ErrorResponse "Панель недоступна"
// @Router /access/{service} [get]
// @Security BearerAuth
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.access.get"
	serviceKey := chi.URLParam(r, "service")
	log := h.log.With(slog.String("op", op), slog.String("service", serviceKey))

	userID, ok := middlewarectx.UserIDFrom(r.Context())
	if !ok {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, response.Error("unauthorized"))
		return
	}

	access, err := h.service.GetAccess(r.Context(), userID, serviceKey)
	if err != nil {
		status, msg := response.HTTPStatus(err)
		if status != http.StatusNotFound {
			log.Error("failed to get access", slog.Int64("user_id", userID), sl.Err(err))
		}
		render.Status(r, status)
		render.JSON(w, r, response.Error(msg))
		return
	}
	render.JSON(w, r, response.OKWithData(access))
}
