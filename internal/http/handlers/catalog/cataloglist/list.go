// Package cataloglist отдаёт каталог тарифов.
package cataloglist

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/middlewarectx"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/response"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

// Service отдаёт тарифы, доступные пользователю.
type Service interface {
	ListServices(userID int64) []models.Service
}

// Handler обрабатывает GET /services.
type Handler struct {
	log     *slog.Logger
	service Service
}

// New создает новый экземпляр Handler.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{log: log, service: service}
}

// ServeHTTP godoc
// @Summary Каталог тарифов
// @Description Скрытые сервисы и планы только для администраторов видны только администраторам
// @Tags Catalog
// @Produce  json
// @Success 200 {object} response.Response{data=[]models.Service}
// @Failure 401 {object} response.ErrorResponse "Пользователь не авторизован"
// @Router /services [get]
// @Security BearerAuth
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := middlewarectx.UserIDFrom(r.Context())
	if !ok {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, response.Error("unauthorized"))
		return
	}
	render.JSON(w, r, response.OKWithData(h.service.ListServices(userID)))
}
