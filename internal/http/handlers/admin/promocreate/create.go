// Package promocreate выпускает промокоды по запросу администратора.
package promocreate

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/response"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

// Service выпускает промокод.
type Service interface {
	CreatePromo(ctx context.Context, req models.PromoRequest) (*models.Promo, error)
}

// Handler обрабатывает POST /admin/promos.
type Handler struct {
	log      *slog.Logger
	service  Service
	validate *validator.Validate
}

// New создает новый экземпляр Handler.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		validate: validator.New(),
	}
}

// ServeHTTP godoc
// @Summary Выпустить промокод
// @Description Создаёт промокод или перевыпускает исчерпанный
// @Tags Admin
// @Accept  json
// @Produce  json
// @Param request body models.PromoRequest true "Код, дни и число активаций"
// @Success 201 {object} response.Response{data=models.Promo}
// @Failure 400 {object} response.ErrorResponse "Некорректный JSON"
// @Failure 403 {object} response.ErrorResponse "Нет прав администратора"
// @Failure 409 {object} response.ErrorResponse "Код уже действует"
// @Failure 422 {object} response.ErrorResponse "Ошибка валидации"
// @Router /admin/promos [post]
// @Security BearerAuth
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.admin.promoCreate"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var req models.PromoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error("failed to decode request", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		log.Warn("validation failed", sl.Err(err))
		render.Status(r, http.StatusUnprocessableEntity)
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			render.JSON(w, r, response.ValidationError(verrs))
			return
		}
		render.JSON(w, r, response.Error("invalid request"))
		return
	}

	p, err := h.service.CreatePromo(r.Context(), req)
	if err != nil {
		status, msg := response.HTTPStatus(err)
		log.Error("failed to create promo", sl.Err(err))
		render.Status(r, status)
		render.JSON(w, r, response.Error(msg))
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, response.OKWithData(p))
}
