// Package promoredeem обрабатывает активацию промокода.
package promoredeem

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/middlewarectx"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/response"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/services/orchestrator"
)

// Request тело запроса.
type Request struct {
	Code string `json:"code" validate:"required,max=64"`
}

// Result итог активации.
type Result struct {
	Transaction models.TransactionView `json:"transaction"`
	Outcome     orchestrator.Outcome   `json:"outcome"`
}

// Service активирует промокод.
type Service interface {
	RedeemPromo(ctx context.Context, req models.RedeemRequest) (orchestrator.GrantResult, error)
}

// Handler обрабатывает POST /promos/redeem.
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
// @Summary Активировать промокод
// @Description Добавляет дни промокода к сроку доступа на сервисе по умолчанию
// @Tags Grants
// @Accept  json
// @Produce  json
// @Param request body Request true "Промокод"
// @Success 201 {object} response.Response{data=Result}
// @Failure 400 {object} response.ErrorResponse "Некорректный JSON"
// @Failure 401 {object} response.ErrorResponse "Пользователь не авторизован"
// @Failure 404 {object} response.ErrorResponse "Промокод не найден"
// @Failure 409 {object} response.ErrorResponse "Промокод исчерпан или уже использован"
// @Failure 422 {object} response.ErrorResponse "Ошибка валидации"
// @Router /promos/redeem [post]
// @Security BearerAuth
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.grant.promo"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	userID, ok := middlewarectx.UserIDFrom(r.Context())
	if !ok {
		log.Error("user id not found in context")
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, response.Error("unauthorized"))
		return
	}
	log = log.With(slog.Int64("user_id", userID))

	var req Request
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

	res, err := h.service.RedeemPromo(r.Context(), models.RedeemRequest{
		UserID:   userID,
		Username: middlewarectx.UsernameFrom(r.Context()),
		Code:     req.Code,
	})
	if err != nil {
		status, msg := response.HTTPStatus(err)
		log.Warn("promo not redeemed", sl.Err(err))
		render.Status(r, status)
		render.JSON(w, r, response.Error(msg))
		return
	}

	log.Info("promo redeemed", slog.String("transaction_id", res.Transaction.ID), slog.String("outcome", string(res.Outcome)))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, response.OKWithData(Result{Transaction: res.Transaction.View(), Outcome: res.Outcome}))
}
