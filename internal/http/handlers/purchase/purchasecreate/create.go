// Package purchasecreate обрабатывает создание покупки тарифа.
package purchasecreate

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
)

// Request тело запроса на покупку.
type Request struct {
	Service string `json:"service" validate:"required,max=64"`
	Plan    string `json:"plan" validate:"required,max=64"`
}

// Service создаёт транзакцию и платёж.
type Service interface {
	InitiatePurchase(ctx context.Context, req models.PurchaseRequest) (models.PurchaseResult, error)
}

// Handler обрабатывает POST /purchases.
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
// @Summary Купить тариф
// @Description Создаёт транзакцию и платёж YooKassa, возвращает ссылку на оплату
// @Tags Purchases
// @Accept  json
// @Produce  json
// @Param request body Request true "Сервис и план"
// @Success 201 {object} response.Response{data=models.PurchaseResult}
// @Failure 400 {object} response.ErrorResponse "Некорректный JSON"
// @Failure 401 {object} response.ErrorResponse "Пользователь не авторизован"
// @Failure 403 {object} response.ErrorResponse "План недоступен"
// @Failure 422 {object} response.ErrorResponse "Ошибка валидации"
// @Failure 429 {object} response.ErrorResponse "Слишком много запросов"
// @Failure 502 {object} response.ErrorResponse "Ошибка платёжного шлюза"
// @Router /purchases [post]
// @Security BearerAuth
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.purchase.create"
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

	res, err := h.service.InitiatePurchase(r.Context(), models.PurchaseRequest{
		UserID:     userID,
		Username:   middlewarectx.UsernameFrom(r.Context()),
		ServiceKey: req.Service,
		PlanKey:    req.Plan,
	})
	if err != nil {
		status, msg := response.HTTPStatus(err)
		log.Error("failed to initiate purchase", sl.Err(err))
		render.Status(r, status)
		render.JSON(w, r, response.Error(msg))
		return
	}

	log.Info("purchase created", slog.String("transaction_id", res.TransactionID))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, response.OKWithData(res))
}
