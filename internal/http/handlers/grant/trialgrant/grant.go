// Package trialgrant выдаёт пользователю пробный период.
package trialgrant

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/middlewarectx"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/response"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/services/orchestrator"
)

// Result итог выдачи.
type Result struct {
	Transaction models.TransactionView `json:"transaction"`
	Outcome     orchestrator.Outcome   `json:"outcome"`
}

// Service выдаёт пробный период.
type Service interface {
	GrantTrial(ctx context.Context, req models.TrialRequest) (orchestrator.GrantResult, error)
}

// Handler обрабатывает POST /trial.
type Handler struct {
	log     *slog.Logger
	service Service
}

// New создает новый экземпляр Handler.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{log: log, service: service}
}

// ServeHTTP godoc
// @Summary Активировать пробный период
// @Description Выдаёт бесплатный доступ один раз на пользователя без подписки
// @Tags Grants
// @Produce  json
// @Success 201 {object} response.Response{data=Result}
// @Failure 401 {object} response.ErrorResponse "Пользователь не авторизован"
// @Failure 409 {object} response.ErrorResponse "Пробный период недоступен"
// @Router /trial [post]
// @Security BearerAuth
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.grant.trial"
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

	res, err := h.service.GrantTrial(r.Context(), models.TrialRequest{
		UserID:   userID,
		Username: middlewarectx.UsernameFrom(r.Context()),
	})
	if err != nil {
		status, msg := response.HTTPStatus(err)
		log.Warn("trial not granted", sl.Err(err))
		render.Status(r, status)
		render.JSON(w, r, response.Error(msg))
		return
	}

	log.Info("trial granted", slog.String("transaction_id", res.Transaction.ID), slog.String("outcome", string(res.Outcome)))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, response.OKWithData(Result{Transaction: res.Transaction.View(), Outcome: res.Outcome}))
}
