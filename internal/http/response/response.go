// Package response содержит единый формат JSON-ответов HTTP-обработчиков
// и соответствие доменных ошибок HTTP-статусам.
package response

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

// Response описывает стандартную структуру JSON-ответа сервера.
type Response struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// ErrorResponse структура ошибки для Swagger-документации.
type ErrorResponse struct {
	Status string `json:"status" example:"Error"`
	Error  string `json:"error" example:"invalid request body"`
}

const (
	// StatusOK значение статуса для успешного ответа.
	StatusOK = "OK"
	// StatusError значение статуса для ответа с ошибкой.
	StatusError = "Error"
)

// OKWithData возвращает успешный Response с данными.
func OKWithData(data any) Response {
	return Response{
		Status: StatusOK,
		Data:   data,
	}
}

// Error возвращает ответ с ошибкой и переданным сообщением.
func Error(msg string) ErrorResponse {
	return ErrorResponse{
		Status: StatusError,
		Error:  msg,
	}
}

// ValidationError собирает нарушения валидации в одно сообщение.
func ValidationError(errs validator.ValidationErrors) ErrorResponse {
	var errsMsgs []string

	for _, err := range errs {
		switch err.ActualTag() {
		case "required":
			errsMsgs = append(errsMsgs, fmt.Sprintf("field %s is a required field", err.Field()))
		case "alphanum":
			errsMsgs = append(errsMsgs, fmt.Sprintf("field %s can contain only numbers and letters", err.Field()))
		case "max":
			errsMsgs = append(errsMsgs, fmt.Sprintf("field %s is too long", err.Field()))
		default:
			errsMsgs = append(errsMsgs, fmt.Sprintf("field %s is not valid", err.Field()))
		}
	}
	return ErrorResponse{
		Status: StatusError,
		Error:  strings.Join(errsMsgs, ", "),
	}
}

// HTTPStatus сопоставляет доменную ошибку HTTP-статусу и безопасному сообщению.
func HTTPStatus(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusUnprocessableEntity, "invalid request"
	case errors.Is(err, models.ErrForbiddenPlan):
		return http.StatusForbidden, "plan is not available"
	case errors.Is(err, models.ErrTrialUnavailable):
		return http.StatusConflict, "trial is not available"
	case errors.Is(err, models.ErrPromoExhausted):
		return http.StatusConflict, "promo code is exhausted"
	case errors.Is(err, models.ErrAlreadyGranted):
		return http.StatusConflict, "promo code already used"
	case errors.Is(err, models.ErrAlreadyExists):
		return http.StatusConflict, "already exists"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, models.ErrGateway):
		return http.StatusBadGateway, "payment gateway error"
	case errors.Is(err, models.ErrPanelUnreachable), errors.Is(err, models.ErrPanelRejected):
		return http.StatusBadGateway, "access server error"
	case errors.Is(err, models.ErrForgedEvent):
		return http.StatusUnauthorized, "invalid signature"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
