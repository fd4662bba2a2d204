package models

import "errors"

// Таксономия ошибок оркестратора.
var (
	ErrValidation       = errors.New("validation error")
	ErrNotFound         = errors.New("not found")
	ErrForbiddenPlan    = errors.New("plan is not available for user")
	ErrGateway          = errors.New("payment gateway error")
	ErrPanelUnreachable = errors.New("panel unreachable")
	ErrPanelRejected    = errors.New("panel rejected request")
	ErrForgedEvent      = errors.New("forged or malformed webhook")
	ErrUnsupportedEvent = errors.New("unsupported webhook event")
	ErrStatusConflict   = errors.New("transaction status changed concurrently")
	ErrAlreadyExists    = errors.New("already exists")
	ErrAlreadyGranted   = errors.New("grant already used")
	ErrPromoExhausted   = errors.New("promo code exhausted")
	ErrTrialUnavailable = errors.New("trial is not available")
)
