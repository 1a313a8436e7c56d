package domain

import (
	"errors"
	"fmt"
)

var (
	ErrProviderUnavailable  = errors.New("no payment provider available")
	ErrGateway              = errors.New("payment gateway error")
	ErrSignatureInvalid     = errors.New("webhook signature invalid")
	ErrIdempotencyConflict  = errors.New("transaction already settled with a different status")
	ErrSchemaUnavailable    = errors.New("billing schema unavailable")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrPlanNotFound         = errors.New("plan not found")
	ErrUnsupportedCurrency  = errors.New("unsupported currency")
	ErrInvalidAmount        = errors.New("amount must be greater than zero")
	ErrInvalidFeature       = errors.New("invalid feature name")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrRateLimited          = errors.New("usage rate limit exceeded")
	ErrNoActiveSubscription = errors.New("no active subscription")
)

// GatewayError describes a failed call to a payment provider.
type GatewayError struct {
	Provider   string
	Operation  string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Provider, e.Operation)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both ErrGateway and the underlying cause to errors.Is.
func (e *GatewayError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrGateway}
	}
	return []error{ErrGateway, e.Err}
}

// IsValidation reports whether err stems from bad caller input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidFeature) ||
		errors.Is(err, ErrUnsupportedCurrency) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrProviderUnavailable)
}
