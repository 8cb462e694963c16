package models

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeValidation represents validation errors (4xx)
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNotFound represents resource not found errors (404)
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeRateLimit represents rate limiting errors (429)
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeProvider represents a single upstream provider failure (502)
	ErrorTypeProvider ErrorType = "provider"
	// ErrorTypeProviderUnavailable represents a provider skipped because its
	// breaker is open or its pool has no healthy member (503)
	ErrorTypeProviderUnavailable ErrorType = "provider_unavailable"
	// ErrorTypeAllProvidersFailed represents an exhausted fallback chain (502)
	ErrorTypeAllProvidersFailed ErrorType = "all_providers_failed"
	// ErrorTypeTimeout represents dispatch timeout errors (504)
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeLimiterUnavailable represents a rate limiter store outage
	ErrorTypeLimiterUnavailable ErrorType = "rate_limiter_unavailable"
	// ErrorTypeInternal represents internal server errors (500)
	ErrorTypeInternal ErrorType = "internal"
)

// ProviderAttempt records one failed candidate during a fallback-chain walk.
type ProviderAttempt struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
}

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType         `json:"type"`
	Message    string            `json:"message"`
	Code       string            `json:"code,omitzero"`
	StatusCode int               `json:"-"`
	Retryable  bool              `json:"retryable"`
	RetryAfter time.Duration     `json:"-"`
	Attempts   []ProviderAttempt `json:"attempts,omitzero"`
	Cause      error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if len(e.Attempts) > 0 {
		parts := make([]string, len(e.Attempts))
		for i, a := range e.Attempts {
			parts[i] = fmt.Sprintf("%s: %s", a.Provider, a.Reason)
		}
		return fmt.Sprintf("%s [%s]", e.Message, strings.Join(parts, "; "))
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap allows error unwrapping
func (e *AppError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether the error is retryable
func (e *AppError) IsRetryable() bool {
	return e.Retryable
}

// GetStatusCode returns the HTTP status code for the error
func (e *AppError) GetStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeProvider, ErrorTypeAllProvidersFailed:
		return http.StatusBadGateway
	case ErrorTypeProviderUnavailable:
		return http.StatusServiceUnavailable
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewValidationError creates a validation error
func NewValidationError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Retryable:  false,
		Cause:      cause,
	}
}

// NewNotFoundError creates a not-found error for an unknown identifier
func NewNotFoundError(resource, name string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Message:    fmt.Sprintf("%s %q not found", resource, name),
		StatusCode: http.StatusNotFound,
		Retryable:  false,
	}
}

// NewProviderError creates a provider error
func NewProviderError(provider, message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeProvider,
		Message:    fmt.Sprintf("provider %s error: %s", provider, message),
		Code:       fmt.Sprintf("PROVIDER_%s_ERROR", strings.ToUpper(provider)),
		StatusCode: http.StatusBadGateway,
		Retryable:  true,
		Cause:      cause,
	}
}

// NewProviderUnavailableError creates an error for a provider whose circuit
// breaker is open or whose load balancer pool has no healthy member. An empty
// provider name keeps the bare reason, for sentinels that are not tied to one
// provider.
func NewProviderUnavailableError(provider, reason string) *AppError {
	message := reason
	if provider != "" {
		message = fmt.Sprintf("provider %s unavailable: %s", provider, reason)
	}
	return &AppError{
		Type:       ErrorTypeProviderUnavailable,
		Message:    message,
		Code:       "PROVIDER_UNAVAILABLE",
		StatusCode: http.StatusServiceUnavailable,
		Retryable:  true,
	}
}

// NewAllProvidersFailedError creates the aggregate error returned after every
// candidate in the fallback chain was skipped or failed. Attempts are kept in
// chain order.
func NewAllProvidersFailedError(attempts []ProviderAttempt) *AppError {
	return &AppError{
		Type:       ErrorTypeAllProvidersFailed,
		Message:    fmt.Sprintf("all %d providers failed", len(attempts)),
		Code:       "ALL_PROVIDERS_FAILED",
		StatusCode: http.StatusBadGateway,
		Retryable:  true,
		Attempts:   attempts,
	}
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(operation string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeTimeout,
		Message:    fmt.Sprintf("operation %s timed out", operation),
		StatusCode: http.StatusGatewayTimeout,
		Retryable:  true,
		Cause:      cause,
	}
}

// NewRateLimitError creates a rate limit error carrying the time until the
// current window resets.
func NewRateLimitError(retryAfter time.Duration) *AppError {
	return &AppError{
		Type:       ErrorTypeRateLimit,
		Message:    "rate limit exceeded",
		Code:       "RATE_LIMIT_EXCEEDED",
		StatusCode: http.StatusTooManyRequests,
		Retryable:  true,
		RetryAfter: retryAfter,
	}
}

// NewLimiterUnavailableError creates an error for a rate limiter store outage.
// The limiter never returns this to callers (it fails open); it feeds the
// degraded-mode signal on the alerts bus.
func NewLimiterUnavailableError(cause error) *AppError {
	return &AppError{
		Type:      ErrorTypeLimiterUnavailable,
		Message:   "rate limiter backing store unavailable",
		Code:      "RATE_LIMITER_UNAVAILABLE",
		Retryable: true,
		Cause:     cause,
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Retryable:  false,
		Cause:      cause,
	}
}

// SanitizeError sanitizes an error for external consumption
func SanitizeError(err error) *AppError {
	if appErr, ok := err.(*AppError); ok {
		return &AppError{
			Type:       appErr.Type,
			Message:    appErr.Message,
			Code:       appErr.Code,
			StatusCode: appErr.GetStatusCode(),
			Retryable:  appErr.Retryable,
			RetryAfter: appErr.RetryAfter,
			Attempts:   appErr.Attempts,
		}
	}

	return NewInternalError("an unexpected error occurred", err)
}
