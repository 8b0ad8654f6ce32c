package providers

import (
	"fmt"
	"net/http"
)

// APIErrorKind classifies an upstream failure for retry and refund decisions.
type APIErrorKind string

const (
	// KindInsufficientCredits: the SYSTEM's provider account is depleted
	// (upstream 401/402 auth-signal). Never retried; stops the task.
	KindInsufficientCredits APIErrorKind = "insufficient-credits"
	// KindRateLimited: upstream 429. Absorbed by the executor's tiered retry.
	KindRateLimited APIErrorKind = "rate-limited"
	// KindServerError: upstream 5xx.
	KindServerError APIErrorKind = "server-error"
	// KindBadRequest: any other 4xx. Failed immediately.
	KindBadRequest APIErrorKind = "bad-request"
	// KindNetwork: transport-level failure (reset, timeout, DNS).
	KindNetwork APIErrorKind = "network"
	// KindUnknown: anything else, wrapped with the original message.
	KindUnknown APIErrorKind = "unknown"
)

// APIError is the typed upstream failure the executor and driver branch on.
type APIError struct {
	Kind       APIErrorKind
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

// ClassifyStatus maps an HTTP status code onto an APIErrorKind.
// 401 means the provider account itself is out of credits, not our caller.
func ClassifyStatus(code int) APIErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusPaymentRequired:
		return KindInsufficientCredits
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code >= 500:
		return KindServerError
	case code >= 400:
		return KindBadRequest
	default:
		return KindUnknown
	}
}

// NewHTTPError builds an APIError from a non-2xx response.
func NewHTTPError(provider string, statusCode int, message string) *APIError {
	return &APIError{
		Kind:       ClassifyStatus(statusCode),
		Provider:   provider,
		StatusCode: statusCode,
		Message:    message,
	}
}

// NewNetworkError wraps a transport failure.
func NewNetworkError(provider string, err error) *APIError {
	return &APIError{
		Kind:     KindNetwork,
		Provider: provider,
		Message:  err.Error(),
	}
}
