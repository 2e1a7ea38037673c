// Package gateway implements admission control, upstream forwarding,
// and usage recording for proxied requests.
package gateway

import (
	"fmt"
	"net/http"
	"time"
)

// Error is a gateway-level failure with a caller-facing HTTP status.
type Error struct {
	StatusCode int
	Message    string

	// Rate limit context, populated only for limit rejections.
	Current    int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

func ErrInvalidCredential() *Error {
	return &Error{StatusCode: http.StatusUnauthorized, Message: "invalid or missing credential"}
}

func ErrInactiveCaller() *Error {
	return &Error{StatusCode: http.StatusUnauthorized, Message: "account is inactive"}
}

func ErrResourceNotFound(name string) *Error {
	return &Error{StatusCode: http.StatusNotFound, Message: fmt.Sprintf("resource %q not found", name)}
}

func ErrResourceInactive(name string) *Error {
	return &Error{StatusCode: http.StatusForbidden, Message: fmt.Sprintf("resource %q is not active", name)}
}

func ErrMethodNotAllowed(method string) *Error {
	return &Error{StatusCode: http.StatusMethodNotAllowed, Message: fmt.Sprintf("method %s not allowed for this resource", method)}
}

func ErrRateLimited(current, limit int, resetAt time.Time, retryAfter time.Duration) *Error {
	return &Error{
		StatusCode: http.StatusTooManyRequests,
		Message:    "rate limit exceeded",
		Current:    current,
		Limit:      limit,
		ResetAt:    resetAt,
		RetryAfter: retryAfter,
	}
}

func ErrMonthlyLimitExceeded(current, limit int) *Error {
	return &Error{
		StatusCode: http.StatusTooManyRequests,
		Message:    "monthly request limit exceeded",
		Current:    current,
		Limit:      limit,
	}
}

func ErrUpstreamTimeout(cause error) *Error {
	return &Error{StatusCode: http.StatusGatewayTimeout, Message: "upstream request timed out", cause: cause}
}

func ErrUpstreamUnavailable(cause error) *Error {
	return &Error{StatusCode: http.StatusBadGateway, Message: "upstream unavailable", cause: cause}
}

func ErrInternal(cause error) *Error {
	return &Error{StatusCode: http.StatusInternalServerError, Message: "internal error", cause: cause}
}
