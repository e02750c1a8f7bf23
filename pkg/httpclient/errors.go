package httpclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Canonical error codes returned to callers.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeServerError    = "SERVER_ERROR"
	CodeTimeout        = "TIMEOUT"
	CodeNetworkError   = "NETWORK_ERROR"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeRateLimited    = "RATE_LIMITED"
)

// HTTPCode builds the canonical code for an HTTP failure status, e.g.
// HTTP_404.
func HTTPCode(status int) string {
	return fmt.Sprintf("HTTP_%d", status)
}

// APIError is the canonical error shape every transport failure is
// normalized into.
type APIError struct {
	Code    string
	Message string
	Status  int
	Details json.RawMessage
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// RateLimitError signals a server-side rate limit. It is consumed by the
// task queue and never surfaced to callers as a generic network error.
// RetryAfter is zero when the server supplied no hint; the queue then
// falls back to its own exponential backoff.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

// Error implements the error interface
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: retry after %s", CodeRateLimited, e.RetryAfter)
	}
	return CodeRateLimited
}

// AsRateLimit extracts the retry-after hint when err is a rate limit.
func AsRateLimit(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsUnauthorized reports whether err is a terminal auth failure.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeUnauthorized
}

// IsTransient reports whether err is a timeout or network-level failure.
func IsTransient(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == CodeTimeout || apiErr.Code == CodeNetworkError
}
