package web

import (
	"errors"
	"fmt"
	"net/http"
)

// ConfigError reports invalid or missing configuration at startup. Fatal.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in %q: %s", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ValidationError covers body parse failures, oversized payloads and other
// client mistakes. Surfaced as 4xx.
type ValidationError struct {
	Status  int
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s): %s", e.Code, e.Message)
}

// RouteMatchError is the 404 class, surfaced to the NotFound handler.
type RouteMatchError struct {
	Method string
	Path   string
}

func (e *RouteMatchError) Error() string {
	return fmt.Sprintf("no route matches %s %s", e.Method, e.Path)
}

// TimeoutError yields a 408 from the request-management layer.
type TimeoutError struct {
	After string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request timed out after %s", e.After)
}

// RateLimitError yields a 429 plus Retry-After.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return "rate limit exceeded"
}

// StatusFor maps an error to an HTTP status code and a short opaque code.
// Unexpected errors always map to 500; details stay in the logs.
func StatusFor(err error) (status int, code string) {
	var v *ValidationError
	if errors.As(err, &v) {
		if v.Status != 0 {
			return v.Status, v.Code
		}
		return http.StatusBadRequest, v.Code
	}
	var r *RouteMatchError
	if errors.As(err, &r) {
		return http.StatusNotFound, "not_found"
	}
	var t *TimeoutError
	if errors.As(err, &t) {
		return http.StatusRequestTimeout, "timeout"
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return http.StatusTooManyRequests, "rate_limited"
	}
	return http.StatusInternalServerError, "internal"
}

// RespondError writes the default JSON error body for err. 5xx responses
// omit internals.
func RespondError(res *Response, err error) {
	status, code := StatusFor(err)
	msg := "internal server error"
	if status < 500 {
		msg = err.Error()
	}
	res.Status(status)
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfterSeconds > 0 {
		res.Set("Retry-After", fmt.Sprintf("%d", rl.RetryAfterSeconds))
	}
	res.JSON(map[string]string{"error": msg, "code": code})
}
