package faults

import (
	"fmt"
	"net/http"
	"time"
)

// Machine-readable codes carried by every protection error.
const (
	CodeRateLimited         = "rate_limit_exceeded"
	CodeCircuitOpen         = "circuit_open"
	CodeUpstreamTimeout     = "upstream_timeout"
	CodeUpstreamClient      = "upstream_client_error"
	CodeUpstreamUnavailable = "upstream_unavailable"
)

// Error is the closed set of errors surfaced by the protection layer.
// Only the types in this package implement it.
type Error interface {
	error
	Code() string
	HTTPStatus() int
	// RetryAfter is zero when no meaningful hint exists.
	RetryAfter() time.Duration
	sealed()
}

// RateLimitExceededError is returned when any rate-limit dimension rejects a request.
type RateLimitExceededError struct {
	Key   string
	Delay time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Key, e.Delay)
}

func (e *RateLimitExceededError) Code() string              { return CodeRateLimited }
func (e *RateLimitExceededError) HTTPStatus() int           { return http.StatusTooManyRequests }
func (e *RateLimitExceededError) RetryAfter() time.Duration { return e.Delay }
func (*RateLimitExceededError) sealed()                     {}

// CircuitOpenError is returned without any network attempt while a target's circuit rejects calls.
type CircuitOpenError struct {
	Target string
	Delay  time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %s", e.Target, e.Delay)
}

func (e *CircuitOpenError) Code() string              { return CodeCircuitOpen }
func (e *CircuitOpenError) HTTPStatus() int           { return http.StatusServiceUnavailable }
func (e *CircuitOpenError) RetryAfter() time.Duration { return e.Delay }
func (*CircuitOpenError) sealed()                     {}

// UpstreamTimeoutError is the final error after retries against a timing-out upstream.
type UpstreamTimeoutError struct {
	Target   string
	Attempts int
	Err      error
}

func (e *UpstreamTimeoutError) Error() string {
	return fmt.Sprintf("upstream %s timed out after %d attempt(s): %v", e.Target, e.Attempts, e.Err)
}

func (e *UpstreamTimeoutError) Unwrap() error             { return e.Err }
func (e *UpstreamTimeoutError) Code() string              { return CodeUpstreamTimeout }
func (e *UpstreamTimeoutError) HTTPStatus() int           { return http.StatusGatewayTimeout }
func (e *UpstreamTimeoutError) RetryAfter() time.Duration { return 0 }
func (*UpstreamTimeoutError) sealed()                     {}

// UpstreamClientError is a non-retryable rejection by the upstream (bad input, auth).
type UpstreamClientError struct {
	Target     string
	StatusCode int
	Err        error
}

func (e *UpstreamClientError) Error() string {
	return fmt.Sprintf("upstream %s rejected request with status %d: %v", e.Target, e.StatusCode, e.Err)
}

func (e *UpstreamClientError) Unwrap() error { return e.Err }
func (e *UpstreamClientError) Code() string  { return CodeUpstreamClient }

func (e *UpstreamClientError) HTTPStatus() int {
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		return e.StatusCode
	}
	return http.StatusBadRequest
}

func (e *UpstreamClientError) RetryAfter() time.Duration { return 0 }
func (*UpstreamClientError) sealed()                     {}

// UpstreamUnavailableError covers server errors and network failures left after retries.
type UpstreamUnavailableError struct {
	Target     string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *UpstreamUnavailableError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream %s unavailable (status %d) after %d attempt(s): %v", e.Target, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("upstream %s unavailable after %d attempt(s): %v", e.Target, e.Attempts, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error             { return e.Err }
func (e *UpstreamUnavailableError) Code() string              { return CodeUpstreamUnavailable }
func (e *UpstreamUnavailableError) HTTPStatus() int           { return http.StatusBadGateway }
func (e *UpstreamUnavailableError) RetryAfter() time.Duration { return 0 }
func (*UpstreamUnavailableError) sealed()                     {}

// StatusError is returned by upstream clients for HTTP responses >= 400.
// Message is a short summary, never the raw upstream body.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Message)
}
