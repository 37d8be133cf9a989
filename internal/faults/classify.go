package faults

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// Class groups upstream errors by how the resilience layer reacts to them.
type Class int

const (
	ClassUnknown Class = iota
	ClassTimeout
	ClassClient
	ClassServer
	ClassNetwork
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassTimeout:
		return "timeout"
	case ClassClient:
		return "client"
	case ClassServer:
		return "server"
	case ClassNetwork:
		return "network"
	case ClassCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Classify inspects err and reports its class. A nil error is ClassUnknown.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.StatusCode)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassNetwork
	}

	return ClassUnknown
}

func classifyStatus(code int) Class {
	switch {
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return ClassTimeout
	case code >= 500:
		return ClassServer
	case code >= 400:
		return ClassClient
	default:
		return ClassUnknown
	}
}

// StatusCode returns the upstream HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// IsRetryable is the default retry classifier: timeouts, 5xx, 429 and
// network failures are retried; everything else is terminal.
func IsRetryable(err error) bool {
	if StatusCode(err) == http.StatusTooManyRequests {
		return true
	}
	switch Classify(err) {
	case ClassTimeout, ClassServer, ClassNetwork:
		return true
	default:
		return false
	}
}

// IsCircuitFailure is the default breaker classifier. Client errors, including
// 429, describe the caller rather than provider health and are not counted.
// Unknown errors are counted.
func IsCircuitFailure(err error) bool {
	if err == nil {
		return false
	}
	switch Classify(err) {
	case ClassClient, ClassCanceled:
		return false
	default:
		return true
	}
}

// AsError reports whether err is (or wraps) one of the protection errors.
func AsError(err error) (Error, bool) {
	var rl *RateLimitExceededError
	if errors.As(err, &rl) {
		return rl, true
	}
	var co *CircuitOpenError
	if errors.As(err, &co) {
		return co, true
	}
	var to *UpstreamTimeoutError
	if errors.As(err, &to) {
		return to, true
	}
	var ce *UpstreamClientError
	if errors.As(err, &ce) {
		return ce, true
	}
	var ue *UpstreamUnavailableError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
