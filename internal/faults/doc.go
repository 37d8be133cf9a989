// Package faults defines the errors the gateway's protection layer returns
// and the classification of upstream failures.
//
// The protection errors form a closed set behind the sealed Error interface:
//
//   - RateLimitExceededError: HTTP 429, never retried
//   - CircuitOpenError: HTTP 503, no network call attempted
//   - UpstreamTimeoutError: HTTP 504 after retries against a slow upstream
//   - UpstreamClientError: the upstream's own 4xx, surfaced unchanged
//   - UpstreamUnavailableError: HTTP 502 for 5xx and network failures
//
// Callers switch on the concrete type:
//
//	switch e := err.(type) {
//	case *faults.RateLimitExceededError:
//	    wait(e.RetryAfter())
//	case *faults.CircuitOpenError:
//	    failover(e.Target)
//	}
package faults
