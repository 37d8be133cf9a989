// Package retry retries upstream calls with jittered exponential backoff.
//
// Each failed attempt is classified by Policy.IsRetryable. Retryable errors
// are retried after min(BaseDelay*2^attempt, MaxDelay), randomized by
// ±JitterFactor so many failing callers do not retry in lockstep. Terminal
// errors and exhausted budgets come back as *Error, which unwraps to the last
// upstream error.
package retry
