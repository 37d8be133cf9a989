// Package protection combines rate limiting, circuit breaking, request
// deduplication and retries behind one entry point.
//
// Every call runs the same fixed sequence:
//
//  1. Each rate-limit key is checked; the first rejection returns
//     *faults.RateLimitExceededError.
//  2. The target's circuit admits the call or returns *faults.CircuitOpenError.
//  3. Concurrent calls with the same dedup key share one execution.
//  4. The execution is retried with backoff and its final outcome is reported
//     to the circuit once.
//  5. Upstream errors are mapped to *faults.UpstreamTimeoutError,
//     *faults.UpstreamClientError or *faults.UpstreamUnavailableError.
//
// Rejected traffic never reaches steps 3 and 4, so it cannot hold a dedup slot
// or a half-open probe.
package protection
