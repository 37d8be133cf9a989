// Package circuitbreaker implements per-target circuit breakers for LLM providers.
//
// A circuit breaker stops forwarding calls to a failing provider. It has three states:
//
//   - CLOSED: Normal operation, calls pass through
//   - OPEN: Provider failing, calls rejected without network I/O until the cooldown elapses
//   - HALF-OPEN: A bounded number of probe calls test whether the provider recovered
//
// Legal transitions are CLOSED->OPEN, OPEN->HALF-OPEN, HALF-OPEN->CLOSED and
// HALF-OPEN->OPEN. A failed probe reopens with a longer cooldown. ForceClose is the
// administrative escape hatch.
//
// Usage:
//
//	registry := circuitbreaker.NewRegistry(circuitbreaker.DefaultSettings())
//	ticket, err := registry.BeforeCall("openai")
//	if err != nil {
//	    return err // *faults.CircuitOpenError
//	}
//	if err := call(); err != nil {
//	    registry.OnFailure("openai", ticket, err)
//	} else {
//	    registry.OnSuccess("openai", ticket)
//	}
package circuitbreaker
