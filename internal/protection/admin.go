package protection

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/angeloszaimis/llm-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/llm-gateway/internal/dedup"
	"github.com/angeloszaimis/llm-gateway/internal/ratelimit"
	"github.com/angeloszaimis/llm-gateway/internal/retry"
)

// Execute is the typed form of Service.ExecuteProtected. Callers sharing a
// dedup key must agree on T.
func Execute[T any](ctx context.Context, s *Service, opts Options, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	val, err := s.ExecuteProtected(ctx, opts, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}

	if val == nil {
		return zero, nil
	}
	typed, ok := val.(T)
	if !ok {
		return zero, fmt.Errorf("protection: shared result is %T, not %T", val, zero)
	}
	return typed, nil
}

// Stats is a synchronous read-only view of every component.
type Stats struct {
	Accounting Accounting                `json:"accounting"`
	Circuits   []circuitbreaker.Snapshot `json:"circuits"`
	RateLimits ratelimit.Stats           `json:"rate_limits"`
	Dedup      dedup.Stats               `json:"dedup"`
	Retry      retry.Stats               `json:"retry"`
}

func (s *Service) Stats() Stats {
	return Stats{
		Accounting: s.accounting,
		Circuits:   s.breakers.Snapshots(),
		RateLimits: s.limiter.Stats(),
		Dedup:      s.dedup.Stats(),
		Retry:      s.retry.Stats(),
	}
}

// Circuits returns the state of every known target.
func (s *Service) Circuits() []circuitbreaker.Snapshot {
	return s.breakers.Snapshots()
}

// ResetCircuit forces target's circuit back to CLOSED. It reports false for a
// target that has never been called.
func (s *Service) ResetCircuit(target string) bool {
	return s.breakers.ForceClose(target)
}

// ResetCircuits forces every known circuit back to CLOSED.
func (s *Service) ResetCircuits() int {
	return s.breakers.Reset()
}

// ReloadRateLimits swaps the rate-limit rules without touching live windows.
func (s *Service) ReloadRateLimits(rules map[ratelimit.Dimension]ratelimit.Rule) {
	s.limiter.SetRules(rules)

	attrs := make([]any, 0, len(rules))
	for dimension, rule := range rules {
		attrs = append(attrs, slog.Group(string(dimension),
			slog.Int("max_requests", rule.MaxRequests),
			slog.Duration("window", rule.Window),
		))
	}
	s.logger.Info("Rate limits reloaded", attrs...)
}
