package protection

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/angeloszaimis/llm-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/llm-gateway/internal/dedup"
	"github.com/angeloszaimis/llm-gateway/internal/faults"
	"github.com/angeloszaimis/llm-gateway/internal/metrics"
	"github.com/angeloszaimis/llm-gateway/internal/ratelimit"
	"github.com/angeloszaimis/llm-gateway/internal/retry"
)

// Accounting decides how often an upstream call updates its circuit.
type Accounting string

const (
	// AccountPerCall records the final outcome once, after retries.
	AccountPerCall Accounting = "per_call"
	// AccountPerAttempt also records every failed attempt that is retried.
	AccountPerAttempt Accounting = "per_attempt"
)

// Options describe one protected call.
type Options struct {
	// Target selects the circuit, usually the provider.
	Target string
	// DedupKey coalesces concurrent identical calls. Empty disables it.
	DedupKey string
	// RateLimitKeys are checked in order before anything else.
	RateLimitKeys []ratelimit.Key
}

// Call is the upstream operation being protected.
type Call func(ctx context.Context) (any, error)

// Result is what ExecuteDetailed returns alongside the value.
type Result struct {
	Value any
	// Dedup is metrics.DedupHit, DedupMiss or DedupBypass.
	Dedup string
}

// Deps are the components a Service orchestrates. Nil fields get defaults.
type Deps struct {
	Breakers *circuitbreaker.Registry
	Limiter  *ratelimit.Limiter
	Dedup    *dedup.Group
	Retry    *retry.Executor
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

type Service struct {
	breakers   *circuitbreaker.Registry
	limiter    *ratelimit.Limiter
	dedup      *dedup.Group
	retry      *retry.Executor
	collector  *metrics.Collector
	logger     *slog.Logger
	accounting Accounting
}

type Option func(*Service)

func WithAccounting(accounting Accounting) Option {
	return func(s *Service) { s.accounting = accounting }
}

func New(deps Deps, opts ...Option) *Service {
	s := &Service{
		breakers:   deps.Breakers,
		limiter:    deps.Limiter,
		dedup:      deps.Dedup,
		retry:      deps.Retry,
		collector:  deps.Metrics,
		logger:     deps.Logger,
		accounting: AccountPerCall,
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	s.logger = s.logger.With(slog.String("component", "protection"))
	if s.breakers == nil {
		s.breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultSettings())
	}
	if s.limiter == nil {
		s.limiter = ratelimit.NewLimiter(ratelimit.NewMemoryStore(), nil)
	}
	if s.dedup == nil {
		s.dedup = dedup.NewGroup()
	}
	if s.retry == nil {
		s.retry = retry.NewExecutor(retry.DefaultPolicy())
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExecuteProtected runs call behind rate limiting, the target's circuit,
// deduplication and retries, in that order. It returns the call's value or one
// of the faults errors.
func (s *Service) ExecuteProtected(ctx context.Context, opts Options, call Call) (any, error) {
	result, err := s.ExecuteDetailed(ctx, opts, call)
	return result.Value, err
}

// ExecuteDetailed is ExecuteProtected that also reports how the call was
// deduplicated.
func (s *Service) ExecuteDetailed(ctx context.Context, opts Options, call Call) (Result, error) {
	if len(opts.RateLimitKeys) > 0 {
		key, decision := s.limiter.AllowAll(ctx, opts.RateLimitKeys)
		if !decision.Allowed {
			s.emitEvent(metrics.MetricEvent{
				Type:      metrics.EventRateLimited,
				Target:    opts.Target,
				Dimension: string(key.Dimension),
			})
			return Result{}, &faults.RateLimitExceededError{Key: key.String(), Delay: decision.RetryAfter}
		}
	}

	ticket, err := s.breakers.BeforeCall(opts.Target)
	if err != nil {
		s.logger.Debug("Circuit rejected call", slog.String("target", opts.Target))
		s.emitEvent(metrics.MetricEvent{Type: metrics.EventCircuitRejected, Target: opts.Target})
		return Result{}, err
	}

	val, shared, err := s.dedup.Do(ctx, opts.DedupKey, func(execCtx context.Context) (any, error) {
		return s.execute(execCtx, opts.Target, ticket, call)
	})

	result := Result{Value: val, Dedup: metrics.DedupMiss}
	switch {
	case opts.DedupKey == "":
		result.Dedup = metrics.DedupBypass
	case shared:
		result.Dedup = metrics.DedupHit
		// The originator's ticket records the outcome.
		s.breakers.Release(opts.Target, ticket)
	}
	s.emitEvent(metrics.MetricEvent{Type: metrics.EventDedup, Target: opts.Target, Result: result.Dedup})

	if err != nil {
		return Result{Dedup: result.Dedup}, s.finalError(ctx, opts.Target, err)
	}
	return result, nil
}

// execute runs once per deduplicated execution and reports its outcome to the
// circuit exactly once.
func (s *Service) execute(ctx context.Context, target string, ticket circuitbreaker.Ticket, call Call) (any, error) {
	onRetry := func(attempt int, err error, delay time.Duration) {
		s.logger.Debug("Retrying upstream call",
			slog.String("target", target),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		s.emitEvent(metrics.MetricEvent{Type: metrics.EventRetryAttempt, Target: target, Attempt: attempt})
		if s.accounting == AccountPerAttempt {
			s.breakers.OnFailure(target, ticket, err)
		}
	}

	attempts := 0
	attempt := func(ctx context.Context) (any, error) {
		attempts++
		if attempts > 1 {
			// Stop retrying once the circuit has opened under us.
			if err := s.breakers.Check(target, ticket); err != nil {
				return nil, err
			}
		}
		return call(ctx)
	}

	val, err := retry.DoWithHook[any](ctx, s.retry, onRetry, attempt)
	switch {
	case err == nil:
		s.breakers.OnSuccess(target, ticket)
	case faults.Classify(err) == faults.ClassCanceled:
		// Nobody is waiting any more; this says nothing about the provider.
		s.breakers.Release(target, ticket)
	default:
		s.breakers.OnFailure(target, ticket, err)
	}
	return val, err
}

func (s *Service) finalError(ctx context.Context, target string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}
	if _, ok := faults.AsError(err); ok {
		return err
	}

	attempts := 1
	var retryErr *retry.Error
	if errors.As(err, &retryErr) {
		attempts = retryErr.Attempts
		err = retryErr.Err
	}

	class := faults.Classify(err)
	s.emitEvent(metrics.MetricEvent{Type: metrics.EventUpstreamError, Target: target, Class: class.String()})
	s.logger.Info("Upstream call failed",
		slog.String("target", target),
		slog.String("class", class.String()),
		slog.Int("attempts", attempts),
		slog.Any("error", err),
	)

	switch class {
	case faults.ClassTimeout:
		return &faults.UpstreamTimeoutError{Target: target, Attempts: attempts, Err: err}
	case faults.ClassClient:
		return &faults.UpstreamClientError{Target: target, StatusCode: faults.StatusCode(err), Err: err}
	default:
		return &faults.UpstreamUnavailableError{
			Target:     target,
			StatusCode: faults.StatusCode(err),
			Attempts:   attempts,
			Err:        err,
		}
	}
}

func (s *Service) emitEvent(event metrics.MetricEvent) {
	s.collector.Emit(event)
}
