package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/angeloszaimis/llm-gateway/internal/faults"
)

// Policy configures an Executor.
type Policy struct {
	// MaxAttempts is the number of retries after the first call, so a call that
	// keeps failing runs MaxAttempts+1 times.
	MaxAttempts int

	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64

	// AttemptTimeout bounds each attempt independently of the caller's deadline.
	AttemptTimeout time.Duration

	IsRetryable func(error) bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    2,
		BaseDelay:      250 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		JitterFactor:   0.2,
		AttemptTimeout: 30 * time.Second,
		IsRetryable:    faults.IsRetryable,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()

	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.JitterFactor < 0 {
		p.JitterFactor = 0
	}
	if p.JitterFactor > 1 {
		p.JitterFactor = 1
	}
	if p.IsRetryable == nil {
		p.IsRetryable = def.IsRetryable
	}
	return p
}

// Delay returns the backoff before retry number attempt+1: min(base*2^attempt,
// max), scaled by a factor in [1-jitter, 1+jitter] chosen by random in [0,1).
func (p Policy) Delay(attempt int, random float64) time.Duration {
	backoff := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}

	backoff *= 1 + p.JitterFactor*(2*random-1)
	if backoff < 0 {
		return 0
	}
	return time.Duration(backoff)
}

// Error is returned once an Executor gives up. Terminal is true when the last
// error was not retryable or the caller went away, false when attempts ran out.
type Error struct {
	Attempts int
	Terminal bool
	Err      error
}

func (e *Error) Error() string {
	if e.Terminal {
		return fmt.Sprintf("terminal error after %d attempt(s): %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("retries exhausted after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Executor struct {
	policy  Policy
	onRetry []func(attempt int, err error, delay time.Duration)
	random  func() float64

	calls     atomic.Int64
	attempts  atomic.Int64
	retries   atomic.Int64
	exhausted atomic.Int64
	terminal  atomic.Int64
}

type Option func(*Executor)

// OnRetry registers a hook called after each failed attempt that will be
// retried, before the backoff sleep. attempt counts from 1.
func OnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(e *Executor) { e.onRetry = append(e.onRetry, fn) }
}

// WithRandom replaces the jitter source, mainly for tests.
func WithRandom(random func() float64) Option {
	return func(e *Executor) { e.random = random }
}

func NewExecutor(policy Policy, opts ...Option) *Executor {
	e := &Executor{
		policy: policy.withDefaults(),
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Policy() Policy {
	return e.policy
}

// Execute runs fn until it succeeds, fails terminally or runs out of attempts.
func (e *Executor) Execute(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	return Do(ctx, e, fn)
}

// Do is the typed form of Executor.Execute.
func Do[T any](ctx context.Context, e *Executor, fn func(context.Context) (T, error)) (T, error) {
	return DoWithHook(ctx, e, nil, fn)
}

// DoWithHook is Do with an extra per-call retry hook, run after the
// executor-wide ones.
func DoWithHook[T any](ctx context.Context, e *Executor, hook func(attempt int, err error, delay time.Duration), fn func(context.Context) (T, error)) (T, error) {
	var zero T
	e.calls.Add(1)

	for attempt := 0; ; attempt++ {
		e.attempts.Add(1)
		val, err := runAttempt(ctx, e.policy.AttemptTimeout, fn)
		if err == nil {
			return val, nil
		}

		if ctx.Err() != nil {
			e.terminal.Add(1)
			return zero, &Error{Attempts: attempt + 1, Terminal: true, Err: ctx.Err()}
		}
		if !e.policy.IsRetryable(err) {
			e.terminal.Add(1)
			return zero, &Error{Attempts: attempt + 1, Terminal: true, Err: err}
		}
		if attempt >= e.policy.MaxAttempts {
			e.exhausted.Add(1)
			return zero, &Error{Attempts: attempt + 1, Err: err}
		}

		delay := e.policy.Delay(attempt, e.random())
		for _, h := range e.onRetry {
			h(attempt+1, err, delay)
		}
		if hook != nil {
			hook(attempt+1, err, delay)
		}
		e.retries.Add(1)

		if err := sleep(ctx, delay); err != nil {
			e.terminal.Add(1)
			return zero, &Error{Attempts: attempt + 1, Terminal: true, Err: err}
		}
	}
}

type Stats struct {
	Calls     int64 `json:"calls"`
	Attempts  int64 `json:"attempts"`
	Retries   int64 `json:"retries"`
	Exhausted int64 `json:"exhausted"`
	Terminal  int64 `json:"terminal"`
}

func (e *Executor) Stats() Stats {
	return Stats{
		Calls:     e.calls.Load(),
		Attempts:  e.attempts.Load(),
		Retries:   e.retries.Load(),
		Exhausted: e.exhausted.Load(),
		Terminal:  e.terminal.Load(),
	}
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
