package protection_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/llm-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/llm-gateway/internal/dedup"
	"github.com/angeloszaimis/llm-gateway/internal/faults"
	"github.com/angeloszaimis/llm-gateway/internal/protection"
	"github.com/angeloszaimis/llm-gateway/internal/ratelimit"
	"github.com/angeloszaimis/llm-gateway/internal/retry"
)

type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

// fakeUpstream counts invocations and answers with a fixed outcome.
type fakeUpstream struct {
	calls   atomic.Int64
	latency time.Duration
	err     error
}

func (u *fakeUpstream) call(ctx context.Context) (any, error) {
	n := u.calls.Add(1)
	if u.latency > 0 {
		select {
		case <-time.After(u.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if u.err != nil {
		return nil, u.err
	}
	return n, nil
}

var _ = Describe("Service", func() {
	var (
		ctx      context.Context
		clock    *fakeClock
		breakers *circuitbreaker.Registry
		limiter  *ratelimit.Limiter
		group    *dedup.Group
		executor *retry.Executor
		service  *protection.Service
		upstream *fakeUpstream
		opts     protection.Options
	)

	build := func(options ...protection.Option) {
		service = protection.New(protection.Deps{
			Breakers: breakers,
			Limiter:  limiter,
			Dedup:    group,
			Retry:    executor,
		}, options...)
	}

	BeforeEach(func() {
		ctx = context.Background()
		clock = &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		breakers = circuitbreaker.NewRegistry(circuitbreaker.Settings{
			FailureThreshold: 3,
			Cooldown:         5 * time.Second,
		}, circuitbreaker.WithClock(clock.Now))
		limiter = ratelimit.NewLimiter(ratelimit.NewMemoryStore(), map[ratelimit.Dimension]ratelimit.Rule{
			ratelimit.DimensionIP: {MaxRequests: 100, Window: time.Minute},
		})
		group = dedup.NewGroup()
		executor = retry.NewExecutor(retry.Policy{
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
			MaxDelay:    2 * time.Millisecond,
		})
		upstream = &fakeUpstream{}
		opts = protection.Options{
			Target:        "openai",
			DedupKey:      "fingerprint",
			RateLimitKeys: []ratelimit.Key{ratelimit.NewKey(ratelimit.DimensionIP, "10.0.0.1")},
		}
		build()
	})

	circuit := func() circuitbreaker.Snapshot {
		return breakers.GetBreaker("openai").Snapshot()
	}

	It("should return the upstream value", func() {
		result, err := service.ExecuteDetailed(ctx, opts, upstream.call)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Value).To(Equal(int64(1)))
		Expect(result.Dedup).To(Equal("miss"))
		Expect(circuit().StateName).To(Equal("CLOSED"))
	})

	Describe("rate limiting", func() {
		BeforeEach(func() {
			limiter.SetRules(map[ratelimit.Dimension]ratelimit.Rule{
				ratelimit.DimensionIP: {MaxRequests: 1, Window: time.Minute},
			})
		})

		It("should reject before touching the circuit or dedup", func() {
			_, err := service.ExecuteProtected(ctx, opts, upstream.call)
			Expect(err).NotTo(HaveOccurred())

			dedupBefore := group.Stats()
			circuitBefore := circuit()

			_, err = service.ExecuteProtected(ctx, opts, upstream.call)

			var rateErr *faults.RateLimitExceededError
			Expect(errors.As(err, &rateErr)).To(BeTrue())
			Expect(rateErr.Key).To(Equal("ip:10.0.0.1"))
			Expect(rateErr.RetryAfter()).To(BeNumerically(">", 0))

			Expect(upstream.calls.Load()).To(Equal(int64(1)))
			Expect(group.Stats()).To(Equal(dedupBefore))
			Expect(circuit()).To(Equal(circuitBefore))
		})

		It("should not consume a half-open probe slot", func() {
			limiter.SetRules(nil)
			upstream.err = &faults.StatusError{StatusCode: http.StatusBadGateway}
			executor = retry.NewExecutor(retry.Policy{MaxAttempts: 0})
			build()

			for i := 0; i < 3; i++ {
				service.ExecuteProtected(ctx, opts, upstream.call)
			}
			clock.Advance(5 * time.Second)
			Expect(circuit().StateName).To(Equal("HALF-OPEN"))

			limiter.SetRules(map[ratelimit.Dimension]ratelimit.Rule{
				ratelimit.DimensionIP: {MaxRequests: 1, Window: time.Minute},
			})
			limiter.Allow(ctx, opts.RateLimitKeys[0])

			_, err := service.ExecuteProtected(ctx, opts, upstream.call)
			Expect(err).To(BeAssignableToTypeOf(&faults.RateLimitExceededError{}))
			Expect(circuit().ProbesInFlight).To(BeZero())
		})
	})

	Describe("circuit breaking", func() {
		BeforeEach(func() {
			upstream.err = &faults.StatusError{StatusCode: http.StatusInternalServerError}
			executor = retry.NewExecutor(retry.Policy{MaxAttempts: 0})
			build()
		})

		It("should fail fast without calling upstream once open", func() {
			for i := 0; i < 3; i++ {
				_, err := service.ExecuteProtected(ctx, opts, upstream.call)
				Expect(err).To(BeAssignableToTypeOf(&faults.UpstreamUnavailableError{}))
			}
			Expect(circuit().StateName).To(Equal("OPEN"))

			start := time.Now()
			_, err := service.ExecuteProtected(ctx, opts, upstream.call)
			Expect(time.Since(start)).To(BeNumerically("<", 5*time.Millisecond))

			var openErr *faults.CircuitOpenError
			Expect(errors.As(err, &openErr)).To(BeTrue())
			Expect(openErr.RetryAfter()).To(Equal(5 * time.Second))
			Expect(upstream.calls.Load()).To(Equal(int64(3)))
		})

		It("should admit a probe after the cooldown and close on success", func() {
			for i := 0; i < 3; i++ {
				service.ExecuteProtected(ctx, opts, upstream.call)
			}

			clock.Advance(5 * time.Second)
			upstream.err = nil

			_, err := service.ExecuteProtected(ctx, opts, upstream.call)
			Expect(err).NotTo(HaveOccurred())
			Expect(upstream.calls.Load()).To(Equal(int64(4)))
			Expect(circuit().StateName).To(Equal("CLOSED"))
		})

		It("should not count client errors against the circuit", func() {
			upstream.err = &faults.StatusError{StatusCode: http.StatusBadRequest, Message: "bad prompt"}

			for i := 0; i < 5; i++ {
				_, err := service.ExecuteProtected(ctx, opts, upstream.call)
				var clientErr *faults.UpstreamClientError
				Expect(errors.As(err, &clientErr)).To(BeTrue())
				Expect(clientErr.HTTPStatus()).To(Equal(http.StatusBadRequest))
			}
			Expect(circuit().StateName).To(Equal("CLOSED"))
		})

		It("should reset through the admin operation", func() {
			for i := 0; i < 3; i++ {
				service.ExecuteProtected(ctx, opts, upstream.call)
			}
			Expect(service.ResetCircuit("openai")).To(BeTrue())
			Expect(circuit().StateName).To(Equal("CLOSED"))
			Expect(service.ResetCircuit("unknown")).To(BeFalse())
		})
	})

	Describe("retries", func() {
		BeforeEach(func() {
			upstream.err = &faults.StatusError{StatusCode: http.StatusServiceUnavailable}
		})

		It("should retry and record one failure per logical call", func() {
			_, err := service.ExecuteProtected(ctx, opts, upstream.call)

			var unavailable *faults.UpstreamUnavailableError
			Expect(errors.As(err, &unavailable)).To(BeTrue())
			Expect(unavailable.Attempts).To(Equal(3))
			Expect(unavailable.StatusCode).To(Equal(http.StatusServiceUnavailable))
			Expect(upstream.calls.Load()).To(Equal(int64(3)))
			Expect(circuit().ConsecutiveFailures).To(Equal(1))
		})

		It("should record every attempt in per-attempt mode", func() {
			build(protection.WithAccounting(protection.AccountPerAttempt))

			service.ExecuteProtected(ctx, opts, upstream.call)

			Expect(upstream.calls.Load()).To(Equal(int64(3)))
			Expect(circuit().StateName).To(Equal("OPEN"))
		})

		It("should stop retrying once its own failures open the circuit", func() {
			breakers = circuitbreaker.NewRegistry(circuitbreaker.Settings{
				FailureThreshold: 1,
				Cooldown:         5 * time.Second,
			}, circuitbreaker.WithClock(clock.Now))
			build(protection.WithAccounting(protection.AccountPerAttempt))

			_, err := service.ExecuteProtected(ctx, opts, upstream.call)

			var open *faults.CircuitOpenError
			Expect(errors.As(err, &open)).To(BeTrue())
			Expect(open.RetryAfter()).To(Equal(5 * time.Second))
			Expect(upstream.calls.Load()).To(Equal(int64(1)))
			Expect(circuit().StateName).To(Equal("OPEN"))
		})

		It("should surface timeouts as UpstreamTimeoutError", func() {
			upstream.err = nil
			upstream.latency = time.Second
			executor = retry.NewExecutor(retry.Policy{
				MaxAttempts:    1,
				BaseDelay:      time.Millisecond,
				AttemptTimeout: 10 * time.Millisecond,
			})
			build()

			_, err := service.ExecuteProtected(ctx, opts, upstream.call)

			var timeoutErr *faults.UpstreamTimeoutError
			Expect(errors.As(err, &timeoutErr)).To(BeTrue())
			Expect(timeoutErr.Attempts).To(Equal(2))
			Expect(timeoutErr.HTTPStatus()).To(Equal(http.StatusGatewayTimeout))
			Expect(circuit().ConsecutiveFailures).To(Equal(1))
		})
	})

	Describe("deduplication", func() {
		It("should execute once for 50 concurrent callers", func() {
			const callers = 50
			upstream.latency = 200 * time.Millisecond

			var wg sync.WaitGroup
			results := make([]any, callers)
			hits := atomic.Int64{}
			wg.Add(callers)

			start := time.Now()
			for i := 0; i < callers; i++ {
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					result, err := service.ExecuteDetailed(ctx, opts, upstream.call)
					Expect(err).NotTo(HaveOccurred())
					if result.Dedup == "hit" {
						hits.Add(1)
					}
					results[i] = result.Value
				}(i)
			}
			wg.Wait()

			Expect(time.Since(start)).To(BeNumerically("<", time.Second))
			Expect(upstream.calls.Load()).To(Equal(int64(1)))
			for _, v := range results {
				Expect(v).To(Equal(int64(1)))
			}
			Expect(hits.Load() + group.Stats().Originated).To(Equal(int64(callers)))
			Expect(circuit().ProbesInFlight).To(BeZero())
		})

		It("should execute twice for sequential calls", func() {
			v1, err := service.ExecuteProtected(ctx, opts, upstream.call)
			Expect(err).NotTo(HaveOccurred())
			v2, err := service.ExecuteProtected(ctx, opts, upstream.call)
			Expect(err).NotTo(HaveOccurred())

			Expect(v1).To(Equal(int64(1)))
			Expect(v2).To(Equal(int64(2)))
			Expect(upstream.calls.Load()).To(Equal(int64(2)))
		})

		It("should bypass deduplication without a key", func() {
			opts.DedupKey = ""
			result, err := service.ExecuteDetailed(ctx, opts, upstream.call)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Dedup).To(Equal("bypass"))
		})

		It("should return the caller's cancellation", func() {
			upstream.latency = time.Second
			callerCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()

			_, err := service.ExecuteProtected(callerCtx, opts, upstream.call)
			Expect(err).To(MatchError(context.DeadlineExceeded))
		})
	})

	Describe("Execute", func() {
		It("should return typed values", func() {
			reply, err := protection.Execute(ctx, service, opts, func(context.Context) (string, error) {
				return "hello", nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(reply).To(Equal("hello"))
		})

		It("should pass nil results through for nilable types", func() {
			reply, err := protection.Execute(ctx, service, opts, func(context.Context) (*http.Response, error) {
				return nil, nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(reply).To(BeNil())
		})

		It("should fail a joiner that expects a different type", func() {
			release := make(chan struct{})
			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(done)
				n, err := protection.Execute(ctx, service, opts, func(context.Context) (int, error) {
					<-release
					return 7, nil
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(n).To(Equal(7))
			}()
			Eventually(func() bool { return group.InFlight("fingerprint") }).Should(BeTrue())

			joined := make(chan error, 1)
			go func() {
				_, err := protection.Execute(ctx, service, opts, func(context.Context) (string, error) {
					return "never", nil
				})
				joined <- err
			}()
			Eventually(func() int64 { return group.Stats().Joined }).Should(Equal(int64(1)))
			close(release)

			var err error
			Eventually(joined).Should(Receive(&err))
			Expect(err).To(MatchError(ContainSubstring("shared result is int, not string")))
			<-done
		})
	})

	Describe("ReloadRateLimits", func() {
		It("should apply new rules immediately", func() {
			service.ReloadRateLimits(map[ratelimit.Dimension]ratelimit.Rule{
				ratelimit.DimensionIP: {MaxRequests: 1, Window: time.Minute},
			})

			_, err := service.ExecuteProtected(ctx, opts, upstream.call)
			Expect(err).NotTo(HaveOccurred())
			_, err = service.ExecuteProtected(ctx, opts, upstream.call)
			Expect(err).To(BeAssignableToTypeOf(&faults.RateLimitExceededError{}))
		})
	})

	Describe("Stats", func() {
		It("should report every component", func() {
			service.ExecuteProtected(ctx, opts, upstream.call)

			stats := service.Stats()
			Expect(stats.Accounting).To(Equal(protection.AccountPerCall))
			Expect(stats.Circuits).To(HaveLen(1))
			Expect(stats.Dedup.Originated).To(Equal(int64(1)))
			Expect(stats.Retry.Calls).To(Equal(int64(1)))
			Expect(stats.RateLimits.Dimensions).To(HaveLen(1))
		})
	})
})
