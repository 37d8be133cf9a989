package circuitbreaker_test

import (
	"errors"
	"net/http"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/llm-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/llm-gateway/internal/faults"
)

type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
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

var errUpstream = &faults.StatusError{StatusCode: http.StatusInternalServerError}

func fail(cb *circuitbreaker.CircuitBreaker) {
	ticket, err := cb.BeforeCall()
	Expect(err).NotTo(HaveOccurred())
	cb.OnFailure(ticket, errUpstream)
}

func succeed(cb *circuitbreaker.CircuitBreaker) {
	ticket, err := cb.BeforeCall()
	Expect(err).NotTo(HaveOccurred())
	cb.OnSuccess(ticket)
}

var _ = Describe("CircuitBreaker", func() {
	var (
		clock *fakeClock
		cb    *circuitbreaker.CircuitBreaker
	)

	newBreaker := func(settings circuitbreaker.Settings) *circuitbreaker.CircuitBreaker {
		registry := circuitbreaker.NewRegistry(settings, circuitbreaker.WithClock(clock.Now))
		return registry.GetBreaker("openai")
	}

	BeforeEach(func() {
		clock = newFakeClock()
		cb = newBreaker(circuitbreaker.Settings{
			FailureThreshold: 3,
			Cooldown:         5 * time.Second,
			MaxCooldown:      20 * time.Second,
		})
	})

	Describe("NewCircuitBreaker", func() {
		It("should create a circuit breaker in closed state", func() {
			standalone := circuitbreaker.NewCircuitBreaker("anthropic", circuitbreaker.DefaultSettings())
			Expect(standalone).NotTo(BeNil())
			Expect(standalone.State()).To(Equal(circuitbreaker.StateClosed))
		})
	})

	Context("when in CLOSED state", func() {
		It("should admit calls", func() {
			ticket, err := cb.BeforeCall()
			Expect(err).NotTo(HaveOccurred())
			Expect(ticket.Probe()).To(BeFalse())
		})

		It("should remain closed below the failure threshold", func() {
			fail(cb)
			fail(cb)
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
			Expect(cb.Snapshot().ConsecutiveFailures).To(Equal(2))
		})

		It("should open after three consecutive failures", func() {
			fail(cb)
			fail(cb)
			fail(cb)
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
		})

		It("should reset the consecutive count on success", func() {
			fail(cb)
			fail(cb)
			succeed(cb)
			fail(cb)
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
			Expect(cb.Snapshot().ConsecutiveFailures).To(Equal(1))
		})

		It("should not count client errors", func() {
			for i := 0; i < 10; i++ {
				ticket, err := cb.BeforeCall()
				Expect(err).NotTo(HaveOccurred())
				cb.OnFailure(ticket, &faults.StatusError{StatusCode: http.StatusBadRequest})
			}
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
			Expect(cb.Snapshot().ConsecutiveFailures).To(BeZero())
		})
	})

	Context("when in OPEN state", func() {
		BeforeEach(func() {
			fail(cb)
			fail(cb)
			fail(cb)
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
		})

		It("should reject immediately with the remaining cooldown", func() {
			clock.Advance(2 * time.Second)

			start := time.Now()
			_, err := cb.BeforeCall()
			Expect(time.Since(start)).To(BeNumerically("<", 5*time.Millisecond))

			var openErr *faults.CircuitOpenError
			Expect(errors.As(err, &openErr)).To(BeTrue())
			Expect(openErr.Target).To(Equal("openai"))
			Expect(openErr.RetryAfter()).To(Equal(3 * time.Second))
		})

		It("should keep rejecting until the cooldown elapses", func() {
			for i := 0; i < 5; i++ {
				clock.Advance(900 * time.Millisecond)
				_, err := cb.BeforeCall()
				Expect(err).To(HaveOccurred())
			}
			Expect(cb.Snapshot().Rejected).To(Equal(int64(5)))
		})

		It("should admit a HALF-OPEN probe after the cooldown", func() {
			clock.Advance(5 * time.Second)

			ticket, err := cb.BeforeCall()
			Expect(err).NotTo(HaveOccurred())
			Expect(ticket.Probe()).To(BeTrue())
			Expect(cb.State()).To(Equal(circuitbreaker.StateHalfOpen))
		})
	})

	Context("when in HALF-OPEN state", func() {
		var probe circuitbreaker.Ticket

		BeforeEach(func() {
			fail(cb)
			fail(cb)
			fail(cb)
			clock.Advance(5 * time.Second)

			var err error
			probe, err = cb.BeforeCall()
			Expect(err).NotTo(HaveOccurred())
		})

		It("should reject concurrent calls beyond the probe budget", func() {
			_, err := cb.BeforeCall()
			var openErr *faults.CircuitOpenError
			Expect(errors.As(err, &openErr)).To(BeTrue())
			Expect(openErr.RetryAfter()).To(Equal(time.Second))
		})

		It("should report the circuit to calls admitted before it moved on", func() {
			Expect(cb.Check(probe)).To(Succeed())

			cb.OnFailure(probe, errUpstream)

			var openErr *faults.CircuitOpenError
			Expect(errors.As(cb.Check(probe), &openErr)).To(BeTrue())
			Expect(openErr.RetryAfter()).To(Equal(10 * time.Second))
		})

		It("should admit exactly the probe budget under concurrency", func() {
			cb = newBreaker(circuitbreaker.Settings{
				FailureThreshold: 1,
				Cooldown:         time.Second,
				HalfOpenProbes:   3,
			})
			fail(cb)
			clock.Advance(time.Second)

			const goroutines = 50
			var (
				wg       sync.WaitGroup
				mutex    sync.Mutex
				admitted int
				hints    []time.Duration
			)
			wg.Add(goroutines)
			for i := 0; i < goroutines; i++ {
				go func() {
					defer wg.Done()
					_, err := cb.BeforeCall()

					mutex.Lock()
					defer mutex.Unlock()
					var openErr *faults.CircuitOpenError
					if errors.As(err, &openErr) {
						hints = append(hints, openErr.RetryAfter())
						return
					}
					admitted++
				}()
			}
			wg.Wait()

			Expect(admitted).To(Equal(3))
			Expect(hints).To(HaveLen(goroutines - 3))
			Expect(hints).To(HaveEach(BeNumerically(">", 0)))
			Expect(cb.Snapshot().ProbesInFlight).To(Equal(3))
		})

		It("should close on probe success", func() {
			cb.OnSuccess(probe)
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
			Expect(cb.Snapshot().ConsecutiveFailures).To(BeZero())
		})

		It("should reopen with a doubled cooldown on probe failure", func() {
			cb.OnFailure(probe, errUpstream)
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
			Expect(cb.Snapshot().Cooldown).To(Equal(10 * time.Second))

			clock.Advance(5 * time.Second)
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))

			clock.Advance(5 * time.Second)
			Expect(cb.State()).To(Equal(circuitbreaker.StateHalfOpen))
		})

		It("should cap the cooldown backoff", func() {
			cb.OnFailure(probe, errUpstream)
			for i := 0; i < 4; i++ {
				clock.Advance(cb.Snapshot().Cooldown)
				ticket, err := cb.BeforeCall()
				Expect(err).NotTo(HaveOccurred())
				cb.OnFailure(ticket, errUpstream)
			}
			Expect(cb.Snapshot().Cooldown).To(Equal(20 * time.Second))
		})

		It("should hand the probe slot back on Release", func() {
			cb.Release(probe)

			next, err := cb.BeforeCall()
			Expect(err).NotTo(HaveOccurred())
			Expect(next.Probe()).To(BeTrue())
		})

		It("should ignore outcomes of calls admitted before the transition", func() {
			registry := circuitbreaker.NewRegistry(circuitbreaker.Settings{
				FailureThreshold: 1,
				Cooldown:         time.Second,
			}, circuitbreaker.WithClock(clock.Now))
			other := registry.GetBreaker("gemini")

			stale, err := other.BeforeCall()
			Expect(err).NotTo(HaveOccurred())
			fail(other)
			clock.Advance(time.Second)
			Expect(other.State()).To(Equal(circuitbreaker.StateHalfOpen))

			other.OnSuccess(stale)
			Expect(other.State()).To(Equal(circuitbreaker.StateHalfOpen))
		})
	})

	Describe("ratio policy", func() {
		BeforeEach(func() {
			cb = newBreaker(circuitbreaker.Settings{
				Policy:       circuitbreaker.PolicyRatio,
				FailureRatio: 0.5,
				WindowSize:   10,
				MinCalls:     4,
				Cooldown:     time.Second,
			})
		})

		It("should wait for the minimum number of calls", func() {
			fail(cb)
			fail(cb)
			fail(cb)
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})

		It("should open once the failure share reaches the ratio", func() {
			succeed(cb)
			fail(cb)
			succeed(cb)
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
			fail(cb)
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
		})

		It("should stay closed while failures are a minority", func() {
			for i := 0; i < 10; i++ {
				succeed(cb)
				succeed(cb)
				fail(cb)
			}
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})
	})

	Describe("ForceClose", func() {
		It("should close an open circuit and reset its cooldown", func() {
			fail(cb)
			fail(cb)
			fail(cb)

			cb.ForceClose()
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))

			_, err := cb.BeforeCall()
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("State.String", func() {
		It("should return correct string representation", func() {
			Expect(circuitbreaker.StateClosed.String()).To(Equal("CLOSED"))
			Expect(circuitbreaker.StateOpen.String()).To(Equal("OPEN"))
			Expect(circuitbreaker.StateHalfOpen.String()).To(Equal("HALF-OPEN"))
		})
	})
})
