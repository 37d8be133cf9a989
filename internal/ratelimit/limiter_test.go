package ratelimit_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/llm-gateway/internal/ratelimit"
)

type brokenStore struct{}

func (brokenStore) Hit(context.Context, string, ratelimit.Rule) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("connection refused")
}

var _ = Describe("Limiter", func() {
	var (
		ctx     context.Context
		store   *ratelimit.MemoryStore
		limiter *ratelimit.Limiter
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = ratelimit.NewMemoryStore(ratelimit.WithClock(newFakeClock().Now))
		limiter = ratelimit.NewLimiter(store, map[ratelimit.Dimension]ratelimit.Rule{
			ratelimit.DimensionIP:   {MaxRequests: 2, Window: time.Minute},
			ratelimit.DimensionUser: {MaxRequests: 5, Window: time.Minute},
		})
	})

	Describe("Allow", func() {
		It("should limit per dimension rule", func() {
			key := ratelimit.NewKey(ratelimit.DimensionIP, "10.0.0.1")
			Expect(limiter.Allow(ctx, key).Allowed).To(BeTrue())
			Expect(limiter.Allow(ctx, key).Allowed).To(BeTrue())

			decision := limiter.Allow(ctx, key)
			Expect(decision.Allowed).To(BeFalse())
			Expect(decision.RetryAfter).To(Equal(time.Minute))
		})

		It("should allow keys whose dimension has no rule", func() {
			key := ratelimit.NewKey(ratelimit.DimensionAgentEndpoint, "support|chat")
			for i := 0; i < 100; i++ {
				decision := limiter.Allow(ctx, key)
				Expect(decision.Allowed).To(BeTrue())
				Expect(decision.Remaining).To(Equal(-1))
			}
			Expect(store.Len()).To(BeZero())
		})
	})

	Describe("AllowAll", func() {
		It("should stop at the first rejecting key", func() {
			ip := ratelimit.NewKey(ratelimit.DimensionIP, "10.0.0.1")
			user := ratelimit.NewKey(ratelimit.DimensionUser, "alice")
			limiter.Allow(ctx, ip)
			limiter.Allow(ctx, ip)

			key, decision := limiter.AllowAll(ctx, []ratelimit.Key{ip, user})
			Expect(decision.Allowed).To(BeFalse())
			Expect(key).To(Equal(ip))

			stats := limiter.Stats()
			Expect(stats.Dimensions).To(ContainElement(HaveField("Dimension", ratelimit.DimensionUser)))
			for _, ds := range stats.Dimensions {
				if ds.Dimension == ratelimit.DimensionUser {
					Expect(ds.Allowed).To(BeZero())
				}
			}
		})

		It("should allow when every key has room", func() {
			_, decision := limiter.AllowAll(ctx, []ratelimit.Key{
				ratelimit.NewKey(ratelimit.DimensionIP, "10.0.0.1"),
				ratelimit.NewKey(ratelimit.DimensionUser, "alice"),
			})
			Expect(decision.Allowed).To(BeTrue())
		})
	})

	Describe("SetRules", func() {
		It("should apply new rules to subsequent hits", func() {
			key := ratelimit.NewKey(ratelimit.DimensionIP, "10.0.0.1")
			limiter.Allow(ctx, key)
			limiter.Allow(ctx, key)
			Expect(limiter.Allow(ctx, key).Allowed).To(BeFalse())

			limiter.SetRules(map[ratelimit.Dimension]ratelimit.Rule{
				ratelimit.DimensionIP: {MaxRequests: 10, Window: time.Minute},
			})
			Expect(limiter.Allow(ctx, key).Allowed).To(BeTrue())
			Expect(limiter.Rules()).To(HaveLen(1))
		})

		It("should drop disabled rules", func() {
			limiter.SetRules(map[ratelimit.Dimension]ratelimit.Rule{
				ratelimit.DimensionIP:   {MaxRequests: 0, Window: time.Minute},
				ratelimit.DimensionUser: {MaxRequests: 1},
			})
			Expect(limiter.Rules()).To(BeEmpty())
		})
	})

	DescribeTable("store failures",
		func(mode ratelimit.FailureMode, allowed bool) {
			limiter = ratelimit.NewLimiter(brokenStore{}, map[ratelimit.Dimension]ratelimit.Rule{
				ratelimit.DimensionIP: {MaxRequests: 1, Window: time.Minute},
			}, ratelimit.WithFailureMode(mode))

			decision := limiter.Allow(ctx, ratelimit.NewKey(ratelimit.DimensionIP, "10.0.0.1"))
			Expect(decision.Allowed).To(Equal(allowed))

			stats := limiter.Stats()
			Expect(stats.Windows).To(Equal(-1))
			Expect(stats.Dimensions).To(HaveLen(1))
			Expect(stats.Dimensions[0].StoreErrors).To(Equal(int64(1)))
		},
		Entry("fail open allows", ratelimit.FailOpen, true),
		Entry("fail closed rejects", ratelimit.FailClosed, false),
	)

	Describe("Stats", func() {
		It("should count decisions per dimension", func() {
			key := ratelimit.NewKey(ratelimit.DimensionIP, "10.0.0.1")
			for i := 0; i < 3; i++ {
				limiter.Allow(ctx, key)
			}

			stats := limiter.Stats()
			Expect(stats.FailureMode).To(Equal(ratelimit.FailOpen))
			Expect(stats.Windows).To(Equal(1))
			Expect(stats.Dimensions).To(HaveLen(2))
			Expect(stats.Dimensions[0].Dimension).To(Equal(ratelimit.DimensionIP))
			Expect(stats.Dimensions[0].Allowed).To(Equal(int64(2)))
			Expect(stats.Dimensions[0].Rejected).To(Equal(int64(1)))
			Expect(stats.Dimensions[0].Rule.MaxRequests).To(Equal(2))
		})
	})
})
