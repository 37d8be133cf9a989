package dedup_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/llm-gateway/internal/dedup"
)

type ctxKey struct{}

var _ = Describe("Group", func() {
	var (
		ctx   context.Context
		group *dedup.Group
	)

	BeforeEach(func() {
		ctx = context.Background()
		group = dedup.NewGroup()
	})

	It("should execute once for 50 concurrent callers", func() {
		const callers = 50
		var executions atomic.Int64

		release := make(chan struct{})
		fn := func(context.Context) (any, error) {
			executions.Add(1)
			<-release
			time.Sleep(200 * time.Millisecond)
			return "completion-1", nil
		}

		results := make([]any, callers)
		var sharedCount atomic.Int64
		var wg sync.WaitGroup
		wg.Add(callers)

		start := time.Now()
		for i := 0; i < callers; i++ {
			go func(i int) {
				defer GinkgoRecover()
				defer wg.Done()
				v, shared, err := group.Do(ctx, "fingerprint", fn)
				Expect(err).NotTo(HaveOccurred())
				if shared {
					sharedCount.Add(1)
				}
				results[i] = v
			}(i)
		}

		Eventually(func() int64 { return group.Stats().Joined }).Should(Equal(int64(callers - 1)))
		close(release)
		wg.Wait()

		Expect(time.Since(start)).To(BeNumerically("<", 2*time.Second))
		Expect(executions.Load()).To(Equal(int64(1)))
		Expect(sharedCount.Load()).To(Equal(int64(callers - 1)))
		for _, v := range results {
			Expect(v).To(Equal("completion-1"))
		}
	})

	It("should execute again for a sequential call with the same key", func() {
		var executions atomic.Int64
		fn := func(context.Context) (any, error) {
			return executions.Add(1), nil
		}

		v1, shared1, err := group.Do(ctx, "fingerprint", fn)
		Expect(err).NotTo(HaveOccurred())
		v2, shared2, err := group.Do(ctx, "fingerprint", fn)
		Expect(err).NotTo(HaveOccurred())

		Expect(v1).To(Equal(int64(1)))
		Expect(v2).To(Equal(int64(2)))
		Expect(shared1).To(BeFalse())
		Expect(shared2).To(BeFalse())
		Expect(group.InFlight("fingerprint")).To(BeFalse())
	})

	It("should share errors and unregister the key", func() {
		errUpstream := errors.New("upstream failed")
		release := make(chan struct{})
		fn := func(context.Context) (any, error) {
			<-release
			return nil, errUpstream
		}

		errs := make(chan error, 2)
		for i := 0; i < 2; i++ {
			go func() {
				_, _, err := group.Do(ctx, "fingerprint", fn)
				errs <- err
			}()
		}
		Eventually(func() int64 { return group.Stats().Joined }).Should(Equal(int64(1)))
		close(release)

		Expect(<-errs).To(MatchError(errUpstream))
		Expect(<-errs).To(MatchError(errUpstream))
		Expect(group.InFlight("fingerprint")).To(BeFalse())
	})

	It("should bypass deduplication for an empty key", func() {
		var executions atomic.Int64
		fn := func(context.Context) (any, error) {
			executions.Add(1)
			return nil, nil
		}

		group.Do(ctx, "", fn)
		group.Do(ctx, "", fn)

		Expect(executions.Load()).To(Equal(int64(2)))
		Expect(group.Stats().Bypassed).To(Equal(int64(2)))
	})

	It("should convert panics into errors", func() {
		_, _, err := group.Do(ctx, "fingerprint", func(context.Context) (any, error) {
			panic("boom")
		})

		var panicErr *dedup.PanicError
		Expect(errors.As(err, &panicErr)).To(BeTrue())
		Expect(panicErr.Value).To(Equal("boom"))
		Expect(group.InFlight("fingerprint")).To(BeFalse())
	})

	It("should pass the originator's context values to fn", func() {
		valueCtx := context.WithValue(ctx, ctxKey{}, "req-1")
		v, _, err := group.Do(valueCtx, "fingerprint", func(ctx context.Context) (any, error) {
			return ctx.Value(ctxKey{}), nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal("req-1"))
	})

	Context("when a caller cancels", func() {
		var (
			release  chan struct{}
			execDone chan error
			fn       func(context.Context) (any, error)
		)

		BeforeEach(func() {
			release = make(chan struct{})
			execDone = make(chan error, 1)
			fn = func(ctx context.Context) (any, error) {
				select {
				case <-release:
					execDone <- nil
					return "ok", nil
				case <-ctx.Done():
					execDone <- ctx.Err()
					return nil, ctx.Err()
				}
			}
		})

		It("should keep executing for the remaining subscribers", func() {
			group = dedup.NewGroup(dedup.WithCancelAbandoned(true))
			originCtx, cancelOrigin := context.WithCancel(ctx)

			originErr := make(chan error, 1)
			go func() {
				_, _, err := group.Do(originCtx, "fingerprint", fn)
				originErr <- err
			}()
			Eventually(func() bool { return group.InFlight("fingerprint") }).Should(BeTrue())

			joinerResult := make(chan any, 1)
			go func() {
				v, _, _ := group.Do(ctx, "fingerprint", fn)
				joinerResult <- v
			}()
			Eventually(func() int64 { return group.Stats().Joined }).Should(Equal(int64(1)))

			cancelOrigin()
			Expect(<-originErr).To(MatchError(context.Canceled))

			close(release)
			Expect(<-joinerResult).To(Equal("ok"))
			Expect(<-execDone).NotTo(HaveOccurred())
		})

		It("should cancel the execution once every subscriber is gone", func() {
			group = dedup.NewGroup(dedup.WithCancelAbandoned(true))
			callerCtx, cancel := context.WithCancel(ctx)

			done := make(chan struct{})
			go func() {
				defer close(done)
				group.Do(callerCtx, "fingerprint", fn)
			}()
			Eventually(func() bool { return group.InFlight("fingerprint") }).Should(BeTrue())

			cancel()
			<-done

			Expect(<-execDone).To(MatchError(context.Canceled))
			Expect(group.InFlight("fingerprint")).To(BeFalse())
			Expect(group.Stats().Abandoned).To(Equal(int64(1)))
		})

		It("should let an abandoned execution finish when cancellation is off", func() {
			callerCtx, cancel := context.WithCancel(ctx)

			done := make(chan struct{})
			go func() {
				defer close(done)
				group.Do(callerCtx, "fingerprint", fn)
			}()
			Eventually(func() bool { return group.InFlight("fingerprint") }).Should(BeTrue())

			cancel()
			<-done
			Consistently(execDone).ShouldNot(Receive())

			close(release)
			Expect(<-execDone).NotTo(HaveOccurred())
			Eventually(func() bool { return group.InFlight("fingerprint") }).Should(BeFalse())
		})
	})
})
