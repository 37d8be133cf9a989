package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// PanicError is returned to every subscriber when the shared function panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("dedup: shared call panicked: %v", e.Value)
}

// call is one in-flight execution and its subscribers.
type call struct {
	done        chan struct{}
	val         any
	err         error
	subscribers int
	startedAt   time.Time
	cancel      context.CancelFunc
}

// Group coalesces concurrent calls that share a key into one execution. A key
// is unregistered before its result is published, so a call that starts after
// the previous one settled always executes again.
type Group struct {
	mutex           sync.Mutex
	calls           map[string]*call
	cancelAbandoned bool
	logger          *slog.Logger

	originated atomic.Int64
	joined     atomic.Int64
	bypassed   atomic.Int64
	abandoned  atomic.Int64
}

type Option func(*Group)

// WithCancelAbandoned cancels an execution once every subscriber has gone away.
func WithCancelAbandoned(enabled bool) Option {
	return func(g *Group) { g.cancelAbandoned = enabled }
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Group) { g.logger = logger }
}

func NewGroup(opts ...Option) *Group {
	g := &Group{
		calls:  make(map[string]*call),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do runs fn once for all concurrent callers sharing key and returns its result
// to each of them. shared reports whether the caller joined an execution
// started by someone else. An empty key executes fn directly.
//
// fn runs on a context detached from ctx: a caller giving up only stops its own
// wait. The context passed to fn keeps the originating caller's values.
func (g *Group) Do(ctx context.Context, key string, fn func(context.Context) (any, error)) (v any, shared bool, err error) {
	if key == "" {
		g.bypassed.Add(1)
		v, err = invoke(ctx, fn)
		return v, false, err
	}

	g.mutex.Lock()
	c, exists := g.calls[key]
	if exists {
		c.subscribers++
		g.mutex.Unlock()
		g.joined.Add(1)
		return g.wait(ctx, key, c, true)
	}

	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c = &call{
		done:        make(chan struct{}),
		subscribers: 1,
		startedAt:   time.Now(),
		cancel:      cancel,
	}
	g.calls[key] = c
	g.mutex.Unlock()
	g.originated.Add(1)

	go g.execute(execCtx, key, c, fn)

	return g.wait(ctx, key, c, false)
}

func (g *Group) execute(ctx context.Context, key string, c *call, fn func(context.Context) (any, error)) {
	defer c.cancel()

	val, err := invoke(ctx, fn)

	g.mutex.Lock()
	if g.calls[key] == c {
		delete(g.calls, key)
	}
	c.val, c.err = val, err
	g.mutex.Unlock()

	close(c.done)
}

func (g *Group) wait(ctx context.Context, key string, c *call, shared bool) (any, bool, error) {
	select {
	case <-c.done:
		return c.val, shared, c.err
	case <-ctx.Done():
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	// The result may have landed while we were acquiring the lock.
	select {
	case <-c.done:
		return c.val, shared, c.err
	default:
	}

	c.subscribers--
	if c.subscribers == 0 && g.cancelAbandoned {
		if g.calls[key] == c {
			delete(g.calls, key)
		}
		c.cancel()
		g.abandoned.Add(1)
		g.logger.Debug("Abandoned in-flight call cancelled",
			slog.String("key", key),
			slog.Duration("age", time.Since(c.startedAt)),
		)
	}
	return nil, shared, ctx.Err()
}

func invoke(ctx context.Context, fn func(context.Context) (any, error)) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}

// InFlight reports whether key currently has a registered execution.
func (g *Group) InFlight(key string) bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	_, exists := g.calls[key]
	return exists
}

type Stats struct {
	Originated int64 `json:"originated"`
	Joined     int64 `json:"joined"`
	Bypassed   int64 `json:"bypassed"`
	Abandoned  int64 `json:"abandoned"`
	InFlight   int   `json:"in_flight"`
}

func (g *Group) Stats() Stats {
	g.mutex.Lock()
	inFlight := len(g.calls)
	g.mutex.Unlock()

	return Stats{
		Originated: g.originated.Load(),
		Joined:     g.joined.Load(),
		Bypassed:   g.bypassed.Load(),
		Abandoned:  g.abandoned.Load(),
		InFlight:   inFlight,
	}
}
