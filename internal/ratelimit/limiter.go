package ratelimit

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// FailureMode decides what happens to a request when the store errors.
type FailureMode string

const (
	FailOpen   FailureMode = "open"
	FailClosed FailureMode = "closed"
)

// failClosedRetryAfter is the hint returned when a store outage rejects traffic.
const failClosedRetryAfter = time.Second

// Limiter applies one Rule per dimension. Dimensions without a rule are not
// limited.
type Limiter struct {
	store       Store
	failureMode FailureMode
	logger      *slog.Logger

	mutex    sync.RWMutex
	rules    map[Dimension]Rule
	counters map[Dimension]*counters
}

type counters struct {
	allowed  atomic.Int64
	rejected atomic.Int64
	errors   atomic.Int64
}

type Option func(*Limiter)

func WithFailureMode(mode FailureMode) Option {
	return func(l *Limiter) { l.failureMode = mode }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

func NewLimiter(store Store, rules map[Dimension]Rule, opts ...Option) *Limiter {
	l := &Limiter{
		store:       store,
		failureMode: FailOpen,
		logger:      slog.New(slog.DiscardHandler),
		counters:    make(map[Dimension]*counters),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.SetRules(rules)
	return l
}

// Allow records a hit for key and reports whether it fits in the window.
func (l *Limiter) Allow(ctx context.Context, key Key) Decision {
	rule, ok := l.rule(key.Dimension)
	if !ok {
		return unlimited()
	}
	c := l.counter(key.Dimension)

	decision, err := l.store.Hit(ctx, key.String(), rule)
	if err != nil {
		c.errors.Add(1)
		if l.failureMode == FailClosed {
			l.logger.Warn("Rate limit store unavailable, rejecting",
				slog.String("key", key.String()),
				slog.Any("error", err),
			)
			c.rejected.Add(1)
			return Decision{Allowed: false, RetryAfter: failClosedRetryAfter}
		}
		l.logger.Warn("Rate limit store unavailable, allowing",
			slog.String("key", key.String()),
			slog.Any("error", err),
		)
		c.allowed.Add(1)
		return unlimited()
	}

	if decision.Allowed {
		c.allowed.Add(1)
	} else {
		c.rejected.Add(1)
		l.logger.Debug("Rate limit exceeded",
			slog.String("key", key.String()),
			slog.Duration("retry_after", decision.RetryAfter),
		)
	}
	return decision
}

// AllowAll checks keys in order and stops at the first rejection. Hits already
// recorded against earlier keys are kept.
func (l *Limiter) AllowAll(ctx context.Context, keys []Key) (Key, Decision) {
	for _, key := range keys {
		if decision := l.Allow(ctx, key); !decision.Allowed {
			return key, decision
		}
	}
	return Key{}, unlimited()
}

// SetRules atomically replaces the rule set. Disabled rules are dropped.
func (l *Limiter) SetRules(rules map[Dimension]Rule) {
	next := make(map[Dimension]Rule, len(rules))
	for dimension, rule := range rules {
		if rule.enabled() {
			next[dimension] = rule
		}
	}

	l.mutex.Lock()
	l.rules = next
	l.mutex.Unlock()
}

func (l *Limiter) Rules() map[Dimension]Rule {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	rules := make(map[Dimension]Rule, len(l.rules))
	for dimension, rule := range l.rules {
		rules[dimension] = rule
	}
	return rules
}

func (l *Limiter) rule(dimension Dimension) (Rule, bool) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	rule, ok := l.rules[dimension]
	return rule, ok
}

func (l *Limiter) counter(dimension Dimension) *counters {
	l.mutex.RLock()
	c, exists := l.counters[dimension]
	l.mutex.RUnlock()

	if exists {
		return c
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if c, exists = l.counters[dimension]; exists {
		return c
	}
	c = &counters{}
	l.counters[dimension] = c
	return c
}

type DimensionStats struct {
	Dimension   Dimension `json:"dimension"`
	Rule        *Rule     `json:"rule,omitempty"`
	Allowed     int64     `json:"allowed"`
	Rejected    int64     `json:"rejected"`
	StoreErrors int64     `json:"store_errors"`
}

type Stats struct {
	FailureMode FailureMode      `json:"failure_mode"`
	Dimensions  []DimensionStats `json:"dimensions"`
	// Windows is the number of live windows, or -1 if the store cannot tell.
	Windows int `json:"windows"`
}

func (l *Limiter) Stats() Stats {
	l.mutex.RLock()
	seen := make(map[Dimension]bool, len(l.rules)+len(l.counters))
	for dimension := range l.rules {
		seen[dimension] = true
	}
	for dimension := range l.counters {
		seen[dimension] = true
	}

	dims := make([]DimensionStats, 0, len(seen))
	for dimension := range seen {
		ds := DimensionStats{Dimension: dimension}
		if rule, ok := l.rules[dimension]; ok {
			ds.Rule = &rule
		}
		if c, ok := l.counters[dimension]; ok {
			ds.Allowed = c.allowed.Load()
			ds.Rejected = c.rejected.Load()
			ds.StoreErrors = c.errors.Load()
		}
		dims = append(dims, ds)
	}
	l.mutex.RUnlock()

	sort.Slice(dims, func(i, j int) bool {
		return dims[i].Dimension < dims[j].Dimension
	})

	windows := -1
	if sized, ok := l.store.(interface{ Len() int }); ok {
		windows = sized.Len()
	}

	return Stats{FailureMode: l.failureMode, Dimensions: dims, Windows: windows}
}
