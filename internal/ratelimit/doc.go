// Package ratelimit implements multi-dimensional sliding-window rate limiting.
//
// Every (dimension, identifier) pair owns a true sliding window: a log of hit
// timestamps pruned on each check, so there is no burst at bucket boundaries.
// A request is admitted while fewer than MaxRequests hits fall inside the
// trailing Window; a rejection carries the time until the oldest counted hit
// expires.
//
// Two stores are provided. MemoryStore keeps windows in process with a lock
// per key and an idle-TTL janitor. RedisStore runs the same algorithm as a Lua
// script over a sorted set so several gateway replicas share one budget.
//
// Usage:
//
//	store := ratelimit.NewMemoryStore()
//	store.StartJanitor(ctx)
//
//	limiter := ratelimit.NewLimiter(store, map[ratelimit.Dimension]ratelimit.Rule{
//	    ratelimit.DimensionIP: {MaxRequests: 60, Window: time.Minute},
//	})
//	if d := limiter.Allow(ctx, ratelimit.NewKey(ratelimit.DimensionIP, ip)); !d.Allowed {
//	    // reject, retry after d.RetryAfter
//	}
package ratelimit
