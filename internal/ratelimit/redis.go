package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingLogScript keeps one sorted set per key, scored by hit time in
// milliseconds. Pruning, counting and recording run atomically on the server.
var slidingLogScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local member = ARGV[4]

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

	local count = redis.call('ZCARD', key)
	if count < limit then
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, window)
		return {1, limit - count - 1}
	end

	local oldest = redis.call('ZRANGE', key, count - limit, count - limit, 'WITHSCORES')
	local retry = window
	if oldest[2] then
		retry = tonumber(oldest[2]) + window - now
	end
	return {0, retry}
`)

// RedisStore shares windows between gateway replicas through Redis.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

type RedisOption func(*RedisStore)

func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) { s.now = now }
}

func NewRedisStore(rdb redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		prefix: "llmgw:ratelimit",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Hit(ctx context.Context, key string, rule Rule) (Decision, error) {
	now := s.now().UnixMilli()
	windowMs := rule.Window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1
	}

	result, err := slidingLogScript.Run(ctx, s.rdb, []string{s.prefix + ":" + key},
		now, windowMs, rule.MaxRequests, uuid.NewString()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("sliding window script for %s: %w", key, err)
	}
	if len(result) < 2 {
		return Decision{}, fmt.Errorf("sliding window script for %s: unexpected reply %v", key, result)
	}

	if result[0] == 1 {
		return Decision{Allowed: true, Remaining: int(result[1])}, nil
	}

	retryAfter := time.Duration(result[1]) * time.Millisecond
	if retryAfter <= 0 {
		retryAfter = time.Millisecond
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}, nil
}
