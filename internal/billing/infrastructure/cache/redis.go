package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "tollgate:"

// DefaultReplayTTL is how long a webhook delivery key is remembered.
const DefaultReplayTTL = 72 * time.Hour

// RedisReplayGuard remembers webhook deliveries in Redis so duplicates across
// API instances are dropped before they reach the ledger.
type RedisReplayGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisReplayGuard creates a replay guard. A zero ttl uses DefaultReplayTTL.
func NewRedisReplayGuard(client *redis.Client, ttl time.Duration) *RedisReplayGuard {
	if ttl <= 0 {
		ttl = DefaultReplayTTL
	}
	return &RedisReplayGuard{client: client, ttl: ttl}
}

func (g *RedisReplayGuard) key(k string) string {
	return keyPrefix + "webhook:" + k
}

// FirstSeen sets the key if absent and reports whether it was new.
func (g *RedisReplayGuard) FirstSeen(ctx context.Context, key string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.key(key), time.Now().Unix(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("replay guard: %w", err)
	}
	return ok, nil
}

// Forget removes the key so the delivery can be processed again.
func (g *RedisReplayGuard) Forget(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, g.key(key)).Err(); err != nil {
		return fmt.Errorf("replay guard: %w", err)
	}
	return nil
}

// RedisRateLimiter is a fixed one-minute window counter.
type RedisRateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisRateLimiter allows limit calls per key per minute. A limit of zero
// or less disables limiting.
func NewRedisRateLimiter(client *redis.Client, limit int) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, limit: limit, window: time.Minute, now: time.Now}
}

// Allow counts one call against key's current window.
func (l *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}

	bucket := l.now().Truncate(l.window).Unix()
	k := keyPrefix + "ratelimit:" + key + ":" + strconv.FormatInt(bucket, 10)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.Expire(ctx, k, l.window*2)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limiter: %w", err)
	}
	return incr.Val() <= int64(l.limit), nil
}
