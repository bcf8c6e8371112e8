// Package cache provides Redis-backed exact-match caching.
//
// Key format: SHA-256(workspace_id + provider + model + temperature + messages_json)
//
// Graceful degradation: when Redis is unavailable, Get returns (nil, false)
// and Set returns nil so the proxy never fails due to a missing cache.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultCacheTimeout = 500 * time.Millisecond

// probeCacheTTL positively caches a reachable probe result; probeErrorTTL
// negatively caches an unreachable one. The asymmetry bounds how quickly a
// recovered Redis is noticed (short) against how hard a down Redis is
// hammered with PINGs (still short, but distinct so the two can be tuned
// independently).
const (
	probeCacheTTL      = 30 * time.Second
	probeErrorCacheTTL = 5 * time.Second
)

// incrWithTTLScript atomically increments a counter and applies ttl only on
// first creation, mirroring the INCR+EXPIRE-NX pattern used elsewhere in the
// gateway's Lua scripts for atomic Redis operations.
var incrWithTTLScript = redis.NewScript(`
local v = redis.call("INCRBY", KEYS[1], ARGV[1])
if tonumber(v) == tonumber(ARGV[1]) then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return v
`)

// ExactCache is a Redis-backed cache that implements the Cache interface.
//
// All operations degrade gracefully when Redis is unavailable:
//   - Get returns (nil, false) on any error.
//   - Set returns nil even on error (silent degradation keeps proxy alive).
//   - Delete returns the underlying error so callers can log/handle it.
type ExactCache struct {
	client       *redis.Client
	queryTimeout time.Duration

	probeMu     sync.Mutex
	probeOK     bool
	probeExpiry time.Time
}

// NewExactCacheFromClient wraps an existing Redis client in an ExactCache.
// The caller owns the client lifecycle (creation and Close).
func NewExactCacheFromClient(redisCli *redis.Client) *ExactCache {
	return &ExactCache{client: redisCli, queryTimeout: defaultCacheTimeout}
}

// NewExactCacheFromURL parses redisURL, creates a Redis client, verifies the
// connection with a PING, and returns an ExactCache.
// Returns an error if the URL is invalid or the initial ping fails.
func NewExactCacheFromURL(ctx context.Context, redisURL string) (*ExactCache, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return &ExactCache{client: cli, queryTimeout: defaultCacheTimeout}, nil
}

// Get retrieves the value for key from Redis.
// Returns (data, true) on a hit and (nil, false) on a miss or any error.
// Redis errors are logged at WARN level but not propagated.
func (c *ExactCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	return val, true
}

// Set stores value under key with the given TTL.
// Returns nil even on Redis error — graceful degradation keeps the proxy
// functioning when the cache layer is unavailable.
func (c *ExactCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "cache_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	return nil // always nil — degrade gracefully
}

// Delete removes key from Redis.
// Returns the underlying error so callers can decide how to handle it.
func (c *ExactCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", key, err)
	}

	return nil
}

// Close releases the Redis connection pool.
func (c *ExactCache) Close() error {
	return c.client.Close()
}

// IncrementCounterWithTTL atomically increments the counter at key via a Lua
// script (INCRBY + PEXPIRE on first creation), so C3's fixed-bucket counters
// never race with the TTL that bounds the window. Degrades to (0, err) on a
// Redis failure — callers treat that as "allow" per the rate limiter's
// graceful-degradation policy.
func (c *ExactCache) IncrementCounterWithTTL(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if ttl <= 0 {
		ttl = time.Hour
	}

	v, err := incrWithTTLScript.Run(ctx, c.client, []string{key}, delta, ttl.Milliseconds()).Int64()
	if err != nil {
		slog.WarnContext(ctx, "cache_incr_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return 0, err
	}
	return v, nil
}

// ProbeAvailable PINGs Redis, caching the result for probeCacheTTL (success)
// or probeErrorCacheTTL (failure) so a health-check loop calling this every
// few seconds doesn't generate a PING per call.
func (c *ExactCache) ProbeAvailable(ctx context.Context) bool {
	c.probeMu.Lock()
	if time.Now().Before(c.probeExpiry) {
		ok := c.probeOK
		c.probeMu.Unlock()
		return ok
	}
	c.probeMu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	ok := c.client.Ping(pingCtx).Err() == nil

	c.probeMu.Lock()
	c.probeOK = ok
	if ok {
		c.probeExpiry = time.Now().Add(probeCacheTTL)
	} else {
		c.probeExpiry = time.Now().Add(probeErrorCacheTTL)
	}
	c.probeMu.Unlock()

	return ok
}
