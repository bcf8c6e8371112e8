package cache

import (
	"context"
	"time"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// IncrementCounterWithTTL atomically adds delta to the counter stored at
	// key, setting ttl only if the key did not already exist, and returns the
	// resulting value. Used by the rate-limit manager's fixed-bucket counters
	// and the anonymous daily-quota counter.
	IncrementCounterWithTTL(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// ProbeAvailable reports whether the backing store is reachable. The
	// result itself is cached by the implementation (short positive TTL,
	// shorter negative TTL) so repeated health checks don't thunder the
	// backing store.
	ProbeAvailable(ctx context.Context) bool
}
