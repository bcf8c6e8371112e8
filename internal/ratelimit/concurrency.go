package ratelimit

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// ConcurrencyLimiter bounds the number of in-flight requests per API key,
// failing fast (never queueing) when the bound is already saturated — spec
// §5's "bounded concurrency" requirement is distinct from the request-rate
// limits above: it protects against one key holding open many slow/streaming
// requests at once, not against bursts of short ones.
type ConcurrencyLimiter struct {
	mu      sync.Mutex
	sems    map[string]*semaphore.Weighted
	maxSlot int64
}

// NewConcurrencyLimiter builds a limiter allowing up to maxInFlight
// concurrent requests per API key.
func NewConcurrencyLimiter(maxInFlight int64) *ConcurrencyLimiter {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &ConcurrencyLimiter{
		sems:    make(map[string]*semaphore.Weighted),
		maxSlot: maxInFlight,
	}
}

func (c *ConcurrencyLimiter) semFor(apiKeyID string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sems[apiKeyID]
	if !ok {
		s = semaphore.NewWeighted(c.maxSlot)
		c.sems[apiKeyID] = s
	}
	return s
}

// Acquire attempts to reserve one concurrency slot for apiKeyID. It never
// blocks: it returns (true, release) if a slot was free, or (false, nil) if
// the key is already at its concurrency bound. The caller must invoke
// release exactly once, after the request completes, when acquired is true.
func (c *ConcurrencyLimiter) Acquire(apiKeyID string) (acquired bool, release func()) {
	sem := c.semFor(apiKeyID)
	if !sem.TryAcquire(1) {
		return false, nil
	}
	return true, func() { sem.Release(1) }
}
