// Package authcache implements the auth cache (C2): given an opaque API key,
// return the owning User or a cached "unknown" sentinel, with a shorter TTL
// on negative results than positive ones — grounded on the original
// gateway's auth_cache service (its api_key -> user mapping, kept as one
// namespace since this repo's User model carries no privy_id/username
// fields to warrant the extra lookup axes).
package authcache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nulpointcorp/gateway-core/internal/cache"
)

// User is C2's cached view of the owning record in the external datastore.
type User struct {
	ID            string `json:"id"`
	PrimaryAPIKey string `json:"primary_api_key"`
	Environment   string `json:"environment"` // "live" | "test"
	CreditsMicros int64  `json:"credits_micros"`
	PlanRef       string `json:"plan_ref"`
	Trial         Trial  `json:"trial"`
}

// Trial is the spec's TrialDescriptor, consulted at admission and updated
// post-flight.
type Trial struct {
	IsTrial           bool      `json:"is_trial"`
	Expired           bool      `json:"expired"`
	RemainingTokens   int64     `json:"remaining_tokens"`
	RemainingRequests int64     `json:"remaining_requests"`
	RemainingCredits  int64     `json:"remaining_credits_micros"`
	EndDate           time.Time `json:"end_date"`
}

const (
	defaultPositiveTTL = 5 * time.Minute  // matches the original's USER_CACHE_TTL
	defaultNegativeTTL = 30 * time.Second // deliberately much shorter
)

const (
	userPrefix    = "auth:key_user:"
	unknownPrefix = "auth:unknown:"
)

// unknownSentinel is the cached negative-result marker.
var unknownSentinel = []byte("1")

// Cache is the auth cache (C2). Safe for concurrent use; every method
// degrades gracefully when the backing cache.Cache is unavailable (a cache
// miss simply forces the caller to go to the external datastore).
type Cache struct {
	cache       cache.Cache
	positiveTTL time.Duration
	negativeTTL time.Duration
}

// New builds a Cache. Zero durations fall back to the package defaults.
func New(c cache.Cache, positiveTTL, negativeTTL time.Duration) *Cache {
	if positiveTTL <= 0 {
		positiveTTL = defaultPositiveTTL
	}
	if negativeTTL <= 0 {
		negativeTTL = defaultNegativeTTL
	}
	return &Cache{cache: c, positiveTTL: positiveTTL, negativeTTL: negativeTTL}
}

// Lookup returns the cached User for apiKey. The second return value
// reports whether the cache had an opinion at all: (user, true, true) is a
// positive hit, (nil, true, false) is a cached "unknown" (negative hit,
// caller should not re-query the datastore), and (nil, false, false) is a
// genuine miss — the caller must consult the datastore and call Put or
// PutUnknown with the result.
func (c *Cache) Lookup(ctx context.Context, apiKey string) (user *User, cached bool, known bool) {
	if raw, ok := c.cache.Get(ctx, userPrefix+apiKey); ok {
		var u User
		if err := json.Unmarshal(raw, &u); err == nil {
			return &u, true, true
		}
	}
	if _, ok := c.cache.Get(ctx, unknownPrefix+apiKey); ok {
		return nil, true, false
	}
	return nil, false, false
}

// Put caches a positive lookup result.
func (c *Cache) Put(ctx context.Context, apiKey string, user *User) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return c.cache.Set(ctx, userPrefix+apiKey, raw, c.positiveTTL)
}

// PutUnknown caches a negative lookup result (no such API key).
func (c *Cache) PutUnknown(ctx context.Context, apiKey string) error {
	return c.cache.Set(ctx, unknownPrefix+apiKey, unknownSentinel, c.negativeTTL)
}

// Invalidate drops any cached entry (positive or negative) for apiKey. Must
// be called on key revocation.
func (c *Cache) Invalidate(ctx context.Context, apiKey string) error {
	_ = c.cache.Delete(ctx, unknownPrefix+apiKey)
	return c.cache.Delete(ctx, userPrefix+apiKey)
}

// InvalidateUser drops the cached entry for every API key belonging to
// user — called on any mutation of the underlying user record (credit
// deduction, plan change, key revocation). Since this cache is keyed purely
// by API key (not by user id), the caller supplies the set of keys known to
// belong to the user; a user with a single primary key need only pass that
// one key.
func (c *Cache) InvalidateUser(ctx context.Context, apiKeys []string) {
	for _, k := range apiKeys {
		_ = c.Invalidate(ctx, k)
	}
}
