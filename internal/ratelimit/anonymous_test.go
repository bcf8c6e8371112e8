package ratelimit_test

import (
	"context"
	"testing"

	"github.com/nulpointcorp/gateway-core/internal/ratelimit"
)

func TestAnonymousLimiter_ModelAllowed_RequiresFreeSuffix(t *testing.T) {
	c, cleanup := newTestCache(t)
	defer cleanup()

	lim := ratelimit.NewAnonymousLimiter(c, 0, nil)

	if lim.ModelAllowed("google/gemini-2.0-flash-exp") {
		t.Error("a whitelisted model missing the :free suffix must be rejected")
	}
	if !lim.ModelAllowed("google/gemini-2.0-flash-exp:free") {
		t.Error("a whitelisted :free model should be allowed")
	}
	if lim.ModelAllowed("openai/gpt-4o:free") {
		t.Error("a :free suffix alone is not enough — the model must be in the whitelist")
	}
}

func TestAnonymousLimiter_ModelAllowed_CaseInsensitive(t *testing.T) {
	c, cleanup := newTestCache(t)
	defer cleanup()

	lim := ratelimit.NewAnonymousLimiter(c, 0, nil)
	if !lim.ModelAllowed("Google/Gemini-2.0-Flash-Exp:free") {
		t.Error("whitelist matching should be case-insensitive")
	}
}

func TestAnonymousLimiter_QuotaExhaustion(t *testing.T) {
	c, cleanup := newTestCache(t)
	defer cleanup()

	lim := ratelimit.NewAnonymousLimiter(c, 3, nil)
	ctx := context.Background()
	ip := "203.0.113.7"

	for i := 0; i < 3; i++ {
		d := lim.CheckQuota(ctx, ip)
		if !d.Allowed {
			t.Fatalf("iteration %d: expected quota available, remaining=%d", i, d.Remaining)
		}
		if _, err := lim.RecordRequest(ctx, ip); err != nil {
			t.Fatalf("iteration %d: unexpected error recording request: %v", i, err)
		}
	}

	d := lim.CheckQuota(ctx, ip)
	if d.Allowed {
		t.Error("expected quota exhausted after 3 requests")
	}
	if d.Reason == "" {
		t.Error("expected a human-readable reason once the quota is exhausted")
	}
}

func TestAnonymousLimiter_IPsAreIndependent(t *testing.T) {
	c, cleanup := newTestCache(t)
	defer cleanup()

	lim := ratelimit.NewAnonymousLimiter(c, 1, nil)
	ctx := context.Background()

	lim.RecordRequest(ctx, "203.0.113.7")
	if d := lim.CheckQuota(ctx, "203.0.113.7"); d.Allowed {
		t.Fatal("quota for 203.0.113.7 should now be exhausted")
	}
	if d := lim.CheckQuota(ctx, "198.51.100.9"); !d.Allowed {
		t.Error("a different IP should have its own independent quota")
	}
}
