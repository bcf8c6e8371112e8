package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/nulpointcorp/gateway-core/internal/cache"
)

// AnonymousDailyLimit is the default number of anonymous requests allowed
// per IP per UTC calendar day.
const AnonymousDailyLimit = 3

// AnonymousAllowedModels is the free-model whitelist anonymous requests are
// restricted to. A model must both appear here (case-insensitively) and end
// with the ":free" suffix to be served anonymously.
var AnonymousAllowedModels = []string{
	"google/gemini-2.0-flash-exp:free",
	"google/gemma-2-9b-it:free",
	"meta-llama/llama-3.2-3b-instruct:free",
	"meta-llama/llama-3.1-8b-instruct:free",
	"mistralai/mistral-7b-instruct:free",
	"huggingfaceh4/zephyr-7b-beta:free",
	"openchat/openchat-7b:free",
	"nousresearch/nous-hermes-llama2-13b:free",
	"arcee-ai/trinity-mini:free",
}

// AnonymousLimiter implements anonymous (unauthenticated) access: a small
// daily per-IP request quota and a free-model-only whitelist, grounded on
// the original anonymous_rate_limiter service's key shape and limits.
type AnonymousLimiter struct {
	cache      cache.Cache
	dailyLimit int64
	allowedSet map[string]bool
}

// NewAnonymousLimiter builds an AnonymousLimiter. A dailyLimit <= 0 falls
// back to AnonymousDailyLimit.
func NewAnonymousLimiter(c cache.Cache, dailyLimit int, allowedModels []string) *AnonymousLimiter {
	if dailyLimit <= 0 {
		dailyLimit = AnonymousDailyLimit
	}
	if allowedModels == nil {
		allowedModels = AnonymousAllowedModels
	}
	allowed := make(map[string]bool, len(allowedModels))
	for _, m := range allowedModels {
		allowed[strings.ToLower(m)] = true
	}
	return &AnonymousLimiter{cache: c, dailyLimit: int64(dailyLimit), allowedSet: allowed}
}

// ModelAllowed reports whether model may be served to an anonymous caller:
// it must end in ":free" AND appear in the whitelist.
func (a *AnonymousLimiter) ModelAllowed(model string) bool {
	if model == "" || !strings.HasSuffix(model, ":free") {
		return false
	}
	return a.allowedSet[strings.ToLower(model)]
}

// hashIP mirrors the original service's privacy-preserving IP fingerprint:
// sha256("anon_rate:"+ip), truncated to the first 32 hex characters.
func hashIP(ip string) string {
	sum := sha256.Sum256([]byte("anon_rate:" + ip))
	return hex.EncodeToString(sum[:])[:32]
}

func todayKey(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

func (a *AnonymousLimiter) quotaKey(ip string, now time.Time) string {
	return fmt.Sprintf("anon_limit:%s:%s", hashIP(ip), todayKey(now))
}

// AnonymousDecision is the outcome of an anonymous-quota check.
type AnonymousDecision struct {
	Allowed   bool
	Remaining int64
	Limit     int64
	Reason    string
}

// CheckQuota reports the current daily quota state for ip without consuming
// it — used at admission time after the model-whitelist check, so a request
// that is rejected for its model never needs a quota consult at all.
func (a *AnonymousLimiter) CheckQuota(ctx context.Context, ip string) AnonymousDecision {
	now := time.Now()
	key := a.quotaKey(ip, now)

	raw, ok := a.cache.Get(ctx, key)
	var count int64
	if ok {
		count = parseInt64(raw)
	}

	remaining := a.dailyLimit - count
	if remaining < 0 {
		remaining = 0
	}
	if count >= a.dailyLimit {
		return AnonymousDecision{
			Allowed:   false,
			Remaining: 0,
			Limit:     a.dailyLimit,
			Reason: fmt.Sprintf(
				"Anonymous daily limit exceeded (%d requests/day). Please sign up for an account to continue.",
				a.dailyLimit,
			),
		}
	}
	return AnonymousDecision{Allowed: true, Remaining: remaining, Limit: a.dailyLimit}
}

// RecordRequest increments ip's daily usage counter. Call this AFTER a
// request completes successfully, mirroring the original service's
// record_anonymous_request — a failed upstream call should not consume an
// anonymous caller's limited daily quota.
func (a *AnonymousLimiter) RecordRequest(ctx context.Context, ip string) (newCount int64, err error) {
	key := a.quotaKey(ip, time.Now())
	return a.cache.IncrementCounterWithTTL(ctx, key, 1, 24*time.Hour)
}
