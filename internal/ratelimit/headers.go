package ratelimit

import (
	"strconv"
	"time"
)

// Headers builds the rate-limit response headers for a pair of decisions
// (the requests-axis and tokens-axis checks for the same window), grounded
// on the original gateway's get_rate_limit_headers: both the IETF draft
// standard ("RateLimit-*", delta-seconds reset) and the legacy vendor
// convention ("X-RateLimit-*", absolute Unix timestamp reset) are emitted,
// since clients may rely on either.
//
// The requests-axis decision is used for the primary IETF "RateLimit-*"
// triad — the IETF draft models a single dimension, and requests is the
// more universally meaningful one.
func Headers(requests, tokens Decision) map[string]string {
	h := make(map[string]string, 10)
	now := time.Now()

	if requests.Limit > 0 {
		h["RateLimit-Limit"] = strconv.FormatInt(requests.Limit, 10)
		h["RateLimit-Remaining"] = strconv.FormatInt(requests.Remaining, 10)
		h["RateLimit-Reset"] = strconv.FormatInt(secondsUntil(requests.ResetAt, now), 10)

		h["X-RateLimit-Limit-Requests"] = strconv.FormatInt(requests.Limit, 10)
		h["X-RateLimit-Remaining-Requests"] = strconv.FormatInt(requests.Remaining, 10)
		h["X-RateLimit-Reset-Requests"] = strconv.FormatInt(requests.ResetAt.Unix(), 10)
	}

	if tokens.Limit > 0 {
		h["X-RateLimit-Limit-Tokens"] = strconv.FormatInt(tokens.Limit, 10)
		h["X-RateLimit-Remaining-Tokens"] = strconv.FormatInt(tokens.Remaining, 10)
		h["X-RateLimit-Reset-Tokens"] = strconv.FormatInt(tokens.ResetAt.Unix(), 10)
	}

	return h
}

func secondsUntil(reset, now time.Time) int64 {
	d := reset.Sub(now)
	if d < 0 {
		return 0
	}
	return int64(d.Seconds())
}
