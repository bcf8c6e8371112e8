package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/gateway-core/internal/providers"
	"github.com/nulpointcorp/gateway-core/internal/router"
)

// dispatchOutcome is the result of one successful candidate attempt, carrying
// enough of the winning candidate's identity back to the caller for
// accounting and response shaping (which provider actually served it, and
// under which provider-native model name).
type dispatchOutcome struct {
	Response       *providers.ProxyResponse
	Provider       string
	ProviderModel  string
	CanonicalModel string
}

// requestWithFailover walks the dispatch chain built for canonicalModel
// (router ordering: locked provider, naming-convention provider, then
// health/latency/price, minus model-specific exclusions and open breakers),
// trying each candidate in turn until one succeeds, a non-retryable error is
// hit, or maxRetries attempts are spent.
//
// concurrencyKey gates each individual attempt behind the caller's per-key
// concurrency bound; pass "" for anonymous callers, who have no such bound.
func (g *Gateway) requestWithFailover(
	ctx context.Context,
	req *providers.ProxyRequest,
	canonicalModel, lockedProvider string,
	concurrencyKey string,
	route string,
) (*dispatchOutcome, error) {
	chain := g.routerChain(canonicalModel, lockedProvider)
	if len(chain) == 0 {
		return nil, &providers.DispatchError{
			Model: canonicalModel,
			Kind:  providers.KindUnknown,
			Err:   fmt.Errorf("no provider available for model %q", canonicalModel),
		}
	}

	primary := chain[0].Provider
	var lastErr error
	attempts := 0

	for _, cand := range chain {
		if attempts >= g.maxRetries {
			break
		}

		prov, ok := g.providers[cand.Provider]
		if !ok {
			continue
		}

		if g.breakers != nil && !g.breakers.Allow(cand.Provider, canonicalModel) {
			g.log.WarnContext(ctx, "circuit_breaker_open",
				slog.String("request_id", req.RequestID),
				slog.String("provider", cand.Provider),
				slog.String("model", canonicalModel),
			)
			if g.metrics != nil {
				g.metrics.RecordCircuitBreakerRejection(cand.Provider, g.breakers.State(cand.Provider, canonicalModel).String())
				g.metrics.ObserveUpstreamAttempt(cand.Provider, route, "circuit_reject", 0)
			}
			continue
		}

		var release func()
		if concurrencyKey != "" && g.concurrency != nil {
			acquired, rel := g.concurrency.Acquire(concurrencyKey)
			if !acquired {
				return nil, &providers.DispatchError{
					Provider: cand.Provider,
					Model:    canonicalModel,
					Kind:     providers.KindRateLimited,
					Status:   429,
					Err:      fmt.Errorf("concurrency limit reached for this key"),
				}
			}
			release = rel
		}

		attemptReq := *req
		attemptReq.Model = cand.ProviderModel

		start := time.Now()
		resp, err := prov.Request(ctx, &attemptReq)
		dur := time.Since(start)
		attempts++
		if release != nil {
			release()
		}

		if err == nil {
			if g.breakers != nil {
				g.breakers.RecordOutcome(cand.Provider, canonicalModel, true)
			}
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(cand.Provider, route, "success", dur)
				if cand.Provider != primary {
					g.metrics.RecordFailoverSuccess(primary, cand.Provider)
				}
			}
			if cand.Provider != primary {
				g.log.InfoContext(ctx, "failover_success",
					slog.String("request_id", req.RequestID),
					slog.String("from", primary),
					slog.String("to", cand.Provider),
					slog.Int64("latency_ms", dur.Milliseconds()),
				)
			}
			return &dispatchOutcome{
				Response:       resp,
				Provider:       cand.Provider,
				ProviderModel:  cand.ProviderModel,
				CanonicalModel: canonicalModel,
			}, nil
		}

		kind := classifyErrorKind(err)
		if g.breakers != nil && kind.CountsTowardBreaker() {
			g.breakers.RecordOutcome(cand.Provider, canonicalModel, false)
		}
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(cand.Provider, route, string(kind), dur)
			g.metrics.RecordError(cand.Provider, string(kind))
		}
		g.log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("provider", cand.Provider),
			slog.String("kind", string(kind)),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", err.Error()),
		)

		lastErr = &providers.DispatchError{Provider: cand.Provider, Model: canonicalModel, Kind: kind, Err: err}
		if sc, ok := err.(providers.StatusCoder); ok {
			lastErr.(*providers.DispatchError).Status = sc.HTTPStatus()
		}

		if !kind.Retryable() {
			break
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no providers available")
	}
	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted(primary)
	}
	return nil, lastErr
}

// routerChain resolves the ordered candidate list for canonicalModel. When no
// router is wired (e.g. a gateway built without the full router.Registry),
// it falls back to the provider's own name as a one-candidate chain so the
// gateway still degrades to "no failover" rather than refusing to serve.
func (g *Gateway) routerChain(canonicalModel, lockedProvider string) []router.Candidate {
	if g.router != nil {
		return g.router.BuildChain(canonicalModel, lockedProvider)
	}
	if lockedProvider == "" {
		return nil
	}
	return []router.Candidate{{Provider: lockedProvider, ProviderModel: canonicalModel, CanonicalModel: canonicalModel}}
}

// classifyErrorKind maps a provider error to the shared providers.ErrorKind
// taxonomy so the breaker, failover, and HTTP-status decisions all reason
// about the same classification instead of each re-deriving it.
func classifyErrorKind(err error) providers.ErrorKind {
	var de *providers.DispatchError
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return providers.KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return providers.KindCanceled
	}
	if sc, ok := err.(providers.StatusCoder); ok {
		status := sc.HTTPStatus()
		switch {
		case status == 429:
			return providers.KindRateLimited
		case status == 401 || status == 403:
			return providers.KindAuth
		case status >= 400 && status < 500:
			return providers.KindInvalidRequest
		case status >= 500:
			return providers.KindServerError
		}
	}
	return providers.KindNetwork
}
