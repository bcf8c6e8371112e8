package router

import (
	"strings"

	"github.com/nulpointcorp/gateway-core/internal/providers"
)

// Candidate is one step of a dispatch chain: a provider to try and the
// provider-specific model id to send it (already rewritten by Rewrite).
type Candidate struct {
	Provider       string
	ProviderModel  string
	CanonicalModel string
}

// HealthSource supplies the live health/latency/price inputs rule 3 sorts
// on. Implemented by the health checker (C10) and the static config loader;
// kept as an interface so Router has no import-time dependency on either.
type HealthSource interface {
	ProviderRecord(provider string) ProviderRecord
}

// BreakerSource reports whether a (provider, model) pair is currently
// allowed to be dispatched to — implemented by internal/breaker.Registry.
type BreakerSource interface {
	Allow(provider, model string) bool
}

// Router builds ordered dispatch chains per C5's five-step rule.
type Router struct {
	registry   *Registry
	health     HealthSource
	breaker    BreakerSource
	exclusions ExclusionSet
}

// New constructs a Router. health and breaker may be nil, in which case
// rules 3 and 5 are skipped (every candidate is assumed healthy/allowed) —
// useful for tests that only exercise rules 1/2/4.
func New(registry *Registry, health HealthSource, breaker BreakerSource, exclusions ExclusionSet) *Router {
	return &Router{registry: registry, health: health, breaker: breaker, exclusions: exclusions}
}

// BuildChain returns the ordered list of candidates to try for a request,
// applying C5's rules in order:
//
//  1. lockedProvider (an explicit provider hint, e.g. from workspace config
//     or a session pin) is tried first. It does not restrict the chain: the
//     convention provider and the rest of the pool are still appended after it.
//  2. If the canonical model id itself encodes a provider by convention
//     (the "azure-", "vertexai-" prefixes, or a provider-namespaced id like
//     "anthropic.claude-3-..." for Bedrock), that provider is tried next.
//  3. Remaining providers capable of serving the model are ordered by
//     (health, avg latency, price-per-input-token), slug as tiebreaker.
//  4. Providers excluded for this specific model are dropped.
//  5. Providers whose circuit breaker denies the (provider, model) pair are
//     dropped from the chain entirely (not merely deprioritized).
func (r *Router) BuildChain(canonicalModel, lockedProvider string) []Candidate {
	var ordered []string
	seen := map[string]bool{}

	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			ordered = append(ordered, p)
		}
	}

	// Rule 1: locked provider hint.
	add(lockedProvider)

	// Rule 2: model id encodes its provider by convention.
	if p := providerFromConvention(canonicalModel); p != "" {
		add(p)
	}

	// Candidate pool: providers known to be able to serve this model.
	var pool []string
	if rec := r.registry.Lookup(canonicalModel); rec != nil {
		pool = rec.Providers
	} else if p, ok := providers.ModelAliases[canonicalModel]; ok {
		pool = []string{p}
	}

	// Rule 3: sort the remaining pool by health/latency/price.
	var records []ProviderRecord
	for _, p := range pool {
		if seen[p] {
			continue
		}
		// Rule 4: drop model-specific exclusions before sorting/dispatch.
		if r.exclusions.Excludes(canonicalModel, p) {
			continue
		}
		records = append(records, r.providerRecord(p))
	}
	sortCandidates(records)
	for _, rec := range records {
		add(rec.Slug)
	}

	// Rule 5: drop providers whose breaker denies this (provider, model).
	chain := make([]Candidate, 0, len(ordered))
	for _, p := range ordered {
		if r.breaker != nil && !r.breaker.Allow(p, canonicalModel) {
			continue
		}
		chain = append(chain, Candidate{
			Provider:       p,
			ProviderModel:  Rewrite(canonicalModel, p),
			CanonicalModel: canonicalModel,
		})
	}
	return chain
}

func (r *Router) providerRecord(provider string) ProviderRecord {
	if r.health != nil {
		return r.health.ProviderRecord(provider)
	}
	return ProviderRecord{Slug: provider, Health: HealthUnknown}
}

// providerFromConvention decodes the provider a canonical model id implies
// by naming convention alone, without consulting the registry.
func providerFromConvention(canonicalModel string) string {
	switch {
	case strings.HasPrefix(canonicalModel, "azure-"):
		return "azure"
	case strings.HasPrefix(canonicalModel, "vertexai-"):
		return "vertexai"
	case strings.Contains(canonicalModel, ".") && (strings.HasPrefix(canonicalModel, "anthropic.") ||
		strings.HasPrefix(canonicalModel, "meta.") ||
		strings.HasPrefix(canonicalModel, "amazon.") ||
		strings.HasPrefix(canonicalModel, "mistral.") ||
		strings.HasPrefix(canonicalModel, "ai21.")):
		return "bedrock"
	default:
		return ""
	}
}
