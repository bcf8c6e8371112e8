// Package router implements the provider routing (C5) and model-ID rewriting
// (C6) components: given a canonical model name it builds an ordered
// candidate chain of (provider, provider-specific model id) pairs and hands
// each one to the dispatcher in turn.
package router

import (
	"sort"
	"strings"

	"github.com/nulpointcorp/gateway-core/internal/providers"
)

// HealthStatus is the coarse health bucket C5's ordering rule 3 sorts on.
// Lower values sort first (healthier providers tried first).
type HealthStatus int

const (
	HealthHealthy HealthStatus = iota
	HealthDegraded
	HealthUnhealthy
	HealthUnknown
)

// ProviderRecord is the routing-relevant view of a configured provider.
// AvgLatencyMs and PricePerInputToken are the tie-breaking fields named in
// rule 3; a zero value means "unknown", which sorts after any known value.
type ProviderRecord struct {
	Slug               string
	Health             HealthStatus
	AvgLatencyMs       float64
	PricePerInputToken float64
}

// ModelRecord describes which providers can serve a canonical model id.
type ModelRecord struct {
	CanonicalID string
	Providers   []string // every provider capable of serving this model
}

// Registry is the static (rarely-changing) routing table: which providers
// can serve which canonical models. Built once at startup from the
// providers.ModelAliases table (kept as seed data rather than duplicated)
// plus crossProviderModels for the handful of open-weight models genuinely
// available on more than one provider.
type Registry struct {
	models map[string]*ModelRecord
}

// crossProviderModels lists canonical ids served by more than one configured
// provider. providers.ModelAliases is a 1:1 map (one canonical id -> one
// provider); this table is where rule 3's health/latency/price sort actually
// has more than one candidate to choose between.
var crossProviderModels = map[string][]string{
	"llama-3.3-70b-versatile":                      {"groq", "together", "novita"},
	"meta-llama/Meta-Llama-3.1-70B-Instruct-Turbo":  {"together", "nebius"},
	"meta-llama/llama-3.1-70b-instruct":             {"novita", "nebius"},
	"deepseek-ai/DeepSeek-V3":                       {"nebius", "novita"},
	"deepseek-ai/DeepSeek-R1":                       {"together", "novita"},
	"mistralai/Mixtral-8x7B-Instruct-v0.1":          {"together", "nebius"},
	"Qwen/Qwen2.5-72B-Instruct":                     {"nebius", "novita"},
}

// NewRegistry builds the routing table from providers.ModelAliases,
// overlaying crossProviderModels where a canonical model is served by more
// than one provider.
func NewRegistry() *Registry {
	models := make(map[string]*ModelRecord, len(providers.ModelAliases))
	for canonical, provider := range providers.ModelAliases {
		models[canonical] = &ModelRecord{CanonicalID: canonical, Providers: []string{provider}}
	}
	for canonical, provs := range crossProviderModels {
		models[canonical] = &ModelRecord{CanonicalID: canonical, Providers: append([]string(nil), provs...)}
	}
	return &Registry{models: models}
}

// Lookup returns the ModelRecord for a canonical model id, or nil if the
// model is unknown to the registry (the caller should fall back to treating
// the id as provider-opaque and routing to the requested/default provider).
func (r *Registry) Lookup(canonicalModel string) *ModelRecord {
	return r.models[canonicalModel]
}

// ExclusionRule excludes a provider from serving a given model, independent
// of whether the registry otherwise lists it as capable (rule 4: model-
// specific exclusions — e.g. a provider's copy of a model is known-broken).
type ExclusionRule struct {
	Model    string
	Provider string
}

// ExclusionSet is a fast-lookup set of (model, provider) exclusion pairs.
type ExclusionSet map[ExclusionRule]struct{}

// NewExclusionSet builds an ExclusionSet from a list of rules.
func NewExclusionSet(rules []ExclusionRule) ExclusionSet {
	set := make(ExclusionSet, len(rules))
	for _, r := range rules {
		set[r] = struct{}{}
	}
	return set
}

// Excludes reports whether provider is excluded from serving model.
func (s ExclusionSet) Excludes(model, provider string) bool {
	if s == nil {
		return false
	}
	_, ok := s[ExclusionRule{Model: model, Provider: provider}]
	return ok
}

// sortCandidates applies rule 3's ordering: health status ascending, then
// average latency ascending, then price-per-input-token ascending, with the
// provider slug as a final, fully deterministic tiebreaker.
func sortCandidates(records []ProviderRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Health != b.Health {
			return a.Health < b.Health
		}
		if a.AvgLatencyMs != b.AvgLatencyMs {
			return a.AvgLatencyMs < b.AvgLatencyMs
		}
		if a.PricePerInputToken != b.PricePerInputToken {
			return a.PricePerInputToken < b.PricePerInputToken
		}
		return strings.Compare(a.Slug, b.Slug) < 0
	})
}
