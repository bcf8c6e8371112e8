package proxy

import (
	"github.com/nulpointcorp/gateway-core/internal/breaker"
	"github.com/nulpointcorp/gateway-core/internal/metrics"
	"github.com/nulpointcorp/gateway-core/internal/router"
)

// NewModelRouter builds the router.Router the gateway consults for C11
// DISPATCH, wiring the aggregator/price-backed health source and the
// breaker registry's Allow as router.BreakerSource. exclusions is empty by
// default; per-model/provider exclusion rules would come from the plans
// table once that schema is owned here.
func NewModelRouter(agg *metrics.Aggregator, prices map[string]PricePoint, breakers *breaker.Registry) *router.Router {
	health := newRouterHealthSource(agg, prices)
	return router.New(router.NewRegistry(), health, breakers, router.NewExclusionSet(nil))
}

// healthBucket thresholds on the Aggregator's rolling [0,100] health score
// (see metrics.Aggregator.Health): a provider trending toward its failure
// penalty is deprioritized well before its breaker actually trips.
const (
	healthyThreshold  = 80.0
	degradedThreshold = 40.0
)

// routerHealthSource adapts metrics.Aggregator plus a static per-provider
// price table into router.HealthSource, so C5's ordering rule 3 (health,
// latency, price) can be evaluated without the router package importing
// metrics or pricing config directly.
type routerHealthSource struct {
	agg    *metrics.Aggregator
	prices map[string]PricePoint
}

func newRouterHealthSource(agg *metrics.Aggregator, prices map[string]PricePoint) *routerHealthSource {
	return &routerHealthSource{agg: agg, prices: prices}
}

// ProviderRecord reports the current routing-relevant view of provider: its
// coarse health bucket, average latency across every model it has served
// recently, and its configured input-token price.
func (h *routerHealthSource) ProviderRecord(provider string) router.ProviderRecord {
	rec := router.ProviderRecord{Slug: provider}

	if h.agg != nil {
		score := h.agg.Health(provider)
		switch {
		case score >= healthyThreshold:
			rec.Health = router.HealthHealthy
		case score >= degradedThreshold:
			rec.Health = router.HealthDegraded
		default:
			rec.Health = router.HealthUnhealthy
		}
		rec.AvgLatencyMs = h.averageLatency(provider)
	} else {
		rec.Health = router.HealthUnknown
	}

	if p, ok := h.prices[provider]; ok {
		rec.PricePerInputToken = p.InputPerToken
	}

	return rec
}

// averageLatency averages LatencyStats across every model bucket the
// aggregator currently holds for provider — the registry tracks routing at
// the provider level, not per model, so a single representative figure is
// all rule 3 needs.
func (h *routerHealthSource) averageLatency(provider string) float64 {
	var total float64
	var n int
	for _, agg := range h.agg.Snapshot() {
		if agg.Provider != provider {
			continue
		}
		if stats, ok := h.agg.LatencyStats(agg.Provider, agg.Model); ok {
			total += stats.Avg
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}
