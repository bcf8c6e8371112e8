package proxy

import (
	"testing"
	"time"

	"github.com/nulpointcorp/gateway-core/internal/metrics"
	"github.com/nulpointcorp/gateway-core/internal/router"
)

func TestRouterHealthSource_NoAggregatorReportsUnknown(t *testing.T) {
	h := newRouterHealthSource(nil, nil)
	rec := h.ProviderRecord("openai")
	if rec.Health != router.HealthUnknown {
		t.Errorf("expected HealthUnknown with no aggregator, got %v", rec.Health)
	}
	if rec.AvgLatencyMs != 0 {
		t.Errorf("expected zero latency with no aggregator, got %v", rec.AvgLatencyMs)
	}
}

func TestRouterHealthSource_PriceLookup(t *testing.T) {
	prices := map[string]PricePoint{
		"openai": {InputPerToken: 0.000001, OutputPerToken: 0.000002},
	}
	h := newRouterHealthSource(nil, prices)

	rec := h.ProviderRecord("openai")
	if rec.PricePerInputToken != 0.000001 {
		t.Errorf("expected price to be looked up, got %v", rec.PricePerInputToken)
	}

	unpriced := h.ProviderRecord("mistral")
	if unpriced.PricePerInputToken != 0 {
		t.Errorf("expected zero price for unconfigured provider, got %v", unpriced.PricePerInputToken)
	}
}

func TestRouterHealthSource_HealthBuckets(t *testing.T) {
	agg := metrics.NewAggregator()
	h := newRouterHealthSource(agg, nil)

	now := time.Now()
	for i := 0; i < 20; i++ {
		agg.RecordCompletion("openai", "gpt-4o", true, 50, 10, 5, 100, "", "", now)
	}
	rec := h.ProviderRecord("openai")
	if rec.Health != router.HealthHealthy {
		t.Errorf("expected HealthHealthy after consistent successes, got %v", rec.Health)
	}

	for i := 0; i < 50; i++ {
		agg.RecordCompletion("anthropic", "claude-3-opus", false, 50, 0, 0, 0, "server_error", "boom", now)
	}
	rec = h.ProviderRecord("anthropic")
	if rec.Health != router.HealthUnhealthy && rec.Health != router.HealthDegraded {
		t.Errorf("expected degraded or unhealthy after consistent failures, got %v", rec.Health)
	}
}

func TestNewModelRouter_BuildsUsableRouter(t *testing.T) {
	r := NewModelRouter(nil, nil, nil)
	if r == nil {
		t.Fatal("expected a non-nil router")
	}
}
