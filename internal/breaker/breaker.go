// Package breaker implements the circuit breaker registry (C4): one
// three-state breaker (closed/open/half-open) per (provider, model) pair,
// closing only after S1 consecutive half-open successes, with best-effort
// state replication to a shared cache so a restarted instance doesn't reopen
// a breaker another replica just tripped.
package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nulpointcorp/gateway-core/internal/cache"
)

// State is the operational state of one (provider, model) breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config holds the breaker's tuning parameters, named after spec.md's
// symbols: F1 (error threshold), R (error ratio threshold), N (minimum
// sample size before the ratio applies), T (rolling window), S1 (consecutive
// half-open successes required to close).
type Config struct {
	ErrorThreshold     int           // F1, default 5
	ErrorRatio         float64       // R, default 0.5
	MinSamples         int           // N, default 10
	Window             time.Duration // T, default 60s
	HalfOpenTimeout    time.Duration // default 30s
	RequiredSuccesses  int           // S1, default 2
	PersistenceEnabled bool
}

func (c Config) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return 5
}

func (c Config) errorRatio() float64 {
	if c.ErrorRatio > 0 {
		return c.ErrorRatio
	}
	return 0.5
}

func (c Config) minSamples() int {
	if c.MinSamples > 0 {
		return c.MinSamples
	}
	return 10
}

func (c Config) window() time.Duration {
	if c.Window > 0 {
		return c.Window
	}
	return 60 * time.Second
}

func (c Config) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return 30 * time.Second
}

func (c Config) requiredSuccesses() int {
	if c.RequiredSuccesses > 0 {
		return c.RequiredSuccesses
	}
	return 2
}

// entry holds the mutable state for one (provider, model) breaker.
type entry struct {
	mu sync.Mutex

	state           State
	failures        int
	consecutive     int // failures since the last success, used for the F1 rule
	successes       int // total samples this window, used for the ratio rule
	halfOpenSuccess int // consecutive half-open successes seen so far
	windowStart     time.Time
	openedAt        time.Time
	probeInflight   bool
}

// snapshot is the JSON-serializable form persisted to cache.Cache.
type snapshot struct {
	State    State     `json:"state"`
	OpenedAt time.Time `json:"opened_at"`
}

// Registry is the circuit breaker registry (C4). Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	cfg     Config
	cache   cache.Cache // optional; nil disables persistence
}

// New builds a Registry. cache may be nil, in which case breaker state is
// purely in-process (cold start on every restart, always Closed).
func New(cfg Config, c cache.Cache) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		cfg:     cfg,
		cache:   c,
	}
}

func key(provider, model string) string {
	return provider + "\x00" + model
}

func (r *Registry) get(provider, model string) *entry {
	k := key(provider, model)

	r.mu.RLock()
	e, ok := r.entries[k]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[k]; ok {
		return e
	}
	e = &entry{state: Closed, windowStart: time.Now()}
	r.restore(provider, model, e)
	r.entries[k] = e
	return e
}

// restore best-effort loads persisted state from cache on cold start. A
// cache miss or decode error leaves e at its zero-value Closed state — per
// spec's design note, losing breaker state on restart is an acceptable
// failure mode, never a hard error.
func (r *Registry) restore(provider, model string, e *entry) {
	if r.cache == nil {
		return
	}
	raw, ok := r.cache.Get(context.Background(), cacheKey(provider, model))
	if !ok {
		return
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return
	}
	if snap.State == Open && time.Since(snap.OpenedAt) < r.cfg.halfOpenTimeout() {
		e.state = Open
		e.openedAt = snap.OpenedAt
	}
}

func (r *Registry) persist(provider, model string, e *entry) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(snapshot{State: e.state, OpenedAt: e.openedAt})
	if err != nil {
		return
	}
	_ = r.cache.Set(context.Background(), cacheKey(provider, model), raw, r.cfg.window())
}

func cacheKey(provider, model string) string {
	return fmt.Sprintf("breaker:%s:%s", provider, model)
}

// Allow reports whether the (provider, model) pair should receive the next
// request. Unknown pairs default to Closed (optimistic allow).
func (r *Registry) Allow(provider, model string) bool {
	e := r.get(provider, model)

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case Closed:
		return true
	case Open:
		if time.Since(e.openedAt) >= r.cfg.halfOpenTimeout() {
			e.state = HalfOpen
			e.halfOpenSuccess = 0
			e.probeInflight = true
			return true
		}
		return false
	case HalfOpen:
		if e.probeInflight {
			return false
		}
		e.probeInflight = true
		return true
	}
	return true
}

// RecordOutcome records the result of a dispatch attempt. success=false
// failures that don't count toward the breaker (content-policy refusals,
// client cancellations) should not call this at all — see
// providers.ErrorKind.CountsTowardBreaker.
func (r *Registry) RecordOutcome(provider, model string, success bool) {
	e := r.get(provider, model)

	e.mu.Lock()
	switch e.state {
	case HalfOpen:
		e.probeInflight = false
		if success {
			e.halfOpenSuccess++
			if e.halfOpenSuccess >= r.cfg.requiredSuccesses() {
				e.state = Closed
				e.failures = 0
				e.consecutive = 0
				e.successes = 0
				e.windowStart = time.Now()
			}
		} else {
			e.state = Open
			e.openedAt = time.Now()
			e.halfOpenSuccess = 0
		}
	case Closed:
		now := time.Now()
		if now.Sub(e.windowStart) > r.cfg.window() {
			e.failures = 0
			e.successes = 0
			e.windowStart = now
		}
		if success {
			e.successes++
			e.consecutive = 0
		} else {
			e.failures++
			e.consecutive++
		}
		total := e.failures + e.successes
		tripByCount := e.consecutive >= r.cfg.errorThreshold()
		tripByRatio := total >= r.cfg.minSamples() && float64(e.failures)/float64(total) >= r.cfg.errorRatio()
		if tripByCount || tripByRatio {
			e.state = Open
			e.openedAt = now
		}
	case Open:
		// A result arriving while already open (e.g. a race with another
		// in-flight probe) doesn't change state further.
	}
	state := e.state
	openedAt := e.openedAt
	e.mu.Unlock()

	if r.cfg.PersistenceEnabled {
		r.persist(provider, model, &entry{state: state, openedAt: openedAt})
	}
}

// State returns the current state for (provider, model), for metrics export.
func (r *Registry) State(provider, model string) State {
	e := r.get(provider, model)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}
