package breaker

import (
	"testing"
	"time"
)

func TestRegistry_InitialStateClosed(t *testing.T) {
	r := New(Config{}, nil)
	if r.State("openai", "gpt-4o") != Closed {
		t.Error("new (provider, model) pair should start closed")
	}
	if !r.Allow("openai", "gpt-4o") {
		t.Error("closed breaker should allow requests")
	}
}

func TestRegistry_OpensAfterThreshold(t *testing.T) {
	r := New(Config{ErrorThreshold: 3, MinSamples: 1000}, nil)

	for i := 0; i < 2; i++ {
		r.RecordOutcome("openai", "gpt-4o", false)
		if r.State("openai", "gpt-4o") != Closed {
			t.Fatalf("should remain closed before threshold, iteration %d", i)
		}
	}
	r.RecordOutcome("openai", "gpt-4o", false)
	if r.State("openai", "gpt-4o") != Open {
		t.Error("should be open after reaching the error threshold")
	}
}

func TestRegistry_OpensByRatio(t *testing.T) {
	r := New(Config{ErrorThreshold: 1000, MinSamples: 4, ErrorRatio: 0.5}, nil)

	r.RecordOutcome("openai", "gpt-4o", true)
	r.RecordOutcome("openai", "gpt-4o", false)
	r.RecordOutcome("openai", "gpt-4o", true)
	if r.State("openai", "gpt-4o") != Closed {
		t.Fatal("should remain closed below the minimum sample size")
	}
	r.RecordOutcome("openai", "gpt-4o", false)
	if r.State("openai", "gpt-4o") != Open {
		t.Error("2/4 failures at N=4, R=0.5 should trip the breaker")
	}
}

func TestRegistry_ModelsAreIndependent(t *testing.T) {
	r := New(Config{ErrorThreshold: 1}, nil)

	r.RecordOutcome("openai", "gpt-4o", false)
	if r.State("openai", "gpt-4o") != Open {
		t.Fatal("gpt-4o should be open")
	}
	if r.State("openai", "gpt-4o-mini") != Closed {
		t.Error("gpt-4o-mini on the same provider should be unaffected")
	}
	if !r.Allow("openai", "gpt-4o-mini") {
		t.Error("gpt-4o-mini should still be allowed")
	}
}

func TestRegistry_HalfOpenRequiresTwoConsecutiveSuccesses(t *testing.T) {
	r := New(Config{ErrorThreshold: 1, HalfOpenTimeout: time.Millisecond, RequiredSuccesses: 2}, nil)

	r.RecordOutcome("openai", "gpt-4o", false) // trips it
	time.Sleep(2 * time.Millisecond)

	if !r.Allow("openai", "gpt-4o") {
		t.Fatal("should allow a single probe once the half-open timeout elapses")
	}
	r.RecordOutcome("openai", "gpt-4o", true) // first half-open success
	if r.State("openai", "gpt-4o") != HalfOpen {
		t.Error("a single half-open success should not close the breaker yet")
	}

	if !r.Allow("openai", "gpt-4o") {
		t.Fatal("should allow a second probe while still half-open")
	}
	r.RecordOutcome("openai", "gpt-4o", true) // second consecutive success
	if r.State("openai", "gpt-4o") != Closed {
		t.Error("two consecutive half-open successes should close the breaker")
	}
}

func TestRegistry_HalfOpenFailureReopensAndResetsCounter(t *testing.T) {
	r := New(Config{ErrorThreshold: 1, HalfOpenTimeout: time.Millisecond, RequiredSuccesses: 2}, nil)

	r.RecordOutcome("openai", "gpt-4o", false)
	time.Sleep(2 * time.Millisecond)
	r.Allow("openai", "gpt-4o")
	r.RecordOutcome("openai", "gpt-4o", true) // one success, not yet closed
	r.Allow("openai", "gpt-4o")
	r.RecordOutcome("openai", "gpt-4o", false) // probe fails — reopens

	if r.State("openai", "gpt-4o") != Open {
		t.Error("a half-open failure should reopen the breaker")
	}

	time.Sleep(2 * time.Millisecond)
	r.Allow("openai", "gpt-4o")
	r.RecordOutcome("openai", "gpt-4o", true)
	if r.State("openai", "gpt-4o") != HalfOpen {
		t.Error("the consecutive-success counter should have reset on reopen")
	}
}

func TestRegistry_OpenRejectsUntilTimeout(t *testing.T) {
	r := New(Config{ErrorThreshold: 1, HalfOpenTimeout: time.Hour}, nil)

	r.RecordOutcome("openai", "gpt-4o", false)
	if r.Allow("openai", "gpt-4o") {
		t.Error("open breaker should reject requests before the timeout elapses")
	}
}
