package stream

import (
	"strings"
	"testing"

	"github.com/nulpointcorp/gateway-core/internal/providers"
)

func TestNormalizeFinishReason_Table(t *testing.T) {
	cases := map[string]string{
		"":               "",
		"stop":           "stop",
		"end_turn":       "stop",
		"stop_sequence":  "stop",
		"length":         "length",
		"max_tokens":     "length",
		"content_filter": "error",
		"safety":         "error",
		"error":          "error",
		"tool_calls":     "tool_calls",
		"function_call":  "function_call",
		"something_new":  "stop",
	}
	for in, want := range cases {
		if got := NormalizeFinishReason(in); got != want {
			t.Errorf("NormalizeFinishReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExtractReasoning_PrefersFirstAlias(t *testing.T) {
	got, ok := ExtractReasoning(map[string]string{
		"thinking": "because X",
		"thought":  "because Y",
	})
	if !ok || got != "because X" {
		t.Fatalf("ExtractReasoning = %q, %v; want \"because X\", true", got, ok)
	}
}

func TestExtractReasoning_NoneFound(t *testing.T) {
	if _, ok := ExtractReasoning(map[string]string{"content": "hi"}); ok {
		t.Fatal("expected no reasoning field to be found")
	}
}

func TestNormalizer_AccumulatesContentAndReasoning(t *testing.T) {
	n := New("openai", "gpt-4o", "chatcmpl-1", 1000)

	frame1, ok := n.Apply(providers.StreamChunk{Role: "assistant"})
	if !ok || !strings.Contains(frame1, `"role":"assistant"`) {
		t.Fatalf("expected a role-delta frame, got ok=%v frame=%q", ok, frame1)
	}

	frame2, ok := n.Apply(providers.StreamChunk{Content: "Hello, "})
	if !ok || !strings.Contains(frame2, `"content":"Hello, "`) {
		t.Fatalf("expected a content-delta frame, got ok=%v frame=%q", ok, frame2)
	}

	if _, ok := n.Apply(providers.StreamChunk{ReasoningContent: "considering greeting"}); !ok {
		t.Fatal("expected a reasoning-delta frame")
	}

	frame4, ok := n.Apply(providers.StreamChunk{Content: "world!", FinishReason: "stop"})
	if !ok || !strings.Contains(frame4, `"finish_reason":"stop"`) {
		t.Fatalf("expected a finish-reason frame, got ok=%v frame=%q", ok, frame4)
	}

	if got := n.AccumulatedContent(0); got != "Hello, world!" {
		t.Errorf("AccumulatedContent = %q, want %q", got, "Hello, world!")
	}
	if got := n.AccumulatedReasoning(0); got != "considering greeting" {
		t.Errorf("AccumulatedReasoning = %q, want %q", got, "considering greeting")
	}
	if !n.SawAnyChunk() {
		t.Error("expected SawAnyChunk to be true after forwarded frames")
	}
}

func TestNormalizer_EmptyChunkProducesNoFrame(t *testing.T) {
	n := New("openai", "gpt-4o", "chatcmpl-1", 1000)

	if _, ok := n.Apply(providers.StreamChunk{}); ok {
		t.Fatal("expected a chunk with no content, role, reasoning, or finish reason to produce no frame")
	}
	if n.SawAnyChunk() {
		t.Error("expected SawAnyChunk to remain false for a stream that forwarded nothing")
	}
}

func TestNormalizer_MultipleChoiceIndicesAreIndependent(t *testing.T) {
	n := New("openai", "gpt-4o", "chatcmpl-1", 1000)

	n.Apply(providers.StreamChunk{Index: 0, Content: "first"})
	n.Apply(providers.StreamChunk{Index: 1, Content: "second"})

	if got := n.AccumulatedContent(0); got != "first" {
		t.Errorf("choice 0 content = %q, want %q", got, "first")
	}
	if got := n.AccumulatedContent(1); got != "second" {
		t.Errorf("choice 1 content = %q, want %q", got, "second")
	}
}

func TestNormalizer_ErrorFinishReasonAlsoEmitsErrorEvent(t *testing.T) {
	events := NormalizeChunk(providers.StreamChunk{FinishReason: "content_filter"})

	var sawError bool
	for _, ev := range events {
		if ev.Kind == EventError {
			sawError = true
		}
	}
	if !sawError {
		t.Error("expected an EventError alongside the normalized \"error\" finish reason")
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("EstimateTokens(\"\") = %d, want 0", got)
	}
	if got := EstimateTokens("hi"); got != 1 {
		t.Errorf("EstimateTokens(\"hi\") = %d, want 1 (floored)", got)
	}
	if got := EstimateTokens(strings.Repeat("a", 40)); got != 10 {
		t.Errorf("EstimateTokens(40 chars) = %d, want 10", got)
	}
}

func TestErrorFrameAndDoneFrame(t *testing.T) {
	ef := ErrorFrame("upstream timed out", "timeout", "openai", "gpt-4o")
	if !strings.HasPrefix(ef, "data: ") || !strings.HasSuffix(ef, "\n\n") {
		t.Fatalf("ErrorFrame is not a valid SSE frame: %q", ef)
	}
	if !strings.Contains(ef, `"provider":"openai"`) {
		t.Errorf("ErrorFrame missing provider: %q", ef)
	}

	if got := DoneFrame(); got != "data: [DONE]\n\n" {
		t.Errorf("DoneFrame = %q, want %q", got, "data: [DONE]\n\n")
	}
}
