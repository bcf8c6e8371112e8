// Package stream turns the heterogeneous per-provider stream chunks produced
// by internal/providers into a single OpenAI-shaped sequence of
// "chat.completion.chunk" SSE frames, the way every client of this gateway
// expects regardless of which upstream actually served the request.
package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nulpointcorp/gateway-core/internal/providers"
)

// EventKind discriminates the kind of delta a ChunkEvent carries. A single
// provider StreamChunk can fan out into more than one event (e.g. a content
// delta and a finish reason arriving together).
type EventKind int

const (
	EventContentDelta EventKind = iota
	EventRoleDelta
	EventReasoningDelta
	EventFinishReason
	EventUsage
	EventError
)

// ChunkEvent is one normalized delta extracted from a provider StreamChunk.
// Only the field matching Kind is meaningful.
type ChunkEvent struct {
	Kind         EventKind
	Index        int
	Role         string
	Content      string
	Reasoning    string
	FinishReason string
	Usage        *providers.Usage
	Err          error
}

// reasoningFields lists every alias an upstream has been observed to use for
// a chain-of-thought / reasoning field, in priority order.
var reasoningFields = []string{
	"reasoning", "reasoning_content", "thinking", "analysis",
	"inner_thought", "thoughts", "thought", "chain_of_thought", "cot",
}

// ExtractReasoning scans a generic field map (used by providers that only
// expose their raw wire JSON) for the first populated reasoning alias.
func ExtractReasoning(fields map[string]string) (string, bool) {
	for _, name := range reasoningFields {
		if v, ok := fields[name]; ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// NormalizeFinishReason canonicalizes a provider-native finish/stop reason
// into the small vocabulary OpenAI-compatible clients expect. An unrecognized
// reason canonicalizes to "stop" rather than "unknown": from the client's
// point of view the stream just stopped. An absent (empty) reason stays
// empty, which NormalizeChunk reads as "no finish reason on this chunk".
func NormalizeFinishReason(reason string) string {
	switch strings.ToLower(reason) {
	case "":
		return ""
	case "stop", "end_turn", "stop_sequence":
		return "stop"
	case "length", "max_tokens":
		return "length"
	case "content_filter", "safety", "error":
		return "error"
	case "tool_calls", "function_call":
		return strings.ToLower(reason)
	default:
		return "stop"
	}
}

// NormalizeChunk converts a raw provider StreamChunk into zero or more
// ChunkEvents. A chunk may carry a content delta and a finish reason at the
// same time (most providers send the finish reason on the final chunk
// alongside, or immediately after, the last content delta).
func NormalizeChunk(chunk providers.StreamChunk) []ChunkEvent {
	var events []ChunkEvent

	if chunk.Role != "" {
		events = append(events, ChunkEvent{Kind: EventRoleDelta, Index: chunk.Index, Role: chunk.Role})
	}
	if chunk.Content != "" {
		events = append(events, ChunkEvent{Kind: EventContentDelta, Index: chunk.Index, Content: chunk.Content})
	}
	if chunk.ReasoningContent != "" {
		events = append(events, ChunkEvent{Kind: EventReasoningDelta, Index: chunk.Index, Reasoning: chunk.ReasoningContent})
	}
	if chunk.Usage != nil {
		events = append(events, ChunkEvent{Kind: EventUsage, Index: chunk.Index, Usage: chunk.Usage})
	}
	if reason := NormalizeFinishReason(chunk.FinishReason); reason != "" {
		events = append(events, ChunkEvent{Kind: EventFinishReason, Index: chunk.Index, FinishReason: reason})
		if reason == "error" {
			events = append(events, ChunkEvent{Kind: EventError, Index: chunk.Index, Err: fmt.Errorf("stream: upstream reported finish_reason=%q", chunk.FinishReason)})
		}
	}

	return events
}

// choiceAccumulator tracks the in-progress delta state for a single choice
// index across the life of a stream.
type choiceAccumulator struct {
	role           string
	contentSoFar   strings.Builder
	reasoningSoFar strings.Builder
	finishReason   string
	sawAnyDelta    bool
}

// Normalizer assembles ChunkEvents for a single provider/model stream into
// OpenAI-shaped "chat.completion.chunk" SSE frames, accumulating full content
// and reasoning so the caller can record them for billing and history even
// though the client only ever sees the deltas.
type Normalizer struct {
	provider string
	model    string
	id       string
	created  int64

	choices    map[int]*choiceAccumulator
	chunkCount int
}

// New creates a Normalizer for a single stream. id and created seed the
// "chatcmpl-..." id and created-at timestamp every frame shares; callers
// compute these once up front since a stream must report a stable id.
func New(provider, model, id string, created int64) *Normalizer {
	return &Normalizer{
		provider: provider,
		model:    model,
		id:       id,
		created:  created,
		choices:  make(map[int]*choiceAccumulator),
	}
}

func (n *Normalizer) choice(index int) *choiceAccumulator {
	c, ok := n.choices[index]
	if !ok {
		c = &choiceAccumulator{}
		n.choices[index] = c
	}
	return c
}

// frameChoice is the JSON shape of a single entry in a chunk's "choices"
// array, matching what every OpenAI-compatible client already parses.
type frameChoice struct {
	Index        int            `json:"index"`
	Delta        map[string]any `json:"delta"`
	FinishReason any            `json:"finish_reason"`
}

type frame struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []frameChoice `json:"choices"`
}

// Apply folds one provider StreamChunk's events into the accumulator state
// and returns the SSE-ready "data: ...\n\n" frame for it, or ("", false) if
// the chunk carried nothing worth forwarding (e.g. a keepalive with no
// content, role, reasoning, or finish reason).
func (n *Normalizer) Apply(chunk providers.StreamChunk) (string, bool) {
	events := NormalizeChunk(chunk)
	if len(events) == 0 {
		return "", false
	}
	n.chunkCount++

	acc := n.choice(chunk.Index)
	delta := map[string]any{}
	var finishReason any

	for _, ev := range events {
		switch ev.Kind {
		case EventRoleDelta:
			acc.role = ev.Role
			delta["role"] = ev.Role
			acc.sawAnyDelta = true
		case EventContentDelta:
			delta["content"] = ev.Content
			acc.contentSoFar.WriteString(ev.Content)
			acc.sawAnyDelta = true
		case EventReasoningDelta:
			delta["reasoning_content"] = ev.Reasoning
			acc.reasoningSoFar.WriteString(ev.Reasoning)
			acc.sawAnyDelta = true
		case EventFinishReason:
			acc.finishReason = ev.FinishReason
			finishReason = ev.FinishReason
			acc.sawAnyDelta = true
		case EventUsage, EventError:
			// Usage is surfaced via Usage(); EventError only annotates an
			// error finish reason already captured above.
		}
	}

	if !acc.sawAnyDelta {
		return "", false
	}

	f := frame{
		ID:      n.id,
		Object:  "chat.completion.chunk",
		Created: n.created,
		Model:   n.model,
		Choices: []frameChoice{{
			Index:        chunk.Index,
			Delta:        delta,
			FinishReason: finishReason,
		}},
	}
	data, err := json.Marshal(f)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("data: %s\n\n", data), true
}

// AccumulatedContent returns everything streamed so far for choice index.
func (n *Normalizer) AccumulatedContent(index int) string {
	if c, ok := n.choices[index]; ok {
		return c.contentSoFar.String()
	}
	return ""
}

// AccumulatedReasoning returns every reasoning delta streamed so far for
// choice index.
func (n *Normalizer) AccumulatedReasoning(index int) string {
	if c, ok := n.choices[index]; ok {
		return c.reasoningSoFar.String()
	}
	return ""
}

// SawAnyChunk reports whether Apply has ever produced a forwarded frame.
// An empty stream (zero forwarded frames) is itself an error condition: the
// client would otherwise see a bare [DONE] with no explanation.
func (n *Normalizer) SawAnyChunk() bool {
	return n.chunkCount > 0
}

// EstimateTokens approximates a token count from character length using the
// same chars/4 heuristic used everywhere else usage isn't reported by the
// upstream, floored at 1 for any non-empty text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n < 1 {
		return 1
	}
	return n
}

// ErrorFrame renders a provider/model-scoped error as an SSE data frame in
// the same envelope shape OpenAI-compatible clients use for in-stream errors.
func ErrorFrame(message, errType, provider, model string) string {
	data, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message":  message,
			"type":     errType,
			"provider": nullable(provider),
			"model":    nullable(model),
		},
	})
	return fmt.Sprintf("data: %s\n\n", data)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// DoneFrame is the terminal SSE frame every stream ends with.
func DoneFrame() string {
	return "data: [DONE]\n\n"
}
