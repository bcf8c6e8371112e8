// Package tokencount estimates prompt token counts ahead of dispatch, used by
// the orchestrator's admission-time plan-limit precheck (spec §4.10 PREPARE
// step). It is strictly an estimate: the authoritative count for billing
// always comes from the provider's own usage block, with the stream
// normalizer's chars/4 heuristic as a last-resort fallback when a provider
// omits one.
package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nulpointcorp/gateway-core/internal/providers"
)

// encodingName is the BPE used by GPT-3.5/4-family models — close enough for
// a pre-dispatch estimate across providers since every provider's tokenizer
// lands within a small constant factor of this one for ordinary text.
const encodingName = "cl100k_base"

// Counter estimates the token count of a prompt before it is sent upstream.
type Counter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

// New builds a Counter. The underlying BPE encoder is loaded lazily on first
// use so constructing a Counter never fails or blocks on network/disk access.
func New() *Counter {
	return &Counter{}
}

func (c *Counter) encoder() (*tiktoken.Tiktoken, error) {
	c.once.Do(func() {
		c.enc, c.err = tiktoken.GetEncoding(encodingName)
	})
	return c.enc, c.err
}

// CountText estimates the token count of a single string, falling back to the
// chars/4 heuristic if the encoder failed to load.
func (c *Counter) CountText(s string) int {
	if s == "" {
		return 0
	}
	enc, err := c.encoder()
	if err != nil {
		return fallbackEstimate(s)
	}
	return len(enc.Encode(s, nil, nil))
}

// CountMessages estimates the total prompt token count for a chat request: the
// sum of every message's content, plus a small per-message overhead for the
// role/delimiter tokens every provider's wire format adds.
func (c *Counter) CountMessages(messages []providers.Message) int {
	const perMessageOverhead = 4
	total := 0
	for _, m := range messages {
		total += c.CountText(m.Content) + perMessageOverhead
	}
	return total
}

func fallbackEstimate(s string) int {
	n := len(s) / 4
	if n == 0 {
		n = 1
	}
	return n
}
