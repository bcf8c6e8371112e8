package proxy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nulpointcorp/gateway-core/internal/cache"
	"github.com/nulpointcorp/gateway-core/internal/providers"
)

const (
	historyKeyPrefix   = "session_history:"
	historyTTL         = 24 * time.Hour
	historyMaxMessages = 20
)

// sessionHistory is the cache-backed store behind the PREPARE step's
// session-history prefix ("messages ← client messages (+ history prefix if
// session id and authenticated)"). It deliberately never stores a
// system-role message, so a client-supplied system message always wins over
// anything recorded in a prior turn without any merge logic at read time.
//
// Session transcripts are ephemeral request-shaping state, not the
// durable "sessions+messages" record a datastore owns — they live in the
// same cache backend as everything else in internal/cache, under their own
// key prefix, and age out after historyTTL.
type sessionHistory struct {
	cache cache.Cache
}

func newSessionHistory(c cache.Cache) *sessionHistory {
	return &sessionHistory{cache: c}
}

// Load returns the stored non-system turns for a session, oldest first, or
// nil if there is no cache, no session, or nothing stored yet.
func (h *sessionHistory) Load(ctx context.Context, sessionID string) []providers.Message {
	if h == nil || h.cache == nil || sessionID == "" {
		return nil
	}
	raw, ok := h.cache.Get(ctx, historyKeyPrefix+sessionID)
	if !ok {
		return nil
	}
	var msgs []providers.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil
	}
	return msgs
}

// Append records the turns from the latest exchange, trimming to the most
// recent historyMaxMessages entries so a long-lived session's stored
// history can't grow without bound. System-role turns are dropped — history
// never carries a system message.
func (h *sessionHistory) Append(ctx context.Context, sessionID string, turns ...providers.Message) {
	if h == nil || h.cache == nil || sessionID == "" {
		return
	}
	nonSystem := make([]providers.Message, 0, len(turns))
	for _, m := range turns {
		if m.Role == "system" {
			continue
		}
		nonSystem = append(nonSystem, m)
	}
	if len(nonSystem) == 0 {
		return
	}

	existing := h.Load(ctx, sessionID)
	existing = append(existing, nonSystem...)
	if len(existing) > historyMaxMessages {
		existing = existing[len(existing)-historyMaxMessages:]
	}

	data, err := json.Marshal(existing)
	if err != nil {
		return
	}
	_ = h.cache.Set(ctx, historyKeyPrefix+sessionID, data, historyTTL)
}
