package cache

import (
	"encoding/json"
	"sync/atomic"

	"github.com/dgnsrekt/gateway-relay/internal/protocol"
)

// Sequence is a shard's monotonic counter for relay-fabricated payloads.
// Values are strictly increasing for the process lifetime and never reused.
type Sequence struct {
	n atomic.Int64
}

// Next reserves and returns the next sequence number.
func (s *Sequence) Next() int64 {
	return s.n.Add(1)
}

// Current returns the last reserved sequence number without consuming one.
func (s *Sequence) Current() int64 {
	return s.n.Load()
}

// Stats is a read-only snapshot of aggregate entity counts.
type Stats struct {
	Guilds            int
	Channels          int
	Roles             int
	Members           int
	Presences         int
	VoiceStates       int
	Users             int
	UnavailableGuilds int
	Emojis            int
}

// Cache accumulates upstream dispatch events and answers newcomer bootstrap
// queries. Implementations must tolerate malformed or unexpected event shapes
// by ignoring them; nothing in the relay loop depends on cache correctness.
type Cache interface {
	// Apply folds one dispatch event into the cache. It must return quickly;
	// relay ordering does not wait for it.
	Apply(eventType string, data json.RawMessage)

	// Stats snapshots the aggregate counts. Safe to call concurrently with
	// Apply.
	Stats() Stats

	// ReadyPayload turns the (already guild-stripped) ready body into a
	// dispatch-shaped READY for one newcomer, consuming one sequence number.
	ReadyPayload(body map[string]any, seq *Sequence) protocol.Payload

	// GuildPayloads produces the per-guild replay a newcomer should receive
	// after the ready payload, consuming one sequence number each. Finite and
	// safe to regenerate per subscriber.
	GuildPayloads(seq *Sequence) []protocol.Payload
}
