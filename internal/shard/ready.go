package shard

import (
	"encoding/json"
	"fmt"
)

// publishReady derives the subscriber-facing ready snapshot from the raw
// upstream READY frame and publishes it.
//
// This is the one place the event body is fully parsed; the hot relay path
// sticks to the envelope fields. Unmarshal builds fresh maps, so the original
// frame bytes stay untouched for the rest of the loop.
func (s *Session) publishReady(raw []byte) error {
	var frame struct {
		D map[string]any `json:"d"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("parsing ready payload: %w", err)
	}
	if frame.D == nil {
		return fmt.Errorf("ready payload has no body")
	}

	body := frame.D

	// Bulk guild data is intentionally not forwarded; subscribers rebuild
	// guild state from dispatch traffic or the cache replay.
	if _, ok := body["guilds"]; ok {
		body["guilds"] = []any{}
	}

	// Subscribers that later resume must address the relay, not upstream.
	body["resume_gateway_url"] = s.externalURL

	s.ready.SetReady(body)
	return nil
}
