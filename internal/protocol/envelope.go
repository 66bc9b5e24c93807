package protocol

import (
	"encoding/json"
	"fmt"
)

// Gateway opcodes.
const (
	OpDispatch       = 0
	OpHeartbeat      = 1
	OpIdentify       = 2
	OpResume         = 6
	OpReconnect      = 7
	OpInvalidSession = 9
	OpHello          = 10
	OpHeartbeatACK   = 11
)

// Session-lifecycle event types that must not be relayed as ordinary dispatch.
const (
	EventReady   = "READY"
	EventResumed = "RESUMED"
)

// Envelope holds the routing fields of a gateway frame. The event body is
// deliberately left as raw bytes: ordinary dispatch frames are re-serialized
// mostly unchanged, so a full parse on the relay path would be wasted work.
type Envelope struct {
	Op       int             `json:"op"`
	Sequence *int64          `json:"s"`
	Type     *string         `json:"t"`
	Data     json.RawMessage `json:"d"`
}

// ParseEnvelope extracts op, sequence and event type from a raw text frame.
// A structural parse failure is returned to the caller; the frame should be
// discarded without terminating the session.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parsing gateway envelope: %w", err)
	}
	return &env, nil
}

// EventType returns the event type name and whether one is present.
func (e *Envelope) EventType() (string, bool) {
	if e.Type == nil {
		return "", false
	}
	return *e.Type, true
}

// IsLifecycle reports whether the envelope carries a session-lifecycle event
// (READY or RESUMED) that needs special handling instead of plain relay.
func (e *Envelope) IsLifecycle() bool {
	return e.Type != nil && (*e.Type == EventReady || *e.Type == EventResumed)
}
