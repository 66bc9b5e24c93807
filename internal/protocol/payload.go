package protocol

import "encoding/json"

// Payload is a dispatch-shaped frame fabricated by the relay itself, such as
// the synthetic READY or a per-guild replay event.
type Payload struct {
	D  any    `json:"d"`
	Op int    `json:"op"`
	T  string `json:"t"`
	S  int64  `json:"s"`
}

// Encode serializes the payload to wire text.
func (p Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}
