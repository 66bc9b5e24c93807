package cache

import (
	"encoding/json"

	"github.com/dgnsrekt/gateway-relay/internal/protocol"
)

// Noop is the degenerate cache: it remembers nothing, reports zero for every
// statistic and replays nothing. Subscribers rebuild guild state from ordinary
// dispatch traffic instead.
type Noop struct{}

// NewNoop creates a no-op cache.
func NewNoop() *Noop {
	return &Noop{}
}

func (*Noop) Apply(string, json.RawMessage) {}

func (*Noop) Stats() Stats {
	return Stats{}
}

func (*Noop) ReadyPayload(body map[string]any, seq *Sequence) protocol.Payload {
	return readyPayload(body, seq)
}

func (*Noop) GuildPayloads(*Sequence) []protocol.Payload {
	return nil
}

// readyPayload is the shared READY shaping: guilds always start empty, the
// sequence counter advances by one.
func readyPayload(body map[string]any, seq *Sequence) protocol.Payload {
	body["guilds"] = []any{}

	return protocol.Payload{
		D:  body,
		Op: protocol.OpDispatch,
		T:  protocol.EventReady,
		S:  seq.Next(),
	}
}
