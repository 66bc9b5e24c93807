package transport

import (
	"context"
	"errors"
	"time"
)

// ErrStreamEnded signals that the transport will produce no further frames.
var ErrStreamEnded = errors.New("transport stream ended")

// Status is the connection state of an upstream session. The ordinal values
// are exported to dashboards and their ordering is meaningful; do not reorder.
type Status int

const (
	StatusFatallyClosed Status = iota
	StatusDisconnected
	StatusIdentifying
	StatusResuming
	StatusActive
)

func (s Status) String() string {
	switch s {
	case StatusFatallyClosed:
		return "fatally_closed"
	case StatusDisconnected:
		return "disconnected"
	case StatusIdentifying:
		return "identifying"
	case StatusResuming:
		return "resuming"
	case StatusActive:
		return "active"
	default:
		return "unknown"
	}
}

// FrameKind distinguishes the frame flavors a consumer can observe.
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameClose
)

// Frame is one unit read from the upstream connection. Text frames carry the
// raw JSON payload; close frames carry the peer's close code.
type Frame struct {
	Kind      FrameKind
	Data      []byte
	CloseCode int
}

// Transport is the upstream session collaborator. It owns the handshake,
// heartbeat, compression and reconnect mechanics; consumers only pull frames
// and sample connection health.
type Transport interface {
	// NextFrame blocks until the next frame arrives. A non-nil error with a
	// zero frame is transient (log and call again) unless it is
	// ErrStreamEnded or the context's error, which are terminal.
	NextFrame(ctx context.Context) (Frame, error)

	// Status reports the current connection state.
	Status() Status

	// RecentLatencies returns recent heartbeat round-trips, most recent
	// first. Empty until the first acknowledge arrives.
	RecentLatencies() []time.Duration
}
