package shard

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/gateway-relay/internal/bus"
	"github.com/dgnsrekt/gateway-relay/internal/cache"
	"github.com/dgnsrekt/gateway-relay/internal/protocol"
	"github.com/dgnsrekt/gateway-relay/internal/telemetry"
	"github.com/dgnsrekt/gateway-relay/internal/transport"
)

// DefaultSampleInterval is the minimum spacing between telemetry samples.
const DefaultSampleInterval = 500 * time.Millisecond

// Session owns one upstream shard: it reads frames, tracks the readiness
// lifecycle, feeds the cache and fans dispatch frames out to subscribers.
// The transport reconnects internally; the session survives reconnects and
// only its readiness resets.
type Session struct {
	id        int
	idStr     string
	transport transport.Transport
	cache     cache.Cache
	bus       *bus.Bus
	ready     *ReadyState
	seq       *cache.Sequence

	externalURL    string
	sampleInterval time.Duration
	lastSample     time.Time
	logger         *zap.Logger
}

// NewSession wires a session for one shard. externalURL is the relay address
// substituted into the synthetic ready payload.
func NewSession(id int, tp transport.Transport, c cache.Cache, b *bus.Bus, externalURL string, sampleInterval time.Duration, logger *zap.Logger) *Session {
	if sampleInterval <= 0 {
		sampleInterval = DefaultSampleInterval
	}
	return &Session{
		id:             id,
		idStr:          strconv.Itoa(id),
		transport:      tp,
		cache:          c,
		bus:            b,
		ready:          &ReadyState{},
		seq:            &cache.Sequence{},
		externalURL:    externalURL,
		sampleInterval: sampleInterval,
		logger:         logger,
	}
}

// ID returns the shard ordinal.
func (s *Session) ID() int {
	return s.id
}

// ReadySnapshot returns a copy of the current synthetic ready body, if one is
// published.
func (s *Session) ReadySnapshot() (map[string]any, bool) {
	return s.ready.Snapshot()
}

// Bus returns the shard's fan-out bus for subscriber attachment.
func (s *Session) Bus() *bus.Bus {
	return s.bus
}

// NewcomerPayloads assembles the bootstrap frames for a freshly attached
// subscriber: the synthetic READY followed by the cache's per-guild replay,
// each consuming one sequence number. Returns false while no snapshot is
// published.
func (s *Session) NewcomerPayloads() ([][]byte, bool) {
	body, ok := s.ready.Snapshot()
	if !ok {
		return nil, false
	}

	payloads := append([]protocol.Payload{s.cache.ReadyPayload(body, s.seq)}, s.cache.GuildPayloads(s.seq)...)

	frames := make([][]byte, 0, len(payloads))
	for _, p := range payloads {
		data, err := p.Encode()
		if err != nil {
			s.logger.Error("failed to encode bootstrap payload",
				zap.Int("shard", s.id),
				zap.Error(err),
			)
			continue
		}
		frames = append(frames, data)
	}
	return frames, true
}

// Run is the shard's event loop. It returns when the transport stream ends or
// ctx is cancelled; individual frame faults are logged and skipped.
func (s *Session) Run(ctx context.Context) {
	// Relay is gated on readiness: subscribers rely on the synthetic READY
	// as their only session-started signal, so dispatch frames must not
	// reach them before it exists.
	isReady := false

	s.lastSample = time.Now()

	for {
		if now := time.Now(); s.shouldSample(now) {
			telemetry.UpdateShard(s.idStr, s.transport.Status(), s.transport.RecentLatencies(), s.cache.Stats())
		}

		frame, err := s.transport.NextFrame(ctx)
		switch {
		case err == nil:
		case errors.Is(err, transport.ErrStreamEnded):
			s.logger.Warn("shard stream closed", zap.Int("shard", s.id))
			return
		case ctx.Err() != nil:
			return
		default:
			s.logger.Error("error receiving message",
				zap.Int("shard", s.id),
				zap.Error(err),
			)
			continue
		}

		if frame.Kind == transport.FrameClose {
			if ctx.Err() != nil {
				return
			}
			s.logger.Info("shard got a close message",
				zap.Int("shard", s.id),
				zap.Int("code", frame.CloseCode),
			)
			continue
		}

		env, err := protocol.ParseEnvelope(frame.Data)
		if err != nil {
			s.logger.Error("failed to decode gateway event",
				zap.Int("shard", s.id),
				zap.Error(err),
			)
			continue
		}

		if name, ok := env.EventType(); ok {
			telemetry.CountEvent(s.idStr, name)

			switch {
			case name == protocol.EventReady:
				if err := s.publishReady(frame.Data); err != nil {
					s.logger.Error("failed to build synthetic ready",
						zap.Int("shard", s.id),
						zap.Error(err),
					)
				} else {
					isReady = true
				}
			case name == protocol.EventResumed:
				// The published snapshot is still valid; entity state was
				// never invalidated.
				isReady = true
			case env.Op == protocol.OpDispatch && isReady:
				s.bus.Publish(bus.Message{
					Payload:  string(frame.Data),
					Sequence: env.Sequence,
				})
			}

			// State tracking continues even while relay is suspended.
			if env.Op == protocol.OpDispatch {
				s.cache.Apply(name, env.Data)
			}
		}

		if env.Op == protocol.OpInvalidSession {
			var resumable bool
			_ = json.Unmarshal(env.Data, &resumable)

			s.logger.Debug("session invalidated",
				zap.Int("shard", s.id),
				zap.Bool("resumable", resumable),
			)

			if !resumable {
				// Only drop the snapshot when a new READY is guaranteed.
				s.ready.SetNotReady()
			}
			// Suspend relay until READY or RESUMED is observed again.
			isReady = false
		}
	}
}

// shouldSample applies the wall-clock debounce for telemetry sampling.
func (s *Session) shouldSample(now time.Time) bool {
	if now.Sub(s.lastSample) < s.sampleInterval {
		return false
	}
	s.lastSample = now
	return true
}
