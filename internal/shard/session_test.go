package shard

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/gateway-relay/internal/bus"
	"github.com/dgnsrekt/gateway-relay/internal/cache"
	"github.com/dgnsrekt/gateway-relay/internal/protocol"
	"github.com/dgnsrekt/gateway-relay/internal/transport"
)

const externalURL = "wss://relay.example.com"

// step is one scripted NextFrame result.
type step struct {
	frame transport.Frame
	err   error
}

type fakeTransport struct {
	steps []step
	idx   int
}

func text(payload string) step {
	return step{frame: transport.Frame{Kind: transport.FrameText, Data: []byte(payload)}}
}

func (f *fakeTransport) NextFrame(ctx context.Context) (transport.Frame, error) {
	if err := ctx.Err(); err != nil {
		return transport.Frame{}, err
	}
	if f.idx >= len(f.steps) {
		return transport.Frame{}, transport.ErrStreamEnded
	}
	s := f.steps[f.idx]
	f.idx++
	return s.frame, s.err
}

func (f *fakeTransport) Status() transport.Status {
	return transport.StatusActive
}

func (f *fakeTransport) RecentLatencies() []time.Duration {
	return nil
}

// recordingCache notes every applied event on top of the no-op behavior.
type recordingCache struct {
	cache.Noop
	applied []string
}

func (r *recordingCache) Apply(eventType string, data json.RawMessage) {
	r.applied = append(r.applied, eventType)
}

func newTestSession(steps []step) (*Session, *recordingCache) {
	rc := &recordingCache{}
	b := bus.New(0, 16, zap.NewNop())
	s := NewSession(0, &fakeTransport{steps: steps}, rc, b, externalURL, DefaultSampleInterval, zap.NewNop())
	return s, rc
}

func drain(t *testing.T, sub *bus.Subscription) []bus.Message {
	t.Helper()
	var out []bus.Message
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		msg, err := sub.Next(ctx)
		cancel()
		if err != nil {
			return out
		}
		out = append(out, msg)
	}
}

const readyFrame = `{"op":0,"s":1,"t":"READY","d":{"guilds":[{"id":1},{"id":2}],"resume_gateway_url":"wss://upstream","session_id":"abc"}}`

func TestReadyPublishesSnapshotWithoutRelaying(t *testing.T) {
	s, _ := newTestSession([]step{
		text(`{"op":10,"d":{"heartbeat_interval":41250}}`),
		text(readyFrame),
	})
	sub := s.Bus().Subscribe()
	defer sub.Close()

	s.Run(context.Background())

	body, ok := s.ReadySnapshot()
	if !ok {
		t.Fatal("expected ready snapshot to be published")
	}
	guilds, ok := body["guilds"].([]any)
	if !ok || len(guilds) != 0 {
		t.Errorf("expected guilds emptied, got %v", body["guilds"])
	}
	if body["resume_gateway_url"] != externalURL {
		t.Errorf("expected resume URL rewritten to %q, got %v", externalURL, body["resume_gateway_url"])
	}
	if body["session_id"] != "abc" {
		t.Errorf("expected untouched fields preserved, got %v", body["session_id"])
	}

	// READY itself is never relayed as ordinary dispatch.
	if msgs := drain(t, sub); len(msgs) != 0 {
		t.Errorf("expected no relayed frames, got %d", len(msgs))
	}
}

func TestDispatchRelayedInOrderWhileReady(t *testing.T) {
	first := `{"op":0,"s":2,"t":"MESSAGE_CREATE","d":{"content":"hi"}}`
	second := `{"op":0,"s":3,"t":"MESSAGE_CREATE","d":{"content":"there"}}`
	s, _ := newTestSession([]step{
		text(readyFrame),
		text(first),
		text(second),
	})
	sub := s.Bus().Subscribe()
	defer sub.Close()

	s.Run(context.Background())

	msgs := drain(t, sub)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 relayed frames, got %d", len(msgs))
	}
	if msgs[0].Payload != first || msgs[1].Payload != second {
		t.Error("relayed payloads out of order or modified")
	}
	if msgs[0].Sequence == nil || *msgs[0].Sequence != 2 {
		t.Errorf("expected sequence 2, got %v", msgs[0].Sequence)
	}
	if msgs[1].Sequence == nil || *msgs[1].Sequence != 3 {
		t.Errorf("expected sequence 3, got %v", msgs[1].Sequence)
	}
}

func TestNoRelayBeforeReady(t *testing.T) {
	s, rc := newTestSession([]step{
		text(`{"op":0,"s":1,"t":"GUILD_CREATE","d":{"id":"1"}}`),
	})
	sub := s.Bus().Subscribe()
	defer sub.Close()

	s.Run(context.Background())

	if msgs := drain(t, sub); len(msgs) != 0 {
		t.Errorf("expected no relay before READY, got %d frames", len(msgs))
	}
	// State tracking continues while relay is suspended.
	if len(rc.applied) != 1 || rc.applied[0] != "GUILD_CREATE" {
		t.Errorf("expected cache apply despite suspended relay, got %v", rc.applied)
	}
}

func TestResumableInvalidationSuspendsRelayKeepsSnapshot(t *testing.T) {
	suspended := `{"op":0,"s":2,"t":"MESSAGE_CREATE","d":{}}`
	relayed := `{"op":0,"s":3,"t":"MESSAGE_CREATE","d":{}}`
	s, rc := newTestSession([]step{
		text(readyFrame),
		text(`{"op":9,"d":true}`),
		text(suspended),
		text(`{"op":0,"s":2,"t":"RESUMED","d":null}`),
		text(relayed),
	})
	sub := s.Bus().Subscribe()
	defer sub.Close()

	s.Run(context.Background())

	if _, ok := s.ReadySnapshot(); !ok {
		t.Error("resumable invalidation must not clear the snapshot")
	}

	msgs := drain(t, sub)
	if len(msgs) != 1 || msgs[0].Payload != relayed {
		t.Fatalf("expected only the post-RESUMED frame relayed, got %v", msgs)
	}

	// The suspended frame still reached the cache.
	found := 0
	for _, name := range rc.applied {
		if name == "MESSAGE_CREATE" {
			found++
		}
	}
	if found != 2 {
		t.Errorf("expected both dispatch frames applied to cache, got %d", found)
	}
}

func TestNonResumableInvalidationClearsSnapshot(t *testing.T) {
	s, _ := newTestSession([]step{
		text(readyFrame),
		text(`{"op":9,"d":false}`),
		text(`{"op":0,"s":2,"t":"MESSAGE_CREATE","d":{}}`),
	})
	sub := s.Bus().Subscribe()
	defer sub.Close()

	s.Run(context.Background())

	if _, ok := s.ReadySnapshot(); ok {
		t.Error("non-resumable invalidation must clear the snapshot")
	}
	if msgs := drain(t, sub); len(msgs) != 0 {
		t.Errorf("expected relay suspended after invalidation, got %d frames", len(msgs))
	}
}

func TestReadyAfterInvalidationRepublishes(t *testing.T) {
	s, _ := newTestSession([]step{
		text(readyFrame),
		text(`{"op":9,"d":false}`),
		text(`{"op":0,"s":1,"t":"READY","d":{"guilds":[],"resume_gateway_url":"wss://upstream","session_id":"def"}}`),
	})

	s.Run(context.Background())

	body, ok := s.ReadySnapshot()
	if !ok {
		t.Fatal("expected fresh snapshot after new READY")
	}
	if body["session_id"] != "def" {
		t.Errorf("expected snapshot from second session, got %v", body["session_id"])
	}
}

func TestMalformedFrameDoesNotStopLoop(t *testing.T) {
	relayed := `{"op":0,"s":2,"t":"MESSAGE_CREATE","d":{}}`
	s, _ := newTestSession([]step{
		text(readyFrame),
		text(`{"op":`),
		text(relayed),
	})
	sub := s.Bus().Subscribe()
	defer sub.Close()

	s.Run(context.Background())

	msgs := drain(t, sub)
	if len(msgs) != 1 || msgs[0].Payload != relayed {
		t.Fatalf("expected loop to survive malformed frame, got %v", msgs)
	}
}

func TestTransientReadErrorContinues(t *testing.T) {
	relayed := `{"op":0,"s":2,"t":"MESSAGE_CREATE","d":{}}`
	s, _ := newTestSession([]step{
		text(readyFrame),
		{err: errors.New("read: connection reset")},
		text(relayed),
	})
	sub := s.Bus().Subscribe()
	defer sub.Close()

	s.Run(context.Background())

	if msgs := drain(t, sub); len(msgs) != 1 {
		t.Fatalf("expected loop to survive a transient read error, got %d frames", len(msgs))
	}
}

func TestCloseFrameOutsideShutdownContinues(t *testing.T) {
	relayed := `{"op":0,"s":2,"t":"MESSAGE_CREATE","d":{}}`
	s, _ := newTestSession([]step{
		text(readyFrame),
		{frame: transport.Frame{Kind: transport.FrameClose, CloseCode: 1001}},
		text(relayed),
	})
	sub := s.Bus().Subscribe()
	defer sub.Close()

	s.Run(context.Background())

	if msgs := drain(t, sub); len(msgs) != 1 {
		t.Fatalf("expected loop to continue past close frame, got %d frames", len(msgs))
	}
}

func TestNewcomerPayloadsSequenceStrictlyIncreasing(t *testing.T) {
	s, _ := newTestSession([]step{text(readyFrame)})
	s.Run(context.Background())

	frames, ok := s.NewcomerPayloads()
	if !ok || len(frames) == 0 {
		t.Fatal("expected newcomer payloads after READY")
	}

	env, err := protocol.ParseEnvelope(frames[0])
	if err != nil {
		t.Fatalf("first bootstrap frame did not parse: %v", err)
	}
	if name, _ := env.EventType(); name != protocol.EventReady {
		t.Errorf("expected first frame to be READY, got %q", name)
	}
	firstSeq := *env.Sequence

	// A second subscriber keeps consuming fresh, higher numbers.
	again, ok := s.NewcomerPayloads()
	if !ok {
		t.Fatal("expected payloads to regenerate per subscriber")
	}
	env2, err := protocol.ParseEnvelope(again[0])
	if err != nil {
		t.Fatalf("second bootstrap frame did not parse: %v", err)
	}
	if *env2.Sequence <= firstSeq {
		t.Errorf("expected strictly increasing sequence, got %d then %d", firstSeq, *env2.Sequence)
	}
}

func TestNewcomerPayloadsAbsentBeforeReady(t *testing.T) {
	s, _ := newTestSession(nil)
	if _, ok := s.NewcomerPayloads(); ok {
		t.Error("expected no newcomer payloads before READY")
	}
}

func TestSampleDebounce(t *testing.T) {
	s, _ := newTestSession(nil)

	base := time.Now()
	s.lastSample = base

	samples := 0
	// 1000 frames over one simulated second.
	for i := 0; i < 1000; i++ {
		now := base.Add(time.Duration(i) * time.Millisecond)
		if s.shouldSample(now) {
			samples++
		}
	}
	if samples > 2 {
		t.Errorf("expected at most 2 samples in one second at 500ms debounce, got %d", samples)
	}
}

func TestSnapshotCopyIsIsolated(t *testing.T) {
	s, _ := newTestSession([]step{text(readyFrame)})
	s.Run(context.Background())

	body, _ := s.ReadySnapshot()
	body["guilds"] = []any{"mutated"}
	body["resume_gateway_url"] = "wss://evil"

	fresh, _ := s.ReadySnapshot()
	if fresh["resume_gateway_url"] != externalURL {
		t.Error("snapshot copies must not share state with readers")
	}
	if guilds := fresh["guilds"].([]any); len(guilds) != 0 {
		t.Error("snapshot guilds mutated through a reader copy")
	}
}
