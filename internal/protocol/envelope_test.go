package protocol

import "testing"

func TestParseEnvelopeDispatch(t *testing.T) {
	raw := []byte(`{"op":0,"s":42,"t":"MESSAGE_CREATE","d":{"id":"123"}}`)

	env, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("expected envelope to parse, got error: %v", err)
	}

	if env.Op != OpDispatch {
		t.Errorf("expected op %d, got %d", OpDispatch, env.Op)
	}
	if env.Sequence == nil || *env.Sequence != 42 {
		t.Errorf("expected sequence 42, got %v", env.Sequence)
	}
	name, ok := env.EventType()
	if !ok || name != "MESSAGE_CREATE" {
		t.Errorf("expected event type MESSAGE_CREATE, got %q (present=%v)", name, ok)
	}
	if env.IsLifecycle() {
		t.Error("MESSAGE_CREATE should not be a lifecycle event")
	}
}

func TestParseEnvelopeControlFrame(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"op":10,"d":{"heartbeat_interval":41250}}`))
	if err != nil {
		t.Fatalf("expected hello frame to parse, got error: %v", err)
	}

	if env.Op != OpHello {
		t.Errorf("expected op %d, got %d", OpHello, env.Op)
	}
	if env.Sequence != nil {
		t.Errorf("expected no sequence on control frame, got %d", *env.Sequence)
	}
	if _, ok := env.EventType(); ok {
		t.Error("expected no event type on control frame")
	}
}

func TestParseEnvelopeLifecycle(t *testing.T) {
	for _, name := range []string{EventReady, EventResumed} {
		env, err := ParseEnvelope([]byte(`{"op":0,"s":1,"t":"` + name + `","d":{}}`))
		if err != nil {
			t.Fatalf("expected %s frame to parse, got error: %v", name, err)
		}
		if !env.IsLifecycle() {
			t.Errorf("expected %s to be a lifecycle event", name)
		}
	}
}

func TestParseEnvelopeMalformed(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`{"op":`)); err == nil {
		t.Fatal("expected error for truncated frame")
	}
	if _, err := ParseEnvelope([]byte(`not json at all`)); err == nil {
		t.Fatal("expected error for non-JSON frame")
	}
}

func TestPayloadEncode(t *testing.T) {
	p := Payload{
		D:  map[string]any{"v": 10},
		Op: OpDispatch,
		T:  EventReady,
		S:  1,
	}

	raw, err := p.Encode()
	if err != nil {
		t.Fatalf("expected payload to encode, got error: %v", err)
	}

	env, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("encoded payload did not round-trip: %v", err)
	}
	if env.Op != OpDispatch || env.Sequence == nil || *env.Sequence != 1 {
		t.Errorf("unexpected envelope fields: op=%d s=%v", env.Op, env.Sequence)
	}
}
