package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func seq(n int64) *int64 { return &n }

func TestDeliveryInOrder(t *testing.T) {
	b := New(0, 16, zap.NewNop())
	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(Message{Payload: "a", Sequence: seq(1)})
	b.Publish(Message{Payload: "b", Sequence: seq(2)})
	b.Publish(Message{Payload: "c", Sequence: seq(3)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i, want := range []string{"a", "b", "c"} {
		msg, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("message %d: unexpected error: %v", i, err)
		}
		if msg.Payload != want {
			t.Errorf("message %d: expected %q, got %q", i, want, msg.Payload)
		}
		if msg.Sequence == nil || *msg.Sequence != int64(i+1) {
			t.Errorf("message %d: unexpected sequence %v", i, msg.Sequence)
		}
	}
}

func TestSubscriberOnlySeesMessagesAfterAttach(t *testing.T) {
	b := New(0, 16, zap.NewNop())

	b.Publish(Message{Payload: "before"})
	sub := b.Subscribe()
	defer sub.Close()
	b.Publish(Message{Payload: "after"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Payload != "after" {
		t.Errorf("expected only post-attach message, got %q", msg.Payload)
	}
}

func TestLagIndicatorExactlyOnce(t *testing.T) {
	b := New(0, 2, zap.NewNop())
	sub := b.Subscribe()
	defer sub.Close()

	// Overflow the buffer: "a" and "b" should be dropped.
	for _, p := range []string{"a", "b", "c", "d"} {
		b.Publish(Message{Payload: p})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := sub.Next(ctx)
	var lagged *LaggedError
	if !errors.As(err, &lagged) {
		t.Fatalf("expected LaggedError, got %v", err)
	}
	if lagged.Skipped != 2 {
		t.Errorf("expected 2 skipped messages, got %d", lagged.Skipped)
	}

	// Delivery resumes with the retained messages, no second gap signal.
	for _, want := range []string{"c", "d"} {
		msg, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("expected delivery to resume, got %v", err)
		}
		if msg.Payload != want {
			t.Errorf("expected %q, got %q", want, msg.Payload)
		}
	}
}

func TestProducerNeverBlocks(t *testing.T) {
	b := New(0, 1, zap.NewNop())
	sub := b.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			b.Publish(Message{Payload: "x"})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestSlowSubscriberDoesNotStallOthers(t *testing.T) {
	b := New(0, 4, zap.NewNop())
	slow := b.Subscribe()
	defer slow.Close()
	fast := b.Subscribe()
	defer fast.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 100; i++ {
		b.Publish(Message{Payload: "m"})
		// Only the fast subscriber keeps up.
		if _, err := fast.Next(ctx); err != nil {
			t.Fatalf("fast subscriber errored: %v", err)
		}
	}
}

func TestNextContextCancelled(t *testing.T) {
	b := New(0, 4, zap.NewNop())
	sub := b.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := sub.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestCloseReleasesSubscribers(t *testing.T) {
	b := New(0, 4, zap.NewNop())
	sub := b.Subscribe()

	b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := sub.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if b.Subscribers() != 0 {
		t.Errorf("expected no subscribers after close, got %d", b.Subscribers())
	}
}
