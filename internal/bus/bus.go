package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrClosed is returned by Next after the bus has shut down.
var ErrClosed = errors.New("bus closed")

// LaggedError tells a slow subscriber how many messages were dropped on its
// behalf. It is returned exactly once before normal delivery resumes; the
// subscriber should treat its sequence tracking as broken and resync.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged, %d messages dropped", e.Skipped)
}

// Message is one relayed dispatch frame: the exact raw payload text and the
// upstream sequence number, when the frame carried one.
type Message struct {
	Payload  string
	Sequence *int64
}

// Bus is a single-producer, multi-consumer lossy broadcast for one shard.
// The producer never blocks: a subscriber whose buffer is full loses its
// oldest unread message and is handed a LaggedError on its next read.
type Bus struct {
	shardID int
	buffer  int
	logger  *zap.Logger

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Subscription is one reader's view of the bus. New subscriptions only see
// messages published after Subscribe returns.
type Subscription struct {
	bus *Bus

	mu      sync.Mutex
	queue   []Message
	skipped uint64
	closed  bool
	notify  chan struct{}
}

// New creates a bus for the given shard. buffer is the per-subscriber
// retained message count; must be at least 1.
func New(shardID, buffer int, logger *zap.Logger) *Bus {
	if buffer < 1 {
		buffer = 1
	}
	return &Bus{
		shardID: shardID,
		buffer:  buffer,
		logger:  logger,
		subs:    make(map[*Subscription]struct{}),
	}
}

// Publish delivers msg to every current subscriber without blocking.
func (b *Bus) Publish(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for sub := range b.subs {
		sub.push(msg, b.buffer)
	}
}

// Subscribe attaches a new reader to the bus.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		bus:    b,
		notify: make(chan struct{}, 1),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.closed = true
		return sub
	}
	b.subs[sub] = struct{}{}

	b.logger.Debug("subscriber attached",
		zap.Int("shard", b.shardID),
		zap.Int("subscribers", len(b.subs)),
	)
	return sub
}

// Close shuts the bus down and releases all subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.close()
		delete(b.subs, sub)
	}
}

// Subscribers returns the current reader count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

func (s *Subscription) push(msg Message, buffer int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= buffer {
		// Drop the oldest unread message rather than block the producer.
		s.queue = s.queue[1:]
		s.skipped++
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a message is available, the subscription observes a gap,
// the context is cancelled, or the bus closes. After a gap it returns a
// *LaggedError once; the dropped messages are gone.
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		if s.skipped > 0 {
			n := s.skipped
			s.skipped = 0
			s.mu.Unlock()
			return Message{}, &LaggedError{Skipped: n}
		}
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return msg, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Message{}, ErrClosed
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.close()
}

func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}
