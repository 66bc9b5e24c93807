package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// Maximum upstream payload size after decompression.
	maxPayloadSize = 8 * 1024 * 1024

	// The gateway allows 120 commands per 60 seconds per connection.
	sendRatePeriod = 60 * time.Second / 120
	sendRateBurst  = 120

	// Buffered frames between the socket reader and the consumer.
	frameBufferSize = 256

	// Heartbeat round-trips retained for latency sampling.
	latencySamples = 5

	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 64 * time.Second
)

// errReconnect cycles the socket without counting as a failure.
var errReconnect = errors.New("gateway requested reconnect")

// fatalCloseCodes are close codes after which reconnecting cannot succeed
// (bad token, invalid shard, invalid intents).
var fatalCloseCodes = map[int]bool{
	4004: true, 4010: true, 4011: true, 4012: true, 4013: true, 4014: true,
}

// GatewayConfig carries everything needed to hold one upstream shard session.
type GatewayConfig struct {
	URL        string
	Token      string
	Intents    int64
	ShardID    int
	ShardCount int
}

// Gateway is the real upstream transport: a gorilla/websocket connection with
// identify/resume handshakes, heartbeating, per-payload zlib decompression and
// backoff reconnects. Run must be started before NextFrame is called.
type Gateway struct {
	cfg     GatewayConfig
	logger  *zap.Logger
	limiter *rate.Limiter

	frames chan frameOrError
	status atomic.Int32

	// Session state surviving reconnects, guarded by mu.
	mu        sync.Mutex
	sessionID string
	resumeURL string
	lastSeq   int64

	latMu     sync.Mutex
	latencies []time.Duration
}

type frameOrError struct {
	frame Frame
	err   error
}

// gatewayEnvelope is the transport's own light parse of each frame; it never
// touches the event body.
type gatewayEnvelope struct {
	Op int     `json:"op"`
	S  *int64  `json:"s"`
	T  *string `json:"t"`
}

// NewGateway creates an upstream transport for one shard.
func NewGateway(cfg GatewayConfig, logger *zap.Logger) *Gateway {
	g := &Gateway{
		cfg:     cfg,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(sendRatePeriod), sendRateBurst),
		frames:  make(chan frameOrError, frameBufferSize),
	}
	g.status.Store(int32(StatusDisconnected))
	return g
}

// Run holds the connection for the process lifetime, reconnecting with
// exponential backoff. Call in a goroutine; it returns when ctx is cancelled
// or the session is fatally closed.
func (g *Gateway) Run(ctx context.Context) {
	defer close(g.frames)

	delay := reconnectBaseDelay

	for {
		if ctx.Err() != nil {
			return
		}

		err := g.session(ctx)
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, errReconnect) {
			g.setStatus(StatusDisconnected)
			delay = reconnectBaseDelay
			continue
		}

		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && fatalCloseCodes[closeErr.Code] {
			g.setStatus(StatusFatallyClosed)
			g.logger.Error("gateway fatally closed",
				zap.Int("shard", g.cfg.ShardID),
				zap.Int("code", closeErr.Code),
				zap.String("reason", closeErr.Text),
			)
			return
		}

		g.setStatus(StatusDisconnected)
		g.logger.Warn("gateway connection lost",
			zap.Int("shard", g.cfg.ShardID),
			zap.Duration("retryIn", delay),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

// NextFrame implements Transport.
func (g *Gateway) NextFrame(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case msg, ok := <-g.frames:
		if !ok {
			return Frame{}, ErrStreamEnded
		}
		return msg.frame, msg.err
	}
}

// Status implements Transport.
func (g *Gateway) Status() Status {
	return Status(g.status.Load())
}

// RecentLatencies implements Transport.
func (g *Gateway) RecentLatencies() []time.Duration {
	g.latMu.Lock()
	defer g.latMu.Unlock()
	out := make([]time.Duration, len(g.latencies))
	copy(out, g.latencies)
	return out
}

func (g *Gateway) setStatus(s Status) {
	g.status.Store(int32(s))
}

// session runs one socket lifetime: dial, handshake, pump frames.
func (g *Gateway) session(ctx context.Context) error {
	g.mu.Lock()
	resuming := g.sessionID != ""
	dialURL := g.cfg.URL
	if resuming && g.resumeURL != "" {
		dialURL = g.resumeURL
	}
	g.mu.Unlock()

	if resuming {
		g.setStatus(StatusResuming)
	} else {
		g.setStatus(StatusIdentifying)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL+"?v=10&encoding=json", nil)
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}
	defer conn.Close()

	conn.SetReadLimit(maxPayloadSize)

	// Hello must be the first frame.
	payload, err := g.readPayload(conn)
	if err != nil {
		return fmt.Errorf("reading hello: %w", err)
	}
	var hello struct {
		D struct {
			HeartbeatInterval int64 `json:"heartbeat_interval"`
		} `json:"d"`
	}
	if err := json.Unmarshal(payload, &hello); err != nil || hello.D.HeartbeatInterval <= 0 {
		return fmt.Errorf("malformed hello frame: %w", err)
	}
	interval := time.Duration(hello.D.HeartbeatInterval) * time.Millisecond
	g.forward(ctx, Frame{Kind: FrameText, Data: payload})

	writeMu := &sync.Mutex{}
	if resuming {
		err = g.sendResume(ctx, conn, writeMu)
	} else {
		err = g.sendIdentify(ctx, conn, writeMu)
	}
	if err != nil {
		return err
	}

	hb := newHeartbeater(g, conn, writeMu, interval)
	defer hb.stop()
	go hb.run(ctx)

	for {
		payload, err := g.readPayload(conn)
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				g.forward(ctx, Frame{Kind: FrameClose, CloseCode: closeErr.Code})
			} else {
				// Transient read fault: surface to the consumer, then
				// cycle the socket.
				g.forward(ctx, Frame{}, fmt.Errorf("reading gateway frame: %w", err))
			}
			return err
		}

		var env gatewayEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			g.forward(ctx, Frame{}, fmt.Errorf("parsing gateway frame: %w", err))
			continue
		}
		if env.S != nil {
			g.mu.Lock()
			g.lastSeq = *env.S
			g.mu.Unlock()
		}

		switch env.Op {
		case 1:
			// The gateway may demand an immediate heartbeat.
			hb.beat(ctx)
		case 11:
			hb.acknowledge()
			g.recordLatency(hb.lastRoundTrip())
		case 7:
			g.forward(ctx, Frame{Kind: FrameText, Data: payload})
			return errReconnect
		case 9:
			var resumable struct {
				D bool `json:"d"`
			}
			_ = json.Unmarshal(payload, &resumable)
			if !resumable.D {
				g.mu.Lock()
				g.sessionID = ""
				g.resumeURL = ""
				g.lastSeq = 0
				g.mu.Unlock()
			}
			g.forward(ctx, Frame{Kind: FrameText, Data: payload})
			return errReconnect
		case 0:
			if env.T != nil {
				switch *env.T {
				case "READY":
					g.captureSession(payload)
					g.setStatus(StatusActive)
				case "RESUMED":
					g.setStatus(StatusActive)
				}
			}
		}

		g.forward(ctx, Frame{Kind: FrameText, Data: payload})
	}
}

// readPayload reads one message, transparently inflating zlib-compressed
// binary payloads.
func (g *Gateway) readPayload(conn *websocket.Conn) ([]byte, error) {
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.BinaryMessage {
		return data, nil
	}

	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening zlib payload: %w", err)
	}
	defer zr.Close()

	inflated, err := io.ReadAll(io.LimitReader(zr, maxPayloadSize))
	if err != nil {
		return nil, fmt.Errorf("inflating payload: %w", err)
	}
	return inflated, nil
}

// captureSession pulls the resume coordinates out of a READY frame.
func (g *Gateway) captureSession(payload []byte) {
	var ready struct {
		D struct {
			SessionID        string `json:"session_id"`
			ResumeGatewayURL string `json:"resume_gateway_url"`
		} `json:"d"`
	}
	if err := json.Unmarshal(payload, &ready); err != nil {
		return
	}

	g.mu.Lock()
	g.sessionID = ready.D.SessionID
	g.resumeURL = ready.D.ResumeGatewayURL
	g.mu.Unlock()
}

func (g *Gateway) forward(ctx context.Context, frame Frame, errs ...error) {
	msg := frameOrError{frame: frame}
	if len(errs) > 0 {
		msg.err = errs[0]
	}
	select {
	case g.frames <- msg:
	case <-ctx.Done():
	}
}

func (g *Gateway) recordLatency(d time.Duration) {
	if d <= 0 {
		return
	}
	g.latMu.Lock()
	defer g.latMu.Unlock()
	g.latencies = append([]time.Duration{d}, g.latencies...)
	if len(g.latencies) > latencySamples {
		g.latencies = g.latencies[:latencySamples]
	}
}

func (g *Gateway) send(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex, v any) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding gateway command: %w", err)
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (g *Gateway) sendIdentify(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex) error {
	identify := map[string]any{
		"op": 2,
		"d": map[string]any{
			"token":    g.cfg.Token,
			"intents":  g.cfg.Intents,
			"compress": true,
			"shard":    []int{g.cfg.ShardID, g.cfg.ShardCount},
			"properties": map[string]string{
				"os":      "linux",
				"browser": "gateway-relay",
				"device":  "gateway-relay",
			},
		},
	}
	if err := g.send(ctx, conn, writeMu, identify); err != nil {
		return fmt.Errorf("sending identify: %w", err)
	}
	return nil
}

func (g *Gateway) sendResume(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex) error {
	g.mu.Lock()
	resume := map[string]any{
		"op": 6,
		"d": map[string]any{
			"token":      g.cfg.Token,
			"session_id": g.sessionID,
			"seq":        g.lastSeq,
		},
	}
	g.mu.Unlock()

	if err := g.send(ctx, conn, writeMu, resume); err != nil {
		return fmt.Errorf("sending resume: %w", err)
	}
	return nil
}

// heartbeater owns the periodic heartbeat for one socket lifetime.
type heartbeater struct {
	g        *Gateway
	conn     *websocket.Conn
	writeMu  *sync.Mutex
	interval time.Duration
	done     chan struct{}
	once     sync.Once

	mu     sync.Mutex
	sentAt time.Time
	ackAt  time.Time
	acked  bool
}

func newHeartbeater(g *Gateway, conn *websocket.Conn, writeMu *sync.Mutex, interval time.Duration) *heartbeater {
	return &heartbeater{
		g:        g,
		conn:     conn,
		writeMu:  writeMu,
		interval: interval,
		done:     make(chan struct{}),
		acked:    true,
	}
}

func (h *heartbeater) run(ctx context.Context) {
	// First beat is jittered across the interval so a fleet of shards does
	// not thunder in lockstep.
	first := time.Duration(rand.Int63n(int64(h.interval)))
	select {
	case <-ctx.Done():
		return
	case <-h.done:
		return
	case <-time.After(first):
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		h.beat(ctx)

		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
		}
	}
}

func (h *heartbeater) beat(ctx context.Context) {
	h.mu.Lock()
	if !h.acked {
		h.mu.Unlock()
		// Zombied connection: the previous beat was never acknowledged.
		// Force the socket closed; the session loop will resume.
		h.conn.Close()
		return
	}
	h.acked = false
	h.sentAt = time.Now()
	h.mu.Unlock()

	h.g.mu.Lock()
	seq := h.g.lastSeq
	h.g.mu.Unlock()

	if err := h.g.send(ctx, h.conn, h.writeMu, map[string]any{"op": 1, "d": seq}); err != nil {
		h.g.logger.Debug("heartbeat send failed",
			zap.Int("shard", h.g.cfg.ShardID),
			zap.Error(err),
		)
	}
}

func (h *heartbeater) acknowledge() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.acked = true
	h.ackAt = time.Now()
}

func (h *heartbeater) lastRoundTrip() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sentAt.IsZero() || h.ackAt.Before(h.sentAt) {
		return 0
	}
	return h.ackAt.Sub(h.sentAt)
}

func (h *heartbeater) stop() {
	h.once.Do(func() { close(h.done) })
}
