package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/gateway-relay/internal/bus"
	"github.com/dgnsrekt/gateway-relay/internal/protocol"
	"github.com/dgnsrekt/gateway-relay/internal/shard"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	// Send buffer size per client.
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// reconnectFrame tells a lagged subscriber to drop its session and re-attach
// for a fresh snapshot.
var reconnectFrame = []byte(`{"op":7,"d":null}`)

var heartbeatACKFrame = []byte(`{"op":11,"d":null}`)

// client is one attached subscriber connection.
type client struct {
	conn   *websocket.Conn
	sub    *bus.Subscription
	connID string
	logger *zap.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// Attach upgrades the request and streams the shard to the subscriber:
// synthetic READY, then the per-guild replay, then live dispatch frames.
func Attach(ctx context.Context, session *shard.Session, w http.ResponseWriter, r *http.Request, logger *zap.Logger) {
	// Attach to the bus before snapshotting so no frame falls between the
	// bootstrap and the live stream.
	sub := session.Bus().Subscribe()

	frames, ok := session.NewcomerPayloads()
	if !ok {
		sub.Close()
		// No snapshot yet: tell the client to come back rather than hold
		// the connection open in an undefined state.
		http.Error(w, "shard not ready", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn:   conn,
		sub:    sub,
		connID: uuid.New().String(),
		logger: logger,
		send:   make(chan []byte, sendBufferSize),
	}

	logger.Info("subscriber connected",
		zap.Int("shard", session.ID()),
		zap.String("connID", c.connID),
		zap.String("remote_addr", r.RemoteAddr),
	)

	// Bootstrap is written synchronously before the pumps start; it must not
	// compete with the live stream for buffer space.
	for _, frame := range frames {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			logger.Debug("bootstrap write failed",
				zap.String("connID", c.connID),
				zap.Error(err),
			)
			sub.Close()
			conn.Close()
			return
		}
	}

	go c.writePump()
	go c.readPump()
	go c.relayPump(ctx)
}

// relayPump moves bus messages onto the send channel until the subscriber
// lags, the bus closes, or the relay shuts down.
func (c *client) relayPump(ctx context.Context) {
	defer c.close()

	for {
		msg, err := c.sub.Next(ctx)
		if err == nil {
			if !c.trySend([]byte(msg.Payload)) {
				return
			}
			continue
		}

		var lagged *bus.LaggedError
		switch {
		case errors.As(err, &lagged):
			// The subscriber's sequence tracking is broken; hand it a
			// reconnect so it re-attaches for a fresh snapshot.
			c.logger.Info("subscriber lagged, requesting reconnect",
				zap.String("connID", c.connID),
				zap.Uint64("skipped", lagged.Skipped),
			)
			c.trySend(reconnectFrame)
			return
		case errors.Is(err, bus.ErrClosed), ctx.Err() != nil:
			return
		default:
			return
		}
	}
}

// readPump consumes subscriber messages. The only command a subscriber may
// send is a heartbeat, which is acknowledged immediately.
func (c *client) readPump() {
	defer func() {
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error",
					zap.String("connID", c.connID),
					zap.Error(err),
				)
			}
			return
		}

		var env struct {
			Op int `json:"op"`
		}
		if err := json.Unmarshal(message, &env); err != nil {
			continue
		}
		if env.Op == protocol.OpHeartbeat {
			c.trySend(heartbeatACKFrame)
		}
	}
}

// writePump drains the send channel onto the socket and keeps the connection
// alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write error",
					zap.String("connID", c.connID),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// trySend queues a frame without blocking. Returns false when the client is
// closed or its buffer is full (the peer is too slow to bother with).
func (c *client) trySend(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close detaches from the bus and releases the write pump. Idempotent.
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.sub.Close()
	close(c.send)
}
