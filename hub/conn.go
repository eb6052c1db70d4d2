package hub

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/tabhub/errors"
	"github.com/teranos/tabhub/protocol"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Time allowed to drain the outbound queue on graceful close
	drainWait = 5 * time.Second

	// Outbound queue depth per connection
	sendQueueSize = 64

	// Watchdog cadence and the staleness threshold for forced termination
	watchdogInterval = 60 * time.Second
	deadAfter        = 120 * time.Second
)

// Role classifies a connection after registration.
type Role string

const (
	RoleUnassigned Role = "unassigned"
	RoleAutomator  Role = "automator"
	RoleRequester  Role = "requester"
)

// Conn is one websocket endpoint owned by the hub: a reader goroutine, a
// single writer goroutine fed by an outbound queue, and liveness state.
type Conn struct {
	id         uint64
	hub        *Hub
	ws         *websocket.Conn
	remoteAddr string

	send     chan []byte
	sendMu   sync.RWMutex
	sendDone bool

	mu         sync.RWMutex
	role       Role
	clientID   string
	clientName string

	lastActivity atomic.Int64 // ms since epoch
	live         atomic.Bool
	msgCount     atomic.Uint64
	closing      atomic.Bool
}

func newConn(id uint64, hub *Hub, ws *websocket.Conn) *Conn {
	c := &Conn{
		id:         id,
		hub:        hub,
		ws:         ws,
		remoteAddr: ws.RemoteAddr().String(),
		send:       make(chan []byte, sendQueueSize),
		role:       RoleUnassigned,
	}
	c.touch()
	return c
}

// touch records inbound activity: any frame or pong marks the peer live.
func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixMilli())
	c.live.Store(true)
}

// Role returns the connection's current role.
func (c *Conn) Role() Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Conn) setIdentity(role Role, clientID, clientName string) {
	c.mu.Lock()
	c.role = role
	c.clientID = clientID
	c.clientName = clientName
	c.mu.Unlock()
}

// ClientID returns the registered client id, if any.
func (c *Conn) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

func (c *Conn) clientNameLocked() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientName
}

// readPump handles reading messages from the websocket connection
func (c *Conn) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
			// Event loop already stopped; Stop() owns the teardown.
		}
		c.ws.Close()
	}()

	c.ws.SetReadLimit(int64(c.hub.cfg.MaxMessageBytes))
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()
		return nil
	})

	c.hub.logger.Debugw("Read pump started", "conn_id", c.id, "remote_addr", c.remoteAddr)

	for {
		_, messageBytes, err := c.ws.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()
		c.msgCount.Add(1)

		frame, err := protocol.Decode(messageBytes)
		if err != nil {
			if errors.Is(err, protocol.ErrControlText) {
				// Bare "ping"/"pong" text frames from naive peers: ignore.
				continue
			}
			c.hub.logger.Warnw("Malformed frame",
				"conn_id", c.id,
				"error", err.Error(),
				"size_bytes", len(messageBytes),
			)
			c.sendJSON(protocol.NewErrorFrame("", protocol.CodeUnknownMessageType, "frame is not a JSON object with a string type"))
			continue
		}

		c.hub.route(c, frame)
	}
}

// handleReadError logs websocket read errors. Close frames are logged at info
// level; expected closure codes (going away, abnormal, no status) get no warning.
func (c *Conn) handleReadError(err error) {
	if closeErr, ok := err.(*websocket.CloseError); ok {
		c.hub.logger.Infow("WebSocket closed",
			"conn_id", c.id,
			"code", closeErr.Code,
			"text", closeErr.Text,
		)
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	) {
		c.hub.logger.Warnw("WebSocket read error",
			"conn_id", c.id,
			"client_id", c.ClientID(),
			"error", err.Error(),
		)
	}
}

// writePump serializes all writes to the websocket connection
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.cfg.KeepaliveInterval())
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.hub.ctx.Done():
			c.hub.logger.Debugw("Write pump stopping due to hub shutdown", "conn_id", c.id)
			return

		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.logger.Warnw("Frame write error",
					"conn_id", c.id,
					"client_id", c.ClientID(),
					"error", err.Error(),
				)
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue queues serialized bytes for the writer goroutine.
// Returns false if the connection is closing or its queue is full.
func (c *Conn) enqueue(data []byte) bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()

	if c.sendDone {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// sendJSON marshals and queues a message. Drops with a warning if the
// connection cannot keep up.
func (c *Conn) sendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.hub.logger.Errorw("Failed to marshal outbound message",
			"conn_id", c.id,
			"error", err.Error(),
		)
		return
	}
	if !c.enqueue(data) {
		c.hub.logger.Warnw("Send queue full, dropping message",
			"conn_id", c.id,
			"client_id", c.ClientID(),
		)
	}
}

// sendFrame encodes and queues a forwarded frame, unknown fields intact.
func (c *Conn) sendFrame(f *protocol.Frame) bool {
	data, err := f.Encode()
	if err != nil {
		c.hub.logger.Errorw("Failed to encode forwarded frame",
			"conn_id", c.id,
			"frame_type", f.Type,
			"error", err.Error(),
		)
		return false
	}
	if !c.enqueue(data) {
		c.hub.logger.Warnw("Send queue full, dropping forwarded frame",
			"conn_id", c.id,
			"client_id", c.ClientID(),
			"frame_type", f.Type,
		)
		return false
	}
	return true
}

// closeSend closes the outbound queue exactly once. The writer goroutine
// drains remaining messages, writes a close frame, and exits.
func (c *Conn) closeSend() {
	c.sendMu.Lock()
	if !c.sendDone {
		c.sendDone = true
		close(c.send)
	}
	c.sendMu.Unlock()
}

// closeGracefully queues a shutdown notice, lets the writer drain with a
// deadline, then force-closes the socket.
func (c *Conn) closeGracefully(reason string) {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}

	c.sendJSON(protocol.HubShutdown{
		Type:      protocol.TypeHubShutdown,
		Timestamp: protocol.NowMillis(),
		Reason:    reason,
	})
	c.closeSend()

	ws := c.ws
	time.AfterFunc(drainWait, func() {
		ws.Close()
	})
}

// terminate force-closes the socket without draining. Used by the watchdog.
func (c *Conn) terminate() {
	c.closing.Store(true)
	c.closeSend()
	c.ws.Close()
}

// stale reports whether the watchdog should terminate this connection.
func (c *Conn) stale(now time.Time) bool {
	last := time.UnixMilli(c.lastActivity.Load())
	return !c.live.Load() && now.Sub(last) > deadAfter
}
