package autohub

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/tabhub/errors"
	"github.com/teranos/tabhub/protocol"
)

// readLoop consumes frames from the hub and survives connection drops by
// running the reconnect ladder. It exits only on clean shutdown, permanent
// reconnect failure, or client close.
func (c *Client) readLoop() {
	for {
		ws := c.conn()
		if ws == nil {
			return
		}

		_, data, err := ws.ReadMessage()
		if err != nil {
			if c.closed.Load() || c.ctx.Err() != nil {
				return
			}
			if !c.handleDisconnect(err) {
				return
			}
			continue
		}

		c.touch()

		frame, err := protocol.Decode(data)
		if err != nil {
			if !errors.Is(err, protocol.ErrControlText) {
				c.logger.Warnw("Malformed frame from hub", "error", err.Error())
			}
			continue
		}
		c.dispatch(frame)
	}
}

// handleDisconnect invalidates all in-flight requests and, unless the close
// was clean, runs the reconnect ladder. Pending requests are never replayed:
// callers see RECONNECTED and decide about retrying at their own layer.
// Returns true once reconnected.
func (c *Client) handleDisconnect(cause error) bool {
	rejected := c.pending.rejectAll(protocol.CodeReconnected, "connection lost before response")

	clean := websocket.IsCloseError(cause, websocket.CloseNormalClosure)
	c.logger.Warnw("Hub connection lost",
		"error", cause.Error(),
		"clean", clean,
		"pending_rejected", rejected,
	)

	if clean {
		c.emitEvent(Event{Kind: EventDisconnected, Err: cause})
		return false
	}

	return c.reconnectLoop(cause)
}

// reconnectLoop dials the hub with exponential backoff and jitter, then
// re-registers. Attempt counting honors MaxReconnects: negative means
// unbounded, zero means a single disconnect is already permanent.
func (c *Client) reconnectLoop(cause error) bool {
	url := fmt.Sprintf("ws://127.0.0.1:%d/", c.hubPort())

	for attempts := 0; ; attempts++ {
		if c.closed.Load() {
			return false
		}
		if c.cfg.MaxReconnects >= 0 && attempts >= c.cfg.MaxReconnects {
			c.logger.Errorw("Reconnect attempts exhausted",
				"attempts", attempts,
				"max_attempts", c.cfg.MaxReconnects,
			)
			c.emitEvent(Event{Kind: EventDisconnected, Err: errors.Wrap(cause, "reconnect attempts exhausted")})
			return false
		}

		delay := backoffDelay(c.cfg.ReconnectBase, c.cfg.ReconnectMax, attempts)
		c.logger.Infow("Scheduling reconnect",
			"attempt", attempts+1,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return false
		}

		ws, err := c.dialHub(c.ctx, url, c.cfg.DialTimeout)
		if err != nil {
			c.logger.Debugw("Reconnect dial failed",
				"attempt", attempts+1,
				"error", err.Error(),
			)
			continue
		}

		c.installConn(ws)
		if err := c.registerAndConfirm(c.ctx); err != nil {
			c.logger.Warnw("Re-registration failed",
				"attempt", attempts+1,
				"error", err.Error(),
			)
			ws.Close()
			continue
		}

		c.logger.Infow("Reconnected to hub", "attempts_used", attempts+1)
		c.emitEvent(Event{Kind: EventReconnected})
		return true
	}
}

func (c *Client) hubPort() int {
	if c.embedded != nil {
		return c.embedded.Port()
	}
	return c.cfg.Port
}

// backoffDelay computes min(max, base * 1.5^attempts) plus up to one second
// of uniform jitter.
func backoffDelay(base, max time.Duration, attempts int) time.Duration {
	d := float64(base) * math.Pow(1.5, float64(attempts))
	if d > float64(max) {
		d = float64(max)
	}
	return time.Duration(d) + time.Duration(rand.Int63n(int64(time.Second)))
}

// healthLoop periodically verifies the socket and inbound activity. A hub
// that went silent past the threshold gets a soft reconnect: close the
// socket and let the read loop run the ladder.
func (c *Client) healthLoop() {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.closed.Load() {
				return
			}

			ws := c.conn()
			if ws == nil {
				continue
			}

			silence := time.Since(time.UnixMilli(c.lastActivity.Load()))
			if silence > maxInboundSilence {
				c.logger.Warnw("Hub silent past threshold, forcing soft reconnect",
					"silence", silence,
				)
				ws.Close()
			}
		}
	}
}
