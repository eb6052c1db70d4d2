// Package autohub implements the client side of the hub: transparently
// connect to an existing hub on the well-known port or start an embedded
// one, keep the connection alive, and correlate requests with responses.
package autohub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	appcfg "github.com/teranos/tabhub/config"
	"github.com/teranos/tabhub/errors"
	"github.com/teranos/tabhub/hub"
	"github.com/teranos/tabhub/internal/version"
	"github.com/teranos/tabhub/protocol"
)

// ErrClosed is returned for operations on a closed client.
var ErrClosed = errors.New("autohub client is closed")

const (
	// Client-side write deadline per frame
	clientWriteWait = 10 * time.Second

	// Self-check cadence and the inbound-silence threshold that triggers a
	// soft reconnect
	healthCheckInterval = 10 * time.Second
	maxInboundSilence   = 60 * time.Second

	// Buffered notification fan-out; overflow drops the oldest milestone
	notificationBuffer = 256
)

// EventKind classifies connectivity events surfaced to the caller.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventReconnected  EventKind = "reconnected"
	EventDisconnected EventKind = "disconnected"
)

// Event is a connectivity change notification.
type Event struct {
	Kind EventKind
	Err  error
}

// Notification is one progress milestone pushed from the automator.
type Notification struct {
	OperationID string
	Milestone   string
	Data        json.RawMessage
	Timestamp   int64
}

// Config carries the client's resolved settings.
type Config struct {
	Port             int
	ClientInfo       protocol.ClientInfo
	RequestTimeout   time.Duration
	DialTimeout      time.Duration
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration
	MaxReconnects    int // -1 = unbounded, 0 = never reconnect
	ForceHubCreation bool

	// HubConfig configures the embedded hub when discovery has to start one.
	HubConfig hub.Config
}

// ConfigFromApp maps the application configuration onto client settings.
func ConfigFromApp(cfg *appcfg.Config, info protocol.ClientInfo) Config {
	return Config{
		Port:             cfg.Hub.Port,
		ClientInfo:       info,
		RequestTimeout:   cfg.Operations.Timeout(),
		DialTimeout:      3 * time.Second,
		ReconnectBase:    cfg.Reconnect.Base(),
		ReconnectMax:     cfg.Reconnect.Max(),
		MaxReconnects:    cfg.Reconnect.MaxAttempts,
		ForceHubCreation: cfg.Client.ForceHubCreation,
		HubConfig:        hub.ConfigFromApp(cfg),
	}
}

// Client is one requester endpoint. Safe for concurrent use.
type Client struct {
	cfg    Config
	logger *zap.SugaredLogger

	wsMu    sync.RWMutex
	ws      *websocket.Conn
	writeMu sync.Mutex

	pending    *pendingTable
	requestSeq atomic.Uint64

	notifications chan Notification
	events        chan Event

	embedded   *hub.Hub // non-nil when discovery started the hub in-process
	assignedMu sync.RWMutex
	assignedID string

	lastActivity atomic.Int64
	closed       atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an unconnected client. Call Connect to run discovery.
func New(cfg Config, logger *zap.SugaredLogger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Client{
		cfg:           cfg,
		logger:        logger,
		pending:       newPendingTable(),
		notifications: make(chan Notification, notificationBuffer),
		events:        make(chan Event, 16),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// AssignedID returns the client id the hub installed (possibly suffixed).
func (c *Client) AssignedID() string {
	c.assignedMu.RLock()
	defer c.assignedMu.RUnlock()
	return c.assignedID
}

// EmbeddedHub returns the in-process hub, if discovery started one.
func (c *Client) EmbeddedHub() *hub.Hub {
	return c.embedded
}

// Notifications returns the progress milestone stream.
func (c *Client) Notifications() <-chan Notification {
	return c.notifications
}

// Events returns the connectivity event stream.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Connect runs hub discovery, registers this requester, and starts the
// background read, reconnect, and health goroutines.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}

	ws, err := c.discover(ctx)
	if err != nil {
		return err
	}
	c.installConn(ws)

	if err := c.registerAndConfirm(ctx); err != nil {
		ws.Close()
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.healthLoop()
	}()

	c.emitEvent(Event{Kind: EventConnected})
	return nil
}

func (c *Client) installConn(ws *websocket.Conn) {
	ws.SetReadLimit(int64(c.cfg.HubConfig.MaxMessageBytes))
	ws.SetPingHandler(func(appData string) error {
		c.touch()
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		ws.SetWriteDeadline(time.Now().Add(clientWriteWait))
		return ws.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	c.wsMu.Lock()
	c.ws = ws
	c.wsMu.Unlock()
	c.touch()
}

func (c *Client) conn() *websocket.Conn {
	c.wsMu.RLock()
	defer c.wsMu.RUnlock()
	return c.ws
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixMilli())
}

// registerAndConfirm sends register_requester and waits for the hub's
// confirmation, which carries the installed (possibly suffixed) client id.
func (c *Client) registerAndConfirm(ctx context.Context) error {
	info := c.cfg.ClientInfo
	info.Version = version.Get().Version

	if err := c.writeJSON(protocol.RegisterRequester{
		Type:       protocol.TypeRegisterRequester,
		Timestamp:  protocol.NowMillis(),
		ClientInfo: info,
	}); err != nil {
		return errors.Wrap(err, "failed to send registration")
	}

	// The read loop is not running yet during the initial connect, so pull
	// frames directly until the confirmation arrives.
	deadline := time.Now().Add(c.cfg.DialTimeout)
	ws := c.conn()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ws.SetReadDeadline(deadline)
		_, data, err := ws.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "connection lost awaiting registration confirmation")
		}
		ws.SetReadDeadline(time.Time{})
		c.touch()

		frame, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		if frame.Type != protocol.TypeRegistrationConfirmed {
			// welcome and list updates may precede the confirmation
			c.dispatch(frame)
			continue
		}

		var confirmed protocol.RegistrationConfirmed
		if err := frame.Into(&confirmed); err != nil {
			return errors.Wrap(err, "malformed registration confirmation")
		}
		c.acceptConfirmation(confirmed)
		return nil
	}
}

func (c *Client) acceptConfirmation(confirmed protocol.RegistrationConfirmed) {
	c.assignedMu.Lock()
	c.assignedID = confirmed.AssignedID
	c.assignedMu.Unlock()

	if confirmed.Warning != "" {
		c.logger.Warnw("Hub registration warning", "warning", confirmed.Warning)
	}
	c.logger.Infow("Registered with hub",
		"client_id", confirmed.AssignedID,
		"hub_version", confirmed.Hub.Version,
		"hub_port", confirmed.Hub.Port,
	)
}

// writeJSON serializes one outbound frame under the writer lock.
func (c *Client) writeJSON(v interface{}) error {
	ws := c.conn()
	if ws == nil {
		return errors.New("not connected")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to marshal frame")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) writeFrame(f *protocol.Frame) error {
	ws := c.conn()
	if ws == nil {
		return errors.New("not connected")
	}

	data, err := f.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}

// SendRequest forwards a tool call through the hub and blocks until the
// response, an error frame, or the per-request timeout. Exactly one of
// those resolves the request; the pending entry is removed either way.
func (c *Client) SendRequest(ctx context.Context, toolName string, params interface{}, timeout time.Duration) (*protocol.Frame, error) {
	return c.sendRequestFrame(ctx, toolName, params, "", timeout)
}

// StartOperation dispatches an async tool call. The operation id travels at
// the top level of the request frame — the canonical location the hub reads
// to track ownership — and rides along to the automator so the extension can
// tag its progress milestones with it.
func (c *Client) StartOperation(ctx context.Context, toolName string, params interface{}, operationID string, timeout time.Duration) (*protocol.Frame, error) {
	if operationID == "" {
		return nil, errors.New("operationID is required")
	}
	return c.sendRequestFrame(ctx, toolName, params, operationID, timeout)
}

func (c *Client) sendRequestFrame(ctx context.Context, toolName string, params interface{}, operationID string, timeout time.Duration) (*protocol.Frame, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}

	requestID := fmt.Sprintf("r-%d", c.requestSeq.Add(1))

	frame := protocol.NewFrame(protocol.TypeRequest)
	frame.SetString(protocol.FieldRequestID, requestID)
	frame.SetString("toolName", toolName)
	if operationID != "" {
		frame.SetString(protocol.FieldOperationID, operationID)
	}
	if params != nil {
		if err := frame.Set("params", params); err != nil {
			return nil, err
		}
	}

	entry := c.pending.add(requestID, toolName, timeout)

	if err := c.writeFrame(frame); err != nil {
		c.pending.resolve(requestID, pendingResult{err: errors.Wrapf(err, "failed to send %s request", toolName)})
	}

	select {
	case res := <-entry.ch:
		return res.frame, res.err
	case <-ctx.Done():
		c.pending.resolve(requestID, pendingResult{err: ctx.Err()})
		res := <-entry.ch
		return res.frame, res.err
	}
}

// SendKeepalive sends an application-level keepalive frame.
func (c *Client) SendKeepalive() error {
	return c.writeJSON(map[string]interface{}{
		"type":      protocol.TypeKeepalive,
		"timestamp": protocol.NowMillis(),
	})
}

// WaitForOperation blocks until the operation reaches a terminal milestone
// or the timeout elapses. Served by the hub's operation manager.
func (c *Client) WaitForOperation(ctx context.Context, operationID string, timeout time.Duration) (*protocol.Frame, error) {
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	params := map[string]interface{}{
		"operationId": operationID,
		"timeoutMs":   timeout.Milliseconds(),
	}
	// The wire round-trip gets a margin beyond the hub-side wait.
	return c.SendRequest(ctx, "await_operation", params, timeout+5*time.Second)
}

// CancelOperation asks the automator to cancel an operation. Idempotent:
// cancelling a terminal operation reports alreadyTerminal without side
// effects.
func (c *Client) CancelOperation(ctx context.Context, operationID string) (*protocol.Frame, error) {
	params := map[string]interface{}{"operationId": operationID}
	return c.SendRequest(ctx, "cancel_operation", params, 0)
}

// dispatch routes one inbound frame from the hub.
func (c *Client) dispatch(frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypeResponse:
		requestID := frame.GetString(protocol.FieldRequestID)
		if !c.pending.resolve(requestID, pendingResult{frame: frame}) {
			c.logger.Debugw("Response for unknown request, dropping", "request_id", requestID)
		}

	case protocol.TypeError:
		var errFrame protocol.ErrorFrame
		if err := frame.Into(&errFrame); err != nil {
			c.logger.Warnw("Malformed error frame", "error", err.Error())
			return
		}
		hubErr := &HubError{Code: errFrame.Code, Message: errFrame.Message, RequestID: errFrame.RequestID}
		if errFrame.RequestID == "" || !c.pending.resolve(errFrame.RequestID, pendingResult{err: hubErr}) {
			c.logger.Warnw("Unsolicited error from hub",
				"code", errFrame.Code,
				"message", errFrame.Message,
			)
		}

	case protocol.TypeProgress:
		var prog protocol.Progress
		if err := frame.Into(&prog); err != nil {
			c.logger.Warnw("Malformed progress frame", "error", err.Error())
			return
		}
		c.pushNotification(Notification{
			OperationID: prog.OperationID,
			Milestone:   prog.Milestone,
			Data:        prog.Data,
			Timestamp:   prog.Timestamp,
		})

	case protocol.TypeWelcome, protocol.TypeClientListUpdate, protocol.TypeKeepaliveResponse:
		// Informational; lastActivity was already refreshed.

	case protocol.TypeRegistrationConfirmed:
		// Normally consumed inline during (re)registration; accept a late
		// confirmation gracefully.
		var confirmed protocol.RegistrationConfirmed
		if err := frame.Into(&confirmed); err == nil {
			c.acceptConfirmation(confirmed)
		}

	case protocol.TypeHubShutdown:
		c.logger.Infow("Hub announced shutdown", "reason", frame.GetString("reason"))

	default:
		c.logger.Debugw("Unhandled frame from hub", "frame_type", frame.Type)
	}
}

// pushNotification delivers a milestone, dropping the oldest entry when the
// consumer falls behind.
func (c *Client) pushNotification(n Notification) {
	select {
	case c.notifications <- n:
		return
	default:
	}

	select {
	case <-c.notifications:
	default:
	}
	select {
	case c.notifications <- n:
	default:
		c.logger.Warnw("Notification buffer overrun, milestone dropped",
			"operation_id", n.OperationID,
			"milestone", n.Milestone,
		)
	}
}

func (c *Client) emitEvent(e Event) {
	select {
	case c.events <- e:
	default:
		c.logger.Debugw("Event buffer full, dropping event", "kind", e.Kind)
	}
}

// Close shuts the client down: pending requests are rejected, the socket is
// closed with a clean-shutdown code, and the embedded hub (if this client
// started it) is stopped.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.cancel()

	rejected := c.pending.rejectAll(protocol.CodeHubShuttingDown, "client closing")
	if rejected > 0 {
		c.logger.Debugw("Rejected pending requests on close", "count", rejected)
	}

	if ws := c.conn(); ws != nil {
		c.writeMu.Lock()
		ws.SetWriteDeadline(time.Now().Add(clientWriteWait))
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"))
		c.writeMu.Unlock()
		ws.Close()
	}

	c.wg.Wait()

	if c.embedded != nil {
		if err := c.embedded.Stop(); err != nil {
			c.logger.Warnw("Embedded hub stop failed", "error", err.Error())
		}
	}

	c.logger.Infow("AutoHub client closed")
	return nil
}
