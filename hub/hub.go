// Package hub implements the relay that bridges tool-calling requesters to
// the single browser-extension automator: connection lifecycle, registration,
// request/response correlation, and operation tracking.
package hub

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	appcfg "github.com/teranos/tabhub/config"
	"github.com/teranos/tabhub/errors"
	"github.com/teranos/tabhub/internal/version"
	"github.com/teranos/tabhub/operation"
	"github.com/teranos/tabhub/protocol"
)

// ShutdownTimeout bounds the graceful drain on Stop.
const ShutdownTimeout = 30 * time.Second

// State is the hub lifecycle state.
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config carries the hub's resolved settings.
type Config struct {
	Port                int
	HealthPort          int
	KeepaliveIntervalMS int
	MaxMessageBytes     int
	OperationTimeout    time.Duration
	OperationCleanupAge time.Duration
	OperationAbandonAge time.Duration
	SnapshotPath        string
}

// KeepaliveInterval returns the socket ping period.
func (c Config) KeepaliveInterval() time.Duration {
	return time.Duration(c.KeepaliveIntervalMS) * time.Millisecond
}

// ConfigFromApp maps the application configuration onto hub settings.
func ConfigFromApp(cfg *appcfg.Config) Config {
	return Config{
		Port:                cfg.Hub.Port,
		HealthPort:          cfg.Hub.HealthPort,
		KeepaliveIntervalMS: cfg.Hub.KeepaliveIntervalMS,
		MaxMessageBytes:     cfg.Hub.MaxMessageBytes,
		OperationTimeout:    cfg.Operations.Timeout(),
		OperationCleanupAge: cfg.Operations.CleanupAge(),
		OperationAbandonAge: cfg.Operations.AbandonAge(),
		SnapshotPath:        cfg.Operations.SnapshotPath,
	}
}

// Hub owns the registry, the operation manager, and every connection.
// There is one Hub per process, passed by handle; nothing here is a
// package-level singleton.
type Hub struct {
	cfg    Config
	logger *zap.SugaredLogger

	registry *Registry
	ops      *operation.Manager

	connsMu sync.Mutex
	conns   map[*Conn]bool

	register   chan *Conn
	unregister chan *Conn

	pendingMu sync.Mutex
	pending   map[string]pendingRoute

	nextConnID   atomic.Uint64
	hubMessageID atomic.Uint64

	listener     net.Listener
	httpServer   *http.Server
	healthServer *http.Server

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	state     atomic.Int32
	startedAt time.Time
}

// New creates a hub. Call Start to bind the port and begin accepting.
// Zero-valued timing fields fall back to the documented defaults.
func New(cfg Config, logger *zap.SugaredLogger) *Hub {
	if cfg.KeepaliveIntervalMS <= 0 {
		cfg.KeepaliveIntervalMS = 30000
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 10 * 1024 * 1024
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 180 * time.Second
	}
	if cfg.OperationCleanupAge <= 0 {
		cfg.OperationCleanupAge = time.Hour
	}
	if cfg.OperationAbandonAge <= 0 {
		cfg.OperationAbandonAge = 2 * cfg.OperationCleanupAge
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:        cfg,
		logger:     logger,
		registry:   NewRegistry(),
		ops:        operation.NewManager(cfg.OperationCleanupAge, cfg.OperationAbandonAge, logger.Named("ops")),
		conns:      make(map[*Conn]bool),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		pending:    make(map[string]pendingRoute),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Operations exposes the operation manager to embedding callers.
func (h *Hub) Operations() *operation.Manager {
	return h.ops
}

// Port returns the actual bound port. Valid after Start.
func (h *Hub) Port() int {
	if h.listener == nil {
		return h.cfg.Port
	}
	return h.listener.Addr().(*net.TCPAddr).Port
}

// State returns the current lifecycle state.
func (h *Hub) State() State {
	return State(h.state.Load())
}

func (h *Hub) setState(s State) {
	h.state.Store(int32(s))
	h.logger.Infow("Hub state changed", "new_state", s.String())
}

func (h *Hub) info() protocol.HubInfo {
	return protocol.HubInfo{
		Version:   version.Get().Version,
		Port:      h.Port(),
		PID:       os.Getpid(),
		StartedAt: h.startedAt.UnixMilli(),
	}
}

func (h *Hub) synthesizeClientID() string {
	return "client-" + uuid.NewString()[:8]
}

// Start binds the loopback port and launches the hub goroutines. The port
// is exclusive: a bind failure is surfaced with a classified error rather
// than a fallback search, because the well-known port is the contract every
// client discovers the hub by.
func (h *Hub) Start() error {
	addr := fmt.Sprintf("127.0.0.1:%d", h.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return classifyBindError(err, h.cfg.Port)
	}
	h.listener = listener
	h.startedAt = time.Now()
	h.setState(StateRunning)

	if h.cfg.SnapshotPath != "" {
		if err := h.ops.LoadSnapshot(h.cfg.SnapshotPath); err != nil {
			h.logger.Warnw("Failed to load operation snapshot", "error", err.Error())
		}
	}
	h.ops.Start()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.run()
	}()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.watchdog()
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/", h.handleWebSocket)
	h.httpServer = &http.Server{Handler: mux}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			h.logger.Errorw("Hub HTTP server exited", "error", err.Error())
		}
	}()

	if h.cfg.HealthPort > 0 {
		if err := h.startHealthEndpoint(); err != nil {
			h.logger.Warnw("Health endpoint unavailable", "error", err.Error())
		}
	}

	h.logger.Infow("Hub listening",
		"addr", listener.Addr().String(),
		"pid", os.Getpid(),
		"version", version.Get().Version,
	)
	return nil
}

// classifyBindError maps OS bind failures onto the wire error taxonomy.
func classifyBindError(err error, port int) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "address already in use"):
		wrapped := errors.Wrapf(err, "port %d is already in use", port)
		return errors.WithDetail(wrapped, string(protocol.CodePortInUse))
	case strings.Contains(msg, "permission denied"):
		wrapped := errors.Wrapf(err, "binding port %d was denied", port)
		return errors.WithDetail(wrapped, string(protocol.CodePortPermissionDenied))
	default:
		return errors.Wrapf(err, "failed to bind port %d", port)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  2048,
	WriteBufferSize: 2048,
	// The hub binds loopback only; origin checking adds nothing there.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades an incoming connection and hands it to the hub.
func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.State() != StateRunning {
		http.Error(w, "hub is draining", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("WebSocket upgrade failed",
			"remote_addr", r.RemoteAddr,
			"error", err.Error(),
		)
		return
	}

	conn := newConn(h.nextConnID.Add(1), h, ws)
	h.register <- conn

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		conn.writePump()
	}()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		conn.readPump()
	}()
}

// run is the hub event loop: it owns the connection set and the channel
// close on teardown, keeping a single-writer discipline on each send queue.
func (h *Hub) run() {
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Debugw("Hub event loop stopping due to context cancellation")
			return

		case conn := <-h.register:
			h.connsMu.Lock()
			h.conns[conn] = true
			total := len(h.conns)
			h.connsMu.Unlock()

			conn.sendJSON(protocol.Welcome{
				Type:       protocol.TypeWelcome,
				Timestamp:  protocol.NowMillis(),
				AssignedID: conn.id,
				Hub:        h.info(),
			})

			h.logger.Infow("Connection accepted",
				"conn_id", conn.id,
				"remote_addr", conn.remoteAddr,
				"total_connections", total,
			)

		case conn := <-h.unregister:
			h.dropConn(conn)
		}
	}
}

// dropConn removes a connection from the hub and registry and closes its
// send queue. Frames targeted at a dropped requester are dropped later by
// the router with a warning; nothing is ever forwarded to it again.
func (h *Hub) dropConn(conn *Conn) {
	h.connsMu.Lock()
	if _, ok := h.conns[conn]; !ok {
		h.connsMu.Unlock()
		return
	}
	delete(h.conns, conn)
	total := len(h.conns)
	h.connsMu.Unlock()

	wasAutomator, requesterID := h.registry.Remove(conn)
	conn.closeSend()

	h.logger.Infow("Connection closed",
		"conn_id", conn.id,
		"client_id", conn.ClientID(),
		"was_automator", wasAutomator,
		"messages", conn.msgCount.Load(),
		"total_connections", total,
	)

	if wasAutomator || requesterID != "" {
		h.notifyClientList()
	}
}

// watchdog enforces dead-connection detection on wall-clock time,
// independent of application traffic, and prunes forgotten request routes.
func (h *Hub) watchdog() {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case now := <-ticker.C:
			h.checkConnections(now)
			h.prunePendingRoutes(now)
		}
	}
}

func (h *Hub) checkConnections(now time.Time) {
	h.connsMu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.connsMu.Unlock()

	for _, conn := range conns {
		if conn.stale(now) {
			h.logger.Warnw("Terminating dead connection",
				"conn_id", conn.id,
				"client_id", conn.ClientID(),
				"last_activity", time.UnixMilli(conn.lastActivity.Load()),
			)
			conn.terminate()
			continue
		}
		// A peer silent for a whole watchdog interval loses its live flag;
		// any inbound frame or pong flips it back.
		last := time.UnixMilli(conn.lastActivity.Load())
		if now.Sub(last) > watchdogInterval {
			conn.live.Store(false)
		}
	}
}

// prunePendingRoutes drops return routes whose requests can no longer get a
// response inside the operation deadline. A late response after the prune is
// dropped by the router with a warning.
func (h *Hub) prunePendingRoutes(now time.Time) {
	cutoff := now.Add(-(h.cfg.OperationTimeout + time.Minute))

	h.pendingMu.Lock()
	for requestID, route := range h.pending {
		if route.at.Before(cutoff) {
			delete(h.pending, requestID)
			h.logger.Debugw("Pruned stale request route",
				"request_id", requestID,
				"client_id", route.clientID,
				"tool", route.toolName,
			)
		}
	}
	h.pendingMu.Unlock()
}

// Stop drains the hub: no new connections, shutdown notices to every peer,
// snapshot saved, goroutines joined within the shutdown budget.
func (h *Hub) Stop() error {
	h.logger.Infow("Initiating hub shutdown")
	h.setState(StateDraining)

	if h.healthServer != nil {
		h.healthServer.Close()
	}

	h.connsMu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
		delete(h.conns, conn)
	}
	h.connsMu.Unlock()

	for _, conn := range conns {
		conn.closeGracefully("shutdown")
	}

	if h.cfg.SnapshotPath != "" {
		if err := h.ops.SaveSnapshot(h.cfg.SnapshotPath); err != nil {
			h.logger.Warnw("Failed to save operation snapshot", "error", err.Error())
		}
	}

	h.ops.Stop()

	if h.httpServer != nil {
		h.httpServer.Close()
	}

	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Infow("All hub goroutines stopped cleanly")
	case <-time.After(ShutdownTimeout):
		h.logger.Warnw("Hub shutdown timed out, forcing exit", "timeout", ShutdownTimeout)
	}

	h.setState(StateStopped)
	h.logger.Infow("Hub shutdown complete")
	return nil
}
