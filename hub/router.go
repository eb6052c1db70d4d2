package hub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/teranos/tabhub/errors"
	"github.com/teranos/tabhub/internal/version"
	"github.com/teranos/tabhub/operation"
	"github.com/teranos/tabhub/protocol"
)

// Hub-local tools served from the operation manager rather than forwarded.
const (
	toolAwaitOperation  = "await_operation"
	toolCancelOperation = "cancel_operation"
	toolListClients     = "list_clients"
	toolHubStatus       = "hub_status"
)

// pendingRoute remembers where a forwarded request came from so the
// automator's response can be routed back by requestId alone.
type pendingRoute struct {
	clientID string
	toolName string
	at       time.Time
}

// route classifies an inbound frame and dispatches it. The locally handled
// types form an explicit allow-list; everything else a requester sends is
// assumed to be an extension tool call and forwarded.
func (h *Hub) route(c *Conn, f *protocol.Frame) {
	switch f.Type {
	case protocol.TypeRegisterAutomator:
		h.handleRegisterAutomator(c, f)
	case protocol.TypeRegisterRequester:
		h.handleRegisterRequester(c, f)
	case protocol.TypeKeepalive:
		h.handleKeepalive(c)
	default:
		h.routeByRole(c, f)
	}
}

func (h *Hub) routeByRole(c *Conn, f *protocol.Frame) {
	switch c.Role() {
	case RoleRequester:
		if f.Type == protocol.TypeRequest && h.handleHubTool(c, f) {
			return
		}
		h.forwardToAutomator(c, f)

	case RoleAutomator:
		switch f.Type {
		case protocol.TypeResponse, protocol.TypeError:
			h.forwardToRequester(c, f)
		case protocol.TypeProgress:
			h.handleProgress(c, f)
		default:
			h.rejectUnknown(c, f)
		}

	default:
		h.rejectUnknown(c, f)
	}
}

func (h *Hub) rejectUnknown(c *Conn, f *protocol.Frame) {
	h.logger.Debugw("Unknown message type",
		"conn_id", c.id,
		"role", c.Role(),
		"frame_type", f.Type,
	)
	c.sendJSON(protocol.NewErrorFrame(
		f.GetString(protocol.FieldRequestID),
		protocol.CodeUnknownMessageType,
		fmt.Sprintf("message type %q is not handled for role %s", f.Type, c.Role()),
	))
}

// forwardToAutomator implements the requester→automator path: annotate the
// frame with its source, remember the return route, and queue it.
func (h *Hub) forwardToAutomator(c *Conn, f *protocol.Frame) {
	requestID := f.GetString(protocol.FieldRequestID)

	automator := h.registry.Automator()
	if automator == nil || !automator.live.Load() {
		c.sendJSON(protocol.NewErrorFrame(requestID,
			protocol.CodeAutomatorNotConnected,
			"no browser extension is connected to the hub"))
		return
	}

	clientID := c.ClientID()
	toolName := f.GetString("toolName")

	f.SetString(protocol.FieldSourceClientID, clientID)
	f.SetString(protocol.FieldSourceClientName, c.clientNameLocked())
	f.SetInt(protocol.FieldHubMessageID, int64(h.hubMessageID.Add(1)))

	// A request carrying an operationId declares async work: track it so
	// progress milestones can be routed back to this requester.
	if opID := f.GetString(protocol.FieldOperationID); opID != "" {
		h.ops.Create(opID, toolName, clientID)
	}

	// Requests without a requestId are forwarded fire-and-forget.
	if requestID != "" {
		h.pendingMu.Lock()
		h.pending[requestID] = pendingRoute{clientID: clientID, toolName: toolName, at: time.Now()}
		h.pendingMu.Unlock()
	}

	h.registry.IncrementRequestCount(clientID)

	if automator.sendFrame(f) {
		h.logger.Debugw("Forwarded request to automator",
			"request_id", requestID,
			"tool", toolName,
			"source_client_id", clientID,
		)
	}
}

// forwardToRequester implements the automator→requester path for response
// and error frames, resolving the target by explicit targetClientId or by
// the remembered request route.
func (h *Hub) forwardToRequester(c *Conn, f *protocol.Frame) {
	requestID := f.GetString(protocol.FieldRequestID)
	targetID := f.GetString(protocol.FieldTargetClientID)

	if requestID != "" {
		h.pendingMu.Lock()
		if route, ok := h.pending[requestID]; ok {
			delete(h.pending, requestID)
			if targetID == "" {
				targetID = route.clientID
			}
		}
		h.pendingMu.Unlock()
	}

	if targetID == "" {
		h.logger.Warnw("Automator frame has no resolvable target, dropping",
			"frame_type", f.Type,
			"request_id", requestID,
		)
		return
	}

	target, ok := h.registry.Requester(targetID)
	if !ok {
		h.logger.Warnw("Target requester gone, dropping frame",
			"frame_type", f.Type,
			"request_id", requestID,
			"target_client_id", targetID,
		)
		return
	}

	target.sendFrame(f)
}

// handleProgress applies an automator milestone to the operation manager and
// forwards it to the owning requester.
func (h *Hub) handleProgress(c *Conn, f *protocol.Frame) {
	var prog protocol.Progress
	if err := f.Into(&prog); err != nil {
		h.logger.Warnw("Malformed progress frame", "error", err.Error())
		return
	}

	owner, ok := h.ops.Owner(prog.OperationID)
	if !ok {
		h.logger.Warnw("Progress for unknown operation, dropping",
			"operation_id", prog.OperationID,
			"milestone", prog.Milestone,
		)
		return
	}

	if err := h.ops.ApplyMilestone(prog.OperationID, prog.Milestone, prog.Data); err != nil {
		h.logger.Warnw("Failed to apply milestone",
			"operation_id", prog.OperationID,
			"milestone", prog.Milestone,
			"error", err.Error(),
		)
	}

	if target, ok := h.registry.Requester(owner); ok {
		target.sendFrame(f)
	} else {
		h.logger.Debugw("Operation owner disconnected, milestone recorded only",
			"operation_id", prog.OperationID,
			"owner", owner,
		)
	}
}

// handleHubTool serves tools that never reach the automator because the hub
// itself owns the state they query. Returns true if the frame was consumed.
func (h *Hub) handleHubTool(c *Conn, f *protocol.Frame) bool {
	toolName := f.GetString("toolName")
	switch toolName {
	case toolAwaitOperation:
		h.handleAwaitOperation(c, f)
		return true
	case toolCancelOperation:
		return h.handleCancelOperation(c, f)
	case toolListClients:
		h.respondResult(c, f, map[string]interface{}{"clients": h.registry.Summaries()})
		return true
	case toolHubStatus:
		h.respondResult(c, f, map[string]interface{}{
			"state":           h.State().String(),
			"uptime":          int64(time.Since(h.startedAt).Seconds()),
			"port":            h.Port(),
			"pid":             h.info().PID,
			"version":         h.info().Version,
			"requesters":      h.registry.RequesterCount(),
			"automatorLive":   h.registry.HasLiveAutomator(),
			"operationsCount": h.ops.Count(),
		})
		return true
	default:
		return false
	}
}

// respondResult answers a hub-local tool call with a response frame.
func (h *Hub) respondResult(c *Conn, f *protocol.Frame, result interface{}) {
	requestID := f.GetString(protocol.FieldRequestID)
	resp := protocol.NewFrame(protocol.TypeResponse)
	resp.SetString(protocol.FieldRequestID, requestID)
	if err := resp.Set("result", result); err != nil {
		c.sendJSON(protocol.NewErrorFrame(requestID, protocol.CodeInvalidParamType, "failed to encode result"))
		return
	}
	c.sendFrame(resp)
}

type awaitParams struct {
	OperationID string `json:"operationId"`
	TimeoutMS   int64  `json:"timeoutMs"`
}

func (h *Hub) handleAwaitOperation(c *Conn, f *protocol.Frame) {
	requestID := f.GetString(protocol.FieldRequestID)

	var params awaitParams
	if raw, ok := f.Raw("params"); ok {
		if err := json.Unmarshal(raw, &params); err != nil {
			c.sendJSON(protocol.NewErrorFrame(requestID, protocol.CodeInvalidParamType, "params must be an object"))
			return
		}
	}
	if params.OperationID == "" {
		c.sendJSON(protocol.NewErrorFrame(requestID, protocol.CodeMissingParam, "operationId is required"))
		return
	}

	timeout := h.cfg.OperationTimeout
	if params.TimeoutMS > 0 {
		timeout = time.Duration(params.TimeoutMS) * time.Millisecond
	}

	// The wait suspends; it must not block the reader goroutine.
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		op, err := h.ops.WaitForCompletion(h.ctx, params.OperationID, timeout)
		if err != nil {
			code := protocol.CodeOperationTimeout
			if errors.Is(err, operation.ErrUnknownOperation) {
				code = protocol.CodeUnknownOperation
			}
			c.sendJSON(protocol.NewErrorFrame(requestID, code, err.Error()))
			return
		}

		resp := protocol.NewFrame(protocol.TypeResponse)
		resp.SetString(protocol.FieldRequestID, requestID)
		if err := resp.Set("result", op); err != nil {
			c.sendJSON(protocol.NewErrorFrame(requestID, protocol.CodeInvalidParamType, "failed to encode operation record"))
			return
		}
		c.sendFrame(resp)
	}()
}

// handleCancelOperation enforces cancel idempotence before forwarding the
// intent to the automator. Returns true when the frame was answered locally.
func (h *Hub) handleCancelOperation(c *Conn, f *protocol.Frame) bool {
	requestID := f.GetString(protocol.FieldRequestID)

	var params awaitParams
	if raw, ok := f.Raw("params"); ok {
		if err := json.Unmarshal(raw, &params); err != nil {
			c.sendJSON(protocol.NewErrorFrame(requestID, protocol.CodeInvalidParamType, "params must be an object"))
			return true
		}
	}
	if params.OperationID == "" {
		c.sendJSON(protocol.NewErrorFrame(requestID, protocol.CodeMissingParam, "operationId is required"))
		return true
	}

	alreadyTerminal, err := h.ops.CancelIntent(params.OperationID)
	if err != nil {
		c.sendJSON(protocol.NewErrorFrame(requestID, protocol.CodeUnknownOperation, err.Error()))
		return true
	}
	if alreadyTerminal {
		resp := protocol.NewFrame(protocol.TypeResponse)
		resp.SetString(protocol.FieldRequestID, requestID)
		resp.Set("result", map[string]interface{}{"alreadyTerminal": true})
		c.sendFrame(resp)
		return true
	}

	// Cancellation is cooperative: the automator interprets the intent and
	// emits a terminal milestone.
	return false
}

// handleKeepalive answers an application-level keepalive with server wall
// time. Only lastActivity is refreshed; dead-connection detection is the
// watchdog's job.
func (h *Hub) handleKeepalive(c *Conn) {
	c.sendJSON(protocol.KeepaliveResponse{
		Type:       protocol.TypeKeepaliveResponse,
		Timestamp:  protocol.NowMillis(),
		ServerTime: protocol.NowMillis(),
	})
}

// handleRegisterAutomator installs a new automator, evicting any
// predecessor with reason "replaced".
func (h *Hub) handleRegisterAutomator(c *Conn, f *protocol.Frame) {
	var reg protocol.RegisterAutomator
	if err := f.Into(&reg); err != nil {
		c.sendJSON(protocol.NewErrorFrame("", protocol.CodeInvalidParamType, err.Error()))
		return
	}

	evicted := h.registry.InstallAutomator(c, reg.ExtensionID)
	c.setIdentity(RoleAutomator, "automator", "automator")

	if evicted != nil {
		h.logger.Infow("Automator replaced",
			"old_conn_id", evicted.id,
			"new_conn_id", c.id,
			"extension_id", reg.ExtensionID,
		)
		evicted.closeGracefully("replaced")
	}

	warning := h.versionWarning(reg.Version)

	c.sendJSON(protocol.RegistrationConfirmed{
		Type:       protocol.TypeRegistrationConfirmed,
		Timestamp:  protocol.NowMillis(),
		Role:       string(RoleAutomator),
		AssignedID: "automator",
		Hub:        h.info(),
		Warning:    warning,
	})

	h.logger.Infow("Automator registered",
		"conn_id", c.id,
		"extension_id", reg.ExtensionID,
	)

	h.notifyClientList()
}

// handleRegisterRequester records a requester, resolving id collisions by
// suffixing, and reports the installed id back.
func (h *Hub) handleRegisterRequester(c *Conn, f *protocol.Frame) {
	var reg protocol.RegisterRequester
	if err := f.Into(&reg); err != nil {
		c.sendJSON(protocol.NewErrorFrame("", protocol.CodeInvalidParamType, err.Error()))
		return
	}

	assignedID := h.registry.InstallRequester(c, reg.ClientInfo, h.synthesizeClientID)
	c.setIdentity(RoleRequester, assignedID, reg.ClientInfo.Name)

	warning := h.versionWarning(reg.ClientInfo.Version)

	c.sendJSON(protocol.RegistrationConfirmed{
		Type:       protocol.TypeRegistrationConfirmed,
		Timestamp:  protocol.NowMillis(),
		Role:       string(RoleRequester),
		AssignedID: assignedID,
		Hub:        h.info(),
		Warning:    warning,
	})

	h.logger.Infow("Requester registered",
		"conn_id", c.id,
		"client_id", assignedID,
		"client_name", reg.ClientInfo.Name,
		"requested_id", reg.ClientInfo.ID,
		"total_requesters", h.registry.RequesterCount(),
	)

	h.notifyClientList()
}

// versionWarning applies the compatibility rule to a peer version string.
// Mismatches are reported, never fatal.
func (h *Hub) versionWarning(peerVersion string) string {
	if peerVersion == "" {
		return ""
	}
	ours := version.Get().Version
	switch version.Check(ours, peerVersion) {
	case version.CompatIncompatible:
		h.logger.Warnw("Peer protocol version incompatible",
			"ours", ours,
			"theirs", peerVersion,
		)
		return fmt.Sprintf("version %s is incompatible with hub %s", peerVersion, ours)
	case version.CompatDegraded:
		return fmt.Sprintf("version %s differs from hub %s; some features may be unavailable", peerVersion, ours)
	case version.CompatFull:
		if peerVersion != ours {
			return fmt.Sprintf("version %s differs from hub %s in patch level only", peerVersion, ours)
		}
		return ""
	default:
		return ""
	}
}

// notifyClientList sends the requester roster to the automator. Requesters
// are never told about each other.
func (h *Hub) notifyClientList() {
	automator := h.registry.Automator()
	if automator == nil {
		return
	}

	automator.sendJSON(protocol.ClientListUpdate{
		Type:      protocol.TypeClientListUpdate,
		Timestamp: protocol.NowMillis(),
		Clients:   h.registry.Summaries(),
	})
}
