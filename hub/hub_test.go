package hub

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/tabhub/protocol"
)

func testConfig() Config {
	return Config{
		Port:                0, // ephemeral
		KeepaliveIntervalMS: 30000,
		MaxMessageBytes:     10 * 1024 * 1024,
		OperationTimeout:    5 * time.Second,
		OperationCleanupAge: time.Hour,
		OperationAbandonAge: 2 * time.Hour,
	}
}

func startTestHub(t *testing.T) *Hub {
	t.Helper()
	h := New(testConfig(), zap.NewNop().Sugar())
	require.NoError(t, h.Start())
	t.Cleanup(func() { h.Stop() })
	return h
}

// testPeer is a raw websocket client for driving the hub in tests.
type testPeer struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialTestHub(t *testing.T, h *Hub) *testPeer {
	t.Helper()
	url := fmt.Sprintf("ws://127.0.0.1:%d/", h.Port())
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return &testPeer{t: t, ws: ws}
}

func (p *testPeer) send(v map[string]interface{}) {
	p.t.Helper()
	if _, ok := v["timestamp"]; !ok {
		v["timestamp"] = protocol.NowMillis()
	}
	require.NoError(p.t, p.ws.WriteJSON(v))
}

func (p *testPeer) sendRaw(data string) {
	p.t.Helper()
	require.NoError(p.t, p.ws.WriteMessage(websocket.TextMessage, []byte(data)))
}

// readFrame reads the next frame within the timeout.
func (p *testPeer) readFrame(timeout time.Duration) (*protocol.Frame, error) {
	p.ws.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := p.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

// readUntil skips frames until one of the wanted type arrives.
func (p *testPeer) readUntil(frameType string, timeout time.Duration) *protocol.Frame {
	p.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		frame, err := p.readFrame(time.Until(deadline))
		require.NoError(p.t, err, "waiting for %s frame", frameType)
		if frame.Type == frameType {
			return frame
		}
	}
	p.t.Fatalf("no %s frame within %s", frameType, timeout)
	return nil
}

func registerRequester(t *testing.T, h *Hub, id, name string) *testPeer {
	t.Helper()
	p := dialTestHub(t, h)
	p.send(map[string]interface{}{
		"type":       protocol.TypeRegisterRequester,
		"clientInfo": map[string]interface{}{"id": id, "name": name, "type": "test"},
	})
	confirmed := p.readUntil(protocol.TypeRegistrationConfirmed, 2*time.Second)
	require.Equal(t, string(RoleRequester), confirmed.GetString("role"))
	return p
}

func registerAutomator(t *testing.T, h *Hub, extensionID string) *testPeer {
	t.Helper()
	p := dialTestHub(t, h)
	p.send(map[string]interface{}{
		"type":        protocol.TypeRegisterAutomator,
		"extensionId": extensionID,
	})
	confirmed := p.readUntil(protocol.TypeRegistrationConfirmed, 2*time.Second)
	require.Equal(t, string(RoleAutomator), confirmed.GetString("role"))
	return p
}

func resultOf(t *testing.T, frame *protocol.Frame) map[string]interface{} {
	t.Helper()
	raw, ok := frame.Raw("result")
	require.True(t, ok, "frame has no result")
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &result))
	return result
}

func TestWelcomeOnConnect(t *testing.T) {
	h := startTestHub(t)
	p := dialTestHub(t, h)

	welcome := p.readUntil(protocol.TypeWelcome, 2*time.Second)
	require.NotZero(t, welcome.GetInt("assignedId"))

	var w protocol.Welcome
	require.NoError(t, welcome.Into(&w))
	require.Equal(t, h.Port(), w.Hub.Port)
	require.NotZero(t, w.Hub.PID)
}

func TestRegistrationRoundTripUnderOneSecond(t *testing.T) {
	h := startTestHub(t)

	start := time.Now()
	registerRequester(t, h, "timing", "Timing")
	require.Less(t, time.Since(start), time.Second)
}

func TestHappyPathRoundTrip(t *testing.T) {
	h := startTestHub(t)
	a := registerRequester(t, h, "a", "A")
	automator := registerAutomator(t, h, "ext-1")

	a.send(map[string]interface{}{
		"type":      protocol.TypeRequest,
		"requestId": "r1",
		"toolName":  "tab_create",
		"params":    map[string]interface{}{},
	})

	forwarded := automator.readUntil(protocol.TypeRequest, 2*time.Second)
	require.Equal(t, "r1", forwarded.GetString("requestId"))
	require.Equal(t, "tab_create", forwarded.GetString("toolName"))
	require.Equal(t, "a", forwarded.GetString("sourceClientId"))
	require.Equal(t, "A", forwarded.GetString("sourceClientName"))
	require.NotZero(t, forwarded.GetInt("hubMessageId"))

	automator.send(map[string]interface{}{
		"type":           protocol.TypeResponse,
		"requestId":      "r1",
		"targetClientId": "a",
		"result":         map[string]interface{}{"tabId": 42},
	})

	response := a.readUntil(protocol.TypeResponse, 2*time.Second)
	require.Equal(t, "r1", response.GetString("requestId"))
	require.Equal(t, float64(42), resultOf(t, response)["tabId"])
}

func TestForwardPreservesUnknownFields(t *testing.T) {
	h := startTestHub(t)
	a := registerRequester(t, h, "a", "A")
	automator := registerAutomator(t, h, "ext-1")

	a.send(map[string]interface{}{
		"type":        protocol.TypeRequest,
		"requestId":   "r1",
		"toolName":    "tab_create",
		"futureField": map[string]interface{}{"keep": true},
	})

	forwarded := automator.readUntil(protocol.TypeRequest, 2*time.Second)
	raw, ok := forwarded.Raw("futureField")
	require.True(t, ok)
	require.JSONEq(t, `{"keep":true}`, string(raw))
}

func TestAutomatorMissing(t *testing.T) {
	h := startTestHub(t)
	a := registerRequester(t, h, "a", "A")

	a.send(map[string]interface{}{
		"type":      protocol.TypeRequest,
		"requestId": "r2",
		"toolName":  "tab_create",
	})

	errFrame := a.readUntil(protocol.TypeError, 2*time.Second)
	require.Equal(t, "r2", errFrame.GetString("requestId"))
	require.Equal(t, string(protocol.CodeAutomatorNotConnected), errFrame.GetString("code"))
}

func TestUnknownToolForwarded(t *testing.T) {
	h := startTestHub(t)
	a := registerRequester(t, h, "a", "A")
	automator := registerAutomator(t, h, "ext-1")

	// Frame types the hub does not know are forwarded unchanged: new tools
	// must not require hub changes.
	a.send(map[string]interface{}{
		"type":      "experimental_tool_call",
		"requestId": "r3",
	})

	forwarded := automator.readUntil("experimental_tool_call", 2*time.Second)
	require.Equal(t, "a", forwarded.GetString("sourceClientId"))
}

func TestAutomatorReplacement(t *testing.T) {
	h := startTestHub(t)
	x := registerAutomator(t, h, "ext-x")
	y := registerAutomator(t, h, "ext-y")

	shutdown := x.readUntil(protocol.TypeHubShutdown, 2*time.Second)
	require.Equal(t, "replaced", shutdown.GetString("reason"))

	// Y is now the automator and learns the requester roster.
	update := y.readUntil(protocol.TypeClientListUpdate, 2*time.Second)
	var listUpdate protocol.ClientListUpdate
	require.NoError(t, update.Into(&listUpdate))
	require.Empty(t, listUpdate.Clients)
}

func TestDuplicateRequesterIDGetsSuffix(t *testing.T) {
	h := startTestHub(t)

	first := dialTestHub(t, h)
	first.send(map[string]interface{}{
		"type":       protocol.TypeRegisterRequester,
		"clientInfo": map[string]interface{}{"id": "a", "name": "First"},
	})
	confirmed := first.readUntil(protocol.TypeRegistrationConfirmed, 2*time.Second)
	require.Equal(t, "a", confirmed.GetString("assignedId"))

	second := dialTestHub(t, h)
	second.send(map[string]interface{}{
		"type":       protocol.TypeRegisterRequester,
		"clientInfo": map[string]interface{}{"id": "a", "name": "Second"},
	})
	confirmed = second.readUntil(protocol.TypeRegistrationConfirmed, 2*time.Second)
	require.Equal(t, "a-2", confirmed.GetString("assignedId"))
}

func TestKeepaliveResponse(t *testing.T) {
	h := startTestHub(t)
	p := registerRequester(t, h, "a", "A")

	p.send(map[string]interface{}{"type": protocol.TypeKeepalive})

	resp := p.readUntil(protocol.TypeKeepaliveResponse, 2*time.Second)
	require.NotZero(t, resp.GetInt("serverTime"))
}

func TestClientListUpdateOnlyToAutomator(t *testing.T) {
	h := startTestHub(t)
	automator := registerAutomator(t, h, "ext-1")
	// The attach itself delivers an (empty) roster first.
	automator.readUntil(protocol.TypeClientListUpdate, 2*time.Second)
	a := registerRequester(t, h, "a", "A")

	update := automator.readUntil(protocol.TypeClientListUpdate, 2*time.Second)
	var listUpdate protocol.ClientListUpdate
	require.NoError(t, update.Into(&listUpdate))
	require.Len(t, listUpdate.Clients, 1)
	require.Equal(t, "a", listUpdate.Clients[0].ID)
	require.Equal(t, "A", listUpdate.Clients[0].Name)

	// Requesters never see the roster.
	frame, err := a.readFrame(300 * time.Millisecond)
	if err == nil {
		require.NotEqual(t, protocol.TypeClientListUpdate, frame.Type)
	}
}

func TestProgressAndWait(t *testing.T) {
	h := startTestHub(t)
	a := registerRequester(t, h, "a", "A")
	automator := registerAutomator(t, h, "ext-1")

	// Async dispatch: the request declares its operationId.
	a.send(map[string]interface{}{
		"type":        protocol.TypeRequest,
		"requestId":   "r1",
		"toolName":    "tab_send_message",
		"operationId": "op1",
		"params":      map[string]interface{}{"tabId": 42, "message": "hello"},
	})
	automator.readUntil(protocol.TypeRequest, 2*time.Second)

	// Subscribe before milestones arrive.
	a.send(map[string]interface{}{
		"type":      protocol.TypeRequest,
		"requestId": "r2",
		"toolName":  "await_operation",
		"params":    map[string]interface{}{"operationId": "op1", "timeoutMs": 30000},
	})
	time.Sleep(50 * time.Millisecond)

	for _, milestone := range []string{"input_filled", "send_clicked"} {
		automator.send(map[string]interface{}{
			"type":        protocol.TypeProgress,
			"operationId": "op1",
			"milestone":   milestone,
		})
	}
	automator.send(map[string]interface{}{
		"type":        protocol.TypeProgress,
		"operationId": "op1",
		"milestone":   "completed",
		"data":        map[string]interface{}{"tabId": 42},
	})

	// The requester observes the milestones in order and the await resolves;
	// the response and the final milestone may arrive in either order.
	seen := []string{}
	var waitResponse *protocol.Frame
	deadline := time.Now().Add(5 * time.Second)
	for (waitResponse == nil || len(seen) < 3) && time.Now().Before(deadline) {
		frame, err := a.readFrame(time.Until(deadline))
		require.NoError(t, err)
		switch frame.Type {
		case protocol.TypeProgress:
			seen = append(seen, frame.GetString("milestone"))
		case protocol.TypeResponse:
			require.Equal(t, "r2", frame.GetString("requestId"))
			waitResponse = frame
		}
	}
	require.Equal(t, []string{"input_filled", "send_clicked", "completed"}, seen)

	// ...and the await resolves with the terminal record.
	require.NotNil(t, waitResponse)
	record := resultOf(t, waitResponse)
	require.Equal(t, "completed", record["status"])
	terminal, ok := record["result"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, float64(42), terminal["tabId"])
}

func TestAwaitUnknownOperation(t *testing.T) {
	h := startTestHub(t)
	a := registerRequester(t, h, "a", "A")

	a.send(map[string]interface{}{
		"type":      protocol.TypeRequest,
		"requestId": "r1",
		"toolName":  "await_operation",
		"params":    map[string]interface{}{"operationId": "op-missing"},
	})

	errFrame := a.readUntil(protocol.TypeError, 2*time.Second)
	require.Equal(t, string(protocol.CodeUnknownOperation), errFrame.GetString("code"))
}

func TestCancelOperationIdempotent(t *testing.T) {
	h := startTestHub(t)
	a := registerRequester(t, h, "a", "A")
	automator := registerAutomator(t, h, "ext-1")

	a.send(map[string]interface{}{
		"type":        protocol.TypeRequest,
		"requestId":   "r1",
		"toolName":    "tab_send_message",
		"operationId": "op1",
	})
	automator.readUntil(protocol.TypeRequest, 2*time.Second)

	// First cancel: the operation is live, so the intent is forwarded.
	a.send(map[string]interface{}{
		"type":      protocol.TypeRequest,
		"requestId": "r2",
		"toolName":  "cancel_operation",
		"params":    map[string]interface{}{"operationId": "op1"},
	})
	cancelReq := automator.readUntil(protocol.TypeRequest, 2*time.Second)
	require.Equal(t, "cancel_operation", cancelReq.GetString("toolName"))

	// The automator honors it with a terminal milestone and acks.
	automator.send(map[string]interface{}{
		"type":        protocol.TypeProgress,
		"operationId": "op1",
		"milestone":   "cancelled",
	})
	automator.send(map[string]interface{}{
		"type":      protocol.TypeResponse,
		"requestId": "r2",
		"result":    map[string]interface{}{"cancelled": true},
	})
	a.readUntil(protocol.TypeResponse, 2*time.Second)

	// Second cancel after terminal: answered locally, no side effects.
	a.send(map[string]interface{}{
		"type":      protocol.TypeRequest,
		"requestId": "r3",
		"toolName":  "cancel_operation",
		"params":    map[string]interface{}{"operationId": "op1"},
	})
	resp := a.readUntil(protocol.TypeResponse, 2*time.Second)
	require.Equal(t, "r3", resp.GetString("requestId"))
	require.Equal(t, true, resultOf(t, resp)["alreadyTerminal"])
}

func TestResponseForGoneRequesterDropped(t *testing.T) {
	h := startTestHub(t)
	automator := registerAutomator(t, h, "ext-1")
	a := registerRequester(t, h, "gone", "Gone")
	automator.readUntil(protocol.TypeClientListUpdate, 2*time.Second)

	a.send(map[string]interface{}{
		"type":      protocol.TypeRequest,
		"requestId": "r5",
		"toolName":  "tab_create",
	})
	automator.readUntil(protocol.TypeRequest, 2*time.Second)

	// The requester drops mid-flight.
	a.ws.Close()
	automator.readUntil(protocol.TypeClientListUpdate, 2*time.Second)

	// The late response is dropped by the hub; the automator gets no error
	// back and the hub keeps running.
	automator.send(map[string]interface{}{
		"type":      protocol.TypeResponse,
		"requestId": "r5",
		"result":    map[string]interface{}{"tabId": 1},
	})

	_, err := automator.readFrame(300 * time.Millisecond)
	require.Error(t, err) // nothing arrives

	// Hub still healthy.
	b := registerRequester(t, h, "b", "B")
	b.send(map[string]interface{}{"type": protocol.TypeKeepalive})
	b.readUntil(protocol.TypeKeepaliveResponse, 2*time.Second)
}

func TestMalformedFrameGetsErrorAndConnectionSurvives(t *testing.T) {
	h := startTestHub(t)
	p := registerRequester(t, h, "a", "A")

	p.sendRaw(`this is not json`)

	errFrame := p.readUntil(protocol.TypeError, 2*time.Second)
	require.Empty(t, errFrame.GetString("requestId"))

	// Connection is intact.
	p.send(map[string]interface{}{"type": protocol.TypeKeepalive})
	p.readUntil(protocol.TypeKeepaliveResponse, 2*time.Second)
}

func TestControlTextIgnored(t *testing.T) {
	h := startTestHub(t)
	p := registerRequester(t, h, "a", "A")

	p.sendRaw("ping")
	p.sendRaw("pong")

	// No error frame; the connection still answers keepalives.
	p.send(map[string]interface{}{"type": protocol.TypeKeepalive})
	resp := p.readUntil(protocol.TypeKeepaliveResponse, 2*time.Second)
	require.Equal(t, protocol.TypeKeepaliveResponse, resp.Type)
}

func TestUnknownTypeFromUnassignedRejected(t *testing.T) {
	h := startTestHub(t)
	p := dialTestHub(t, h)
	p.readUntil(protocol.TypeWelcome, 2*time.Second)

	p.send(map[string]interface{}{"type": "request", "requestId": "r1"})

	errFrame := p.readUntil(protocol.TypeError, 2*time.Second)
	require.Equal(t, string(protocol.CodeUnknownMessageType), errFrame.GetString("code"))
}

func TestHubStatusTool(t *testing.T) {
	h := startTestHub(t)
	a := registerRequester(t, h, "a", "A")

	a.send(map[string]interface{}{
		"type":      protocol.TypeRequest,
		"requestId": "r1",
		"toolName":  "hub_status",
	})

	resp := a.readUntil(protocol.TypeResponse, 2*time.Second)
	status := resultOf(t, resp)
	require.Equal(t, "running", status["state"])
	require.Equal(t, float64(1), status["requesters"])
	require.Equal(t, false, status["automatorLive"])
}

func TestListClientsTool(t *testing.T) {
	h := startTestHub(t)
	a := registerRequester(t, h, "a", "A")
	registerRequester(t, h, "b", "B")

	a.send(map[string]interface{}{
		"type":      protocol.TypeRequest,
		"requestId": "r1",
		"toolName":  "list_clients",
	})

	resp := a.readUntil(protocol.TypeResponse, 2*time.Second)
	clients, ok := resultOf(t, resp)["clients"].([]interface{})
	require.True(t, ok)
	require.Len(t, clients, 2)
}

// Two requesters in a tight interleaved loop: every response lands at the
// requester that sent the matching request, never the other one.
func TestInterleavedRequestersNoMisdelivery(t *testing.T) {
	h := startTestHub(t)
	a := registerRequester(t, h, "a", "A")
	b := registerRequester(t, h, "b", "B")
	automator := registerAutomator(t, h, "ext-1")

	const perClient = 50

	// Echo automator: answers every request by requestId, letting the hub's
	// reverse lookup pick the target.
	go func() {
		for i := 0; i < 2*perClient; i++ {
			frame, err := automator.readFrame(5 * time.Second)
			if err != nil {
				return
			}
			if frame.Type != protocol.TypeRequest {
				i--
				continue
			}
			automator.send(map[string]interface{}{
				"type":      protocol.TypeResponse,
				"requestId": frame.GetString("requestId"),
				"result": map[string]interface{}{
					"echo": frame.GetString("sourceClientId"),
				},
			})
		}
	}()

	var wg sync.WaitGroup
	run := func(p *testPeer, clientID string) {
		defer wg.Done()
		for i := 0; i < perClient; i++ {
			requestID := fmt.Sprintf("%s-%d", clientID, i)
			p.send(map[string]interface{}{
				"type":      protocol.TypeRequest,
				"requestId": requestID,
				"toolName":  "tab_list",
			})
			resp := p.readUntil(protocol.TypeResponse, 5*time.Second)
			require.Equal(t, requestID, resp.GetString("requestId"))
			require.Equal(t, clientID, resultOf(t, resp)["echo"])
		}
	}

	wg.Add(2)
	go run(a, "a")
	go run(b, "b")
	wg.Wait()
}

func TestHealthEndpointDisabledByDefault(t *testing.T) {
	h := startTestHub(t)
	require.Nil(t, h.healthServer)
}
