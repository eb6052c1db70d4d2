package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeValidFrame(t *testing.T) {
	frame, err := Decode([]byte(`{"type":"request","timestamp":1712345678901,"requestId":"r1","toolName":"tab_create"}`))
	require.NoError(t, err)
	require.Equal(t, "request", frame.Type)
	require.Equal(t, "r1", frame.GetString("requestId"))
	require.Equal(t, "tab_create", frame.GetString("toolName"))
	require.Equal(t, int64(1712345678901), frame.GetInt("timestamp"))
}

func TestDecodeControlText(t *testing.T) {
	for _, payload := range []string{"ping", "pong", "  ping  "} {
		_, err := Decode([]byte(payload))
		require.ErrorIs(t, err, ErrControlText, "payload %q", payload)
	}
}

func TestDecodeRejectsNonObject(t *testing.T) {
	cases := [][]byte{
		[]byte(`"just a string"`),
		[]byte(`[1,2,3]`),
		[]byte(`not json at all`),
		[]byte(`{"timestamp":123}`),      // no type
		[]byte(`{"type":42}`),            // type not a string
		[]byte(`{"type":""}`),            // empty type
	}
	for _, data := range cases {
		_, err := Decode(data)
		require.Error(t, err, "payload %s", data)
		require.NotErrorIs(t, err, ErrControlText)
	}
}

// Forwarding must preserve fields the hub does not understand.
func TestEncodePreservesUnknownFields(t *testing.T) {
	raw := []byte(`{"type":"request","timestamp":1,"requestId":"r9","x_custom":{"nested":[1,2,3]},"futureField":"yes"}`)
	frame, err := Decode(raw)
	require.NoError(t, err)

	// Annotate the way the hub does on forward.
	frame.SetString("sourceClientId", "a")
	frame.SetInt("hubMessageId", 7)

	out, err := frame.Encode()
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.Equal(t, "yes", decoded["futureField"])
	require.Equal(t, "a", decoded["sourceClientId"])
	require.Equal(t, float64(7), decoded["hubMessageId"])

	nested, ok := decoded["x_custom"].(map[string]interface{})
	require.True(t, ok)
	require.Len(t, nested["nested"], 3)
}

func TestNewFrameCarriesTypeAndTimestamp(t *testing.T) {
	frame := NewFrame(TypeRequest)
	require.Equal(t, TypeRequest, frame.GetString("type"))
	require.NotZero(t, frame.GetInt("timestamp"))
}

func TestFrameInto(t *testing.T) {
	raw := []byte(`{"type":"progress","timestamp":5,"operationId":"op1","milestone":"input_filled","data":{"tabId":42}}`)
	frame, err := Decode(raw)
	require.NoError(t, err)

	var prog Progress
	require.NoError(t, frame.Into(&prog))
	require.Equal(t, "op1", prog.OperationID)
	require.Equal(t, "input_filled", prog.Milestone)

	var data struct {
		TabID int `json:"tabId"`
	}
	require.NoError(t, json.Unmarshal(prog.Data, &data))
	require.Equal(t, 42, data.TabID)
}

func TestErrorFrameShape(t *testing.T) {
	ef := NewErrorFrame("r2", CodeAutomatorNotConnected, "no browser extension is connected to the hub")

	data, err := json.Marshal(ef)
	require.NoError(t, err)

	frame, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, TypeError, frame.Type)
	require.Equal(t, "r2", frame.GetString("requestId"))
	require.Equal(t, string(CodeAutomatorNotConnected), frame.GetString("code"))
	require.NotEmpty(t, frame.GetString("message"))
}

func TestErrorFrameOmitsEmptyRequestID(t *testing.T) {
	data, err := json.Marshal(NewErrorFrame("", CodeUnknownMessageType, "bad frame"))
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	_, present := decoded["requestId"]
	require.False(t, present)
}
