// Package protocol defines the tabhub wire protocol: JSON objects, one per
// websocket text frame, discriminated by a string "type" field.
package protocol

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/teranos/tabhub/errors"
)

// ErrControlText marks inbound text frames that carry bare "ping"/"pong"
// strings instead of JSON. They are ignored, not errors worth logging.
var ErrControlText = errors.New("control text frame")

// Frame is a decoded wire message. Every field is kept raw so that
// forwarding preserves fields the hub does not understand.
type Frame struct {
	Type   string
	fields map[string]json.RawMessage
}

// Decode parses a raw websocket text payload into a Frame.
// Returns ErrControlText for bare "ping"/"pong" strings; any other payload
// that is not a JSON object with a string "type" is a decode error.
func Decode(data []byte) (*Frame, error) {
	trimmed := bytes.TrimSpace(data)
	if s := string(trimmed); s == "ping" || s == "pong" {
		return nil, ErrControlText
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, errors.Wrap(err, "frame is not a JSON object")
	}

	var typ string
	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &typ); err != nil {
			return nil, errors.New(`frame "type" is not a string`)
		}
	}
	if typ == "" {
		return nil, errors.New(`frame has no string "type"`)
	}

	return &Frame{Type: typ, fields: fields}, nil
}

// NewFrame creates an outbound frame with type and timestamp set.
func NewFrame(msgType string) *Frame {
	f := &Frame{Type: msgType, fields: make(map[string]json.RawMessage)}
	f.SetString("type", msgType)
	f.SetInt("timestamp", NowMillis())
	return f
}

// Encode serializes the frame, unknown fields included.
func (f *Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f.fields)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode frame")
	}
	return data, nil
}

// GetString returns the named field as a string, or "" if absent or not a string.
func (f *Frame) GetString(key string) string {
	raw, ok := f.fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// GetInt returns the named field as an int64, or 0 if absent or not numeric.
func (f *Frame) GetInt(key string) int64 {
	raw, ok := f.fields[key]
	if !ok {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0
	}
	return n
}

// Has reports whether the named field is present.
func (f *Frame) Has(key string) bool {
	_, ok := f.fields[key]
	return ok
}

// Raw returns the named field's raw JSON, if present.
func (f *Frame) Raw(key string) (json.RawMessage, bool) {
	raw, ok := f.fields[key]
	return raw, ok
}

// SetString sets the named field to a string value.
func (f *Frame) SetString(key, value string) {
	data, _ := json.Marshal(value)
	f.fields[key] = data
}

// SetInt sets the named field to an integer value.
func (f *Frame) SetInt(key string, value int64) {
	data, _ := json.Marshal(value)
	f.fields[key] = data
}

// Set marshals an arbitrary value into the named field.
func (f *Frame) Set(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "failed to set frame field %q", key)
	}
	f.fields[key] = data
	return nil
}

// Into unmarshals the whole frame into a typed struct.
func (f *Frame) Into(v interface{}) error {
	data, err := json.Marshal(f.fields)
	if err != nil {
		return errors.Wrap(err, "failed to re-encode frame")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "failed to decode %s frame", f.Type)
	}
	return nil
}

// NowMillis returns the current wall time in milliseconds since the epoch,
// the timestamp unit every frame carries.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
