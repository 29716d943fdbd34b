// ABOUTME: JSON frame codec for the realtime messaging wire protocol
// ABOUTME: Every frame is {type, payload}; ping/pong are reserved for heartbeats

package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Reserved and application frame types.
const (
	TypePing    = "ping"
	TypePong    = "pong"
	TypeMessage = "message"
	TypeBlock   = "block"
	TypeUnblock = "unblock"
)

// ErrMalformedFrame is returned when an inbound frame cannot be decoded.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is the envelope for everything sent over the connection.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Heartbeat is the optional payload of ping and pong frames.
type Heartbeat struct {
	TS int64 `json:"ts,omitempty"` // unix millis
}

// Encode builds a frame of the given type. A nil payload produces a frame
// without a payload field.
func Encode(frameType string, payload any) ([]byte, error) {
	if frameType == "" {
		return nil, fmt.Errorf("encoding frame: empty type")
	}
	f := Frame{Type: frameType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", frameType, err)
		}
		f.Payload = raw
	}
	return json.Marshal(f)
}

// Decode parses a raw frame. Frames without a type, or that are not a JSON
// object, are rejected with ErrMalformedFrame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Frame{}, fmt.Errorf("%w: not a JSON object", ErrMalformedFrame)
	}
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	if bytes.Equal(f.Payload, []byte("null")) {
		f.Payload = nil
	}
	return f, nil
}

// DecodePayload unmarshals the frame payload into v.
func (f Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%w: %s frame has no payload", ErrMalformedFrame, f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, f.Type, err)
	}
	return nil
}

// Ping returns an encoded ping frame stamped with t.
func Ping(t time.Time) []byte {
	data, _ := Encode(TypePing, Heartbeat{TS: t.UnixMilli()})
	return data
}

// Pong returns an encoded pong frame echoing ts.
func Pong(ts int64) []byte {
	if ts == 0 {
		data, _ := Encode(TypePong, nil)
		return data
	}
	data, _ := Encode(TypePong, Heartbeat{TS: ts})
	return data
}

// HeartbeatTS extracts the timestamp from a ping or pong frame. Frames
// without a payload report zero.
func (f Frame) HeartbeatTS() int64 {
	if len(f.Payload) == 0 {
		return 0
	}
	var hb Heartbeat
	if err := json.Unmarshal(f.Payload, &hb); err != nil {
		return 0
	}
	return hb.TS
}
