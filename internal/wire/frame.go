// Package wire defines the JSON frame format spoken on a gateway channel.
// Every frame is a single WebSocket text message.
package wire

import (
	"encoding/json"
	"fmt"
)

// Frame types.
const (
	TypePing     = "ping"
	TypePong     = "pong"
	TypeCommand  = "command"
	TypeRotate   = "rotate_operations_key"
	TypeTimeSync = "time_sync"
)

// Frame is the envelope for all hub<->gateway traffic.
type Frame struct {
	Type    string          `json:"type"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals a frame for transmission.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// Decode parses a received frame and validates its type field.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("decode frame: missing type")
	}
	return f, nil
}

// NewFrame builds a frame with a marshaled payload.
func NewFrame(frameType string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Type: frameType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", frameType, err)
	}
	return Frame{Type: frameType, Payload: data}, nil
}

// CommandPayload is the body of a TypeCommand frame.
type CommandPayload struct {
	CommandID       string   `json:"command_id"`
	Command         string   `json:"command"`
	TargetDeviceIDs []string `json:"target_device_ids"`
	UserID          string   `json:"user_id,omitempty"`
}

// RotatePayload is the body of a TypeRotate frame. Payload holds the exact
// signed bytes; gateways must verify Signature over Payload with their
// embedded root public key before trusting the new operations key inside.
type RotatePayload struct {
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}
