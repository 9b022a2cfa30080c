package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Control message types from client. Control messages change membership
// only and are never broadcast.
const (
	MsgTypeJoin  = "join"
	MsgTypeLeave = "leave"
)

// Diagnostic action sent by the admin broadcast trigger.
const (
	ActionTest  = "test"
	TestPayload = "Hello from server!"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrMissingRoomID    = errors.New("roomId is required")
	ErrMissingAction    = errors.New("action is required")
	ErrMessageTooLarge  = errors.New("message too large")
)

// InboundMessage is what a client sends. Either Type names a control
// message, or Action carries a room-scoped action to broadcast.
type InboundMessage struct {
	Type   string          `json:"type,omitempty"`
	RoomID string          `json:"roomId"`
	Action string          `json:"action,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// IsControl reports whether the message only changes membership.
func (m *InboundMessage) IsControl() bool {
	return m.Type == MsgTypeJoin || m.Type == MsgTypeLeave
}

// OutboundMessage is what recipients get. It deliberately carries neither
// the room nor the sender.
type OutboundMessage struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ParseInbound decodes and validates a single client frame.
func ParseInbound(raw []byte) (*InboundMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrMalformedMessage
	}

	var msg InboundMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if msg.RoomID == "" {
		return nil, ErrMissingRoomID
	}
	if !msg.IsControl() && msg.Action == "" {
		return nil, ErrMissingAction
	}
	return &msg, nil
}

// EncodeOutbound renders the frame delivered to every recipient of one
// broadcast. data is forwarded as sent, compacted, without HTML escaping.
func EncodeOutbound(action string, data json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(&OutboundMessage{Action: action, Data: data}); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
