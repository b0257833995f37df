package websocket

import (
	"encoding/json"
	"time"
)

// MessageType identifies the type of WebSocket message.
type MessageType string

const (
	// Server -> Client event types
	TypeStatusUpdate MessageType = "status_update"
	TypeCommandAck   MessageType = "command_ack"
	TypeSystemLog    MessageType = "system_log"
	TypeHeartbeat    MessageType = "heartbeat"

	// Client -> Server command types
	TypePing MessageType = "ping"

	// Server -> Client response types
	TypePong  MessageType = "pong"
	TypeError MessageType = "error"
)

// Message represents a WebSocket message envelope.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload,omitempty"`
}

// NewMessage creates a message stamped with now.
func NewMessage(msgType MessageType, payload any, now time.Time) Message {
	return Message{
		Type:      msgType,
		Timestamp: now.UTC(),
		Payload:   payload,
	}
}

// JSON serializes the message to JSON bytes.
func (m Message) JSON() ([]byte, error) {
	return json.Marshal(m)
}

// ClientMessage is a command sent by a dashboard client.
type ClientMessage struct {
	Type MessageType `json:"type"`
}

// ErrorPayload is the payload for error messages.
type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	OriginalType string `json:"original_type,omitempty"`
}

// ParseClientMessage decodes a client command.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	err := json.Unmarshal(data, &msg)
	return msg, err
}
