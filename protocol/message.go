package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/NeuralCoder007/aws-a2a/errors"
)

// Version is the protocol version carried in registration payloads.
const Version = "1.0.0"

// MessageType identifies the purpose of a message.
type MessageType string

const (
	MsgDiscoveryRequest  MessageType = "discovery_request"
	MsgDiscoveryResponse MessageType = "discovery_response"
	MsgTaskRequest       MessageType = "task_request"
	MsgTaskResponse      MessageType = "task_response"
	MsgTaskUpdate        MessageType = "task_update"
	MsgHeartbeat         MessageType = "heartbeat"
	MsgRegistration      MessageType = "registration"
	MsgDeregistration    MessageType = "deregistration"
)

// MessageTypes lists every known message type.
var MessageTypes = []MessageType{
	MsgDiscoveryRequest,
	MsgDiscoveryResponse,
	MsgTaskRequest,
	MsgTaskResponse,
	MsgTaskUpdate,
	MsgHeartbeat,
	MsgRegistration,
	MsgDeregistration,
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	for _, known := range MessageTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseMessageType converts a raw string, rejecting unknown values.
func ParseMessageType(s string) (MessageType, error) {
	t := MessageType(strings.TrimSpace(s))
	if !t.Valid() {
		return "", errors.InvalidInput(fmt.Sprintf("Invalid message type: %s", s))
	}
	return t, nil
}

// Message attribute names set on every transport send.
const (
	AttrMessageType = "message_type"
	AttrSenderID    = "sender_id"
)

// Message is the envelope exchanged between agents.
type Message struct {
	MessageID     string         `json:"message_id"`
	MessageType   MessageType    `json:"message_type"`
	SenderID      string         `json:"sender_id"`
	RecipientID   string         `json:"recipient_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	ReplyTo       string         `json:"reply_to,omitempty"`

	// Transport holds the attributes a received message arrived with,
	// trace context included. It is not part of the encoded body.
	Transport map[string]string `json:"-"`
}

// NewMessage returns a message with a fresh ID and the current time.
func NewMessage(t MessageType, senderID, recipientID string, payload map[string]any) *Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Message{
		MessageID:   uuid.New().String(),
		MessageType: t,
		SenderID:    senderID,
		RecipientID: recipientID,
		Timestamp:   time.Now().UTC(),
		Payload:     payload,
	}
}

// Validate checks the envelope: ID, sender and type must be set and the
// timestamp must not lie in the future relative to now.
func (m *Message) Validate(now time.Time) error {
	var violations []string
	if m.MessageID == "" {
		violations = append(violations, "Message ID is required")
	}
	if m.SenderID == "" {
		violations = append(violations, "Sender ID is required")
	}
	if !m.MessageType.Valid() {
		violations = append(violations, fmt.Sprintf("Invalid message type: %s", m.MessageType))
	}
	if m.Timestamp.After(now) {
		violations = append(violations, "Message timestamp is in the future")
	}
	if len(violations) > 0 {
		return errors.Validation("invalid message", violations)
	}
	return nil
}

// Encode serializes the message for transport.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a transported message body.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.InvalidInput("malformed message body", errors.WithCause(err))
	}
	if m.Payload == nil {
		m.Payload = map[string]any{}
	}
	return &m, nil
}

// Size returns the encoded size in bytes.
func (m *Message) Size() int {
	data, err := m.Encode()
	if err != nil {
		return 0
	}
	return len(data)
}

// Attributes returns the transport attributes for the message.
func (m *Message) Attributes() map[string]string {
	return map[string]string{
		AttrMessageType: string(m.MessageType),
		AttrSenderID:    m.SenderID,
	}
}

// Reply returns a message addressed to the sender of m, correlated with it.
func (m *Message) Reply(t MessageType, senderID string, payload map[string]any) *Message {
	r := NewMessage(t, senderID, m.SenderID, payload)
	r.CorrelationID = m.MessageID
	if m.CorrelationID != "" {
		r.CorrelationID = m.CorrelationID
	}
	return r
}

// IsDiscovery reports whether the message belongs to the discovery exchange.
func (m *Message) IsDiscovery() bool {
	return m.MessageType == MsgDiscoveryRequest || m.MessageType == MsgDiscoveryResponse
}

// IsTask reports whether the message carries task traffic.
func (m *Message) IsTask() bool {
	switch m.MessageType {
	case MsgTaskRequest, MsgTaskResponse, MsgTaskUpdate:
		return true
	}
	return false
}

// IsSystem reports whether the message is a heartbeat or membership change.
func (m *Message) IsSystem() bool {
	switch m.MessageType {
	case MsgHeartbeat, MsgRegistration, MsgDeregistration:
		return true
	}
	return false
}

// PayloadString returns the string at key, or "".
func (m *Message) PayloadString(key string) string {
	s, _ := m.Payload[key].(string)
	return s
}

// PayloadStrings returns the string list at key. Both []string and the
// []any produced by JSON decoding are accepted.
func (m *Message) PayloadStrings(key string) []string {
	switch v := m.Payload[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return splitList(v)
	}
	return nil
}

// PayloadInt returns the integer at key, or def when absent or not numeric.
func (m *Message) PayloadInt(key string, def int) int {
	switch v := m.Payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

// PayloadFloat returns the float at key, or def.
func (m *Message) PayloadFloat(key string, def float64) float64 {
	switch v := m.Payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return def
}

// DecodePayload converts the value at key into dst through JSON.
func (m *Message) DecodePayload(key string, dst any) error {
	v, ok := m.Payload[key]
	if !ok {
		return errors.InvalidInput(fmt.Sprintf("payload is missing %q", key))
	}
	data, err := json.Marshal(v)
	if err != nil {
		return errors.InvalidInput(fmt.Sprintf("payload %q is not encodable", key), errors.WithCause(err))
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return errors.InvalidInput(fmt.Sprintf("payload %q has unexpected shape", key), errors.WithCause(err))
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
