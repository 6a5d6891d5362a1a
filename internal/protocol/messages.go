// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeIdentify    = "identify"
	TypeSendMessage = "send_message"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeConnected      = "connected"
	TypePresenceUpdate = "presence_update"
	TypeMessage        = "message"
	TypeRateLimited    = "rate_limited"
	TypePong           = "pong"
)

// ErrInvalidPayload is wrapped by ParseClientMessage when a known message type
// is missing a required field.
var ErrInvalidPayload = errors.New("protocol: invalid payload")

var validate = validator.New()

// ---------------------------------------------------------------------------
// Envelope: initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// IdentifyMsg binds the connection to a user identity issued by the REST API.
// Token is only checked when the server runs with strict identity enabled.
type IdentifyMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id" validate:"required"`
	Token  string `json:"token,omitempty"`
}

// SendMessageMsg is a send-intent. Text is a pointer so that an explicitly
// empty string is accepted while a missing field is rejected.
type SendMessageMsg struct {
	Type       string  `json:"type"`
	SenderID   string  `json:"sender_id"`
	ReceiverID string  `json:"receiver_id" validate:"required"`
	Text       *string `json:"text" validate:"required"`
}

// Body returns the message text, or "" when it was never set.
func (m SendMessageMsg) Body() string {
	if m.Text == nil {
		return ""
	}
	return *m.Text
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent by the server right after the upgrade and carries the
// connection id assigned by the transport.
type ConnectedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
}

// PresenceEntry is one bound session in a presence update.
type PresenceEntry struct {
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
}

// PresenceUpdateMsg carries the full presence set, in insertion order.
type PresenceUpdateMsg struct {
	Type  string          `json:"type"`
	Users []PresenceEntry `json:"users"`
}

// DeliveredMsg is a direct message relayed to its recipient.
type DeliveredMsg struct {
	Type     string `json:"type"`
	SenderID string `json:"sender_id"`
	Text     string `json:"text"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing or validation. An error is returned for unknown
// or server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeIdentify:
		var m IdentifyMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = check(m)
		}
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = check(m)
		}
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

func check(m interface{}) error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
