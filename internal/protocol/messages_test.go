package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid identify message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Identify(t *testing.T) {
	input := []byte(`{"type":"identify","user_id":"alice"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeIdentify {
		t.Fatalf("expected type %q, got %q", TypeIdentify, msgType)
	}

	im, ok := msg.(IdentifyMsg)
	if !ok {
		t.Fatalf("expected IdentifyMsg, got %T", msg)
	}
	if im.UserID != "alice" {
		t.Errorf("expected user_id %q, got %q", "alice", im.UserID)
	}
	if im.Token != "" {
		t.Errorf("expected empty token, got %q", im.Token)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid send_message message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","sender_id":"alice","receiver_id":"bob","text":"hi"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.SenderID != "alice" || sm.ReceiverID != "bob" {
		t.Errorf("unexpected routing fields: %+v", sm)
	}
	if sm.Body() != "hi" {
		t.Errorf("expected text %q, got %q", "hi", sm.Body())
	}
}

func TestParseClientMessage_EmptyTextIsAccepted(t *testing.T) {
	input := []byte(`{"type":"send_message","sender_id":"alice","receiver_id":"bob","text":""}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sm := msg.(SendMessageMsg); sm.Text == nil || sm.Body() != "" {
		t.Errorf("expected present empty text, got %+v", sm)
	}
}

// ---------------------------------------------------------------------------
// Test: Malformed payloads are rejected with ErrInvalidPayload
// ---------------------------------------------------------------------------

func TestParseClientMessage_MissingFields(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"identify without user_id", `{"type":"identify"}`},
		{"identify with empty user_id", `{"type":"identify","user_id":""}`},
		{"send without receiver", `{"type":"send_message","sender_id":"a","text":"hi"}`},
		{"send without text", `{"type":"send_message","sender_id":"a","receiver_id":"b"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, msg, err := ParseClientMessage([]byte(tc.input))
			if err == nil {
				t.Fatal("expected an error, got nil")
			}
			if !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("expected ErrInvalidPayload, got %v", err)
			}
			if msg != nil {
				t.Errorf("expected nil message, got %v", msg)
			}
		})
	}
}

func TestParseClientMessage_WrongFieldType(t *testing.T) {
	input := []byte(`{"type":"identify","user_id":42}`)
	if _, _, err := ParseClientMessage(input); err == nil {
		t.Fatal("expected decode error, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a presence_update server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_PresenceUpdate(t *testing.T) {
	payload := PresenceUpdateMsg{
		Users: []PresenceEntry{
			{UserID: "alice", ConnectionID: "c1"},
			{UserID: "bob", ConnectionID: "c2"},
		},
	}

	data, err := NewServerMessage(TypePresenceUpdate, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded PresenceUpdateMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if decoded.Type != TypePresenceUpdate {
		t.Errorf("expected type %q, got %q", TypePresenceUpdate, decoded.Type)
	}
	if len(decoded.Users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(decoded.Users))
	}
	if decoded.Users[0] != payload.Users[0] || decoded.Users[1] != payload.Users[1] {
		t.Errorf("users out of order: %+v", decoded.Users)
	}
}

func TestNewServerMessage_Delivered(t *testing.T) {
	data, err := NewServerMessage(TypeMessage, DeliveredMsg{SenderID: "alice", Text: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeMessage {
		t.Errorf("expected type %q, got %v", TypeMessage, result["type"])
	}
	if result["sender_id"] != "alice" || result["text"] != "hi" {
		t.Errorf("unexpected payload: %v", result)
	}
	if _, ok := result["receiver_id"]; ok {
		t.Error("delivered message must not carry receiver_id")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"presence_update","users":[]}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for server-only message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != TypePresenceUpdate {
		t.Errorf("expected returned type %q, got %q", TypePresenceUpdate, msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"user_id":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"identify", `{"type":"identify","user_id":"u1"}`, TypeIdentify},
		{"identify with token", `{"type":"identify","user_id":"u1","token":"t"}`, TypeIdentify},
		{"send_message", `{"type":"send_message","sender_id":"u1","receiver_id":"u2","text":"x"}`, TypeSendMessage},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
