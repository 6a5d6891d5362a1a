// Package message holds direct messages as the collaborator persistence layer
// sees them: the event published for every routed send-intent, its content
// rules, and the PostgreSQL history store.
package message

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxMessageBytes = 4096 // 4KB max stored text
	MaxTextChars    = 2000 // max character count
)

// ErrInvalidText is wrapped by ValidateMessage.
var ErrInvalidText = errors.New("message: invalid text")

// Message is one persisted direct message.
type Message struct {
	ID         uuid.UUID `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Text       string    `json:"text"`
	Delivered  bool      `json:"delivered"`
	CreatedAt  time.Time `json:"created_at"`
}

// Event is the payload published on chat.message.sent for every routed
// send-intent, whether or not the recipient was online.
type Event struct {
	ID         string `json:"id"`
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Text       string `json:"text"`
	Delivered  bool   `json:"delivered"`
	Ts         int64  `json:"ts"` // unix millis
}

// NewEvent stamps a new event with a fresh id and the current time.
func NewEvent(senderID, receiverID, text string, delivered bool) Event {
	return Event{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Text:       text,
		Delivered:  delivered,
		Ts:         time.Now().UnixMilli(),
	}
}

// Message converts the event to its stored form. An unparsable id gets a
// fresh one.
func (e Event) Message() Message {
	id, err := uuid.Parse(e.ID)
	if err != nil {
		id = uuid.New()
	}
	return Message{
		ID:         id,
		SenderID:   e.SenderID,
		ReceiverID: e.ReceiverID,
		Text:       e.Text,
		Delivered:  e.Delivered,
		CreatedAt:  time.UnixMilli(e.Ts).UTC(),
	}
}

// ValidateMessage checks that a message meets the storage content rules.
// The realtime path relays any text, including empty text; only persistence
// applies these limits.
func ValidateMessage(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("%w: text is empty", ErrInvalidText)
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: exceeds %d byte limit", ErrInvalidText, MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: contains invalid UTF-8", ErrInvalidText)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: exceeds %d character limit", ErrInvalidText, MaxTextChars)
	}
	return nil
}
