package message

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/amigochat/realtime/internal/metrics"
)

// Archive results used as the "result" label of metrics.ArchivedMessages.
const (
	ArchiveStored   = "stored"
	ArchiveInvalid  = "invalid"
	ArchiveRejected = "rejected"
	ArchiveFailed   = "failed"
)

// Creator persists one message.
type Creator interface {
	Create(ctx context.Context, m *Message) error
}

// Archiver stores the events published for routed send-intents.
type Archiver struct {
	store   Creator
	timeout time.Duration
}

// NewArchiver creates an Archiver writing to store.
func NewArchiver(store Creator) *Archiver {
	return &Archiver{store: store, timeout: 5 * time.Second}
}

// Handle decodes one published event and stores it. It returns the archive
// result label.
func (a *Archiver) Handle(data []byte) string {
	result := a.handle(data)
	metrics.ArchivedMessages.WithLabelValues(result).Inc()
	return result
}

func (a *Archiver) handle(data []byte) string {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		log.Printf("[archiver] failed to unmarshal event: %v", err)
		return ArchiveInvalid
	}
	if e.SenderID == "" || e.ReceiverID == "" {
		log.Printf("[archiver] event %s missing sender or receiver", e.ID)
		return ArchiveInvalid
	}

	m := e.Message()
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	err := a.store.Create(ctx, &m)
	switch {
	case errors.Is(err, ErrInvalidText):
		log.Printf("[archiver] skipped event %s from=%s: %v", e.ID, e.SenderID, err)
		return ArchiveRejected
	case err != nil:
		log.Printf("[archiver] store event %s: %v", e.ID, err)
		return ArchiveFailed
	}
	return ArchiveStored
}
