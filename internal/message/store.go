package message

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultHistoryLimit bounds Conversation when the caller passes no limit.
const DefaultHistoryLimit = 50

// MaxHistoryLimit is the largest page Conversation will return.
const MaxHistoryLimit = 200

// Store manages direct messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create validates and inserts a message. A zero ID or CreatedAt is filled
// in. Inserting an id that already exists is a no-op, so redelivered events
// are stored once.
func (s *Store) Create(ctx context.Context, m *Message) error {
	if err := ValidateMessage(m.Text); err != nil {
		return err
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO messages (id, sender_id, receiver_id, text, delivered, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		m.ID,
		m.SenderID,
		m.ReceiverID,
		m.Text,
		m.Delivered,
		m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("message: insert: %w", err)
	}
	return nil
}

// Conversation returns up to limit messages exchanged between users a and b
// in either direction, newest first.
func (s *Store) Conversation(ctx context.Context, a, b string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	const query = `
		SELECT id, sender_id, receiver_id, text, delivered, created_at
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2)
		   OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at DESC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, a, b, limit)
	if err != nil {
		return nil, fmt.Errorf("message: conversation: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Text, &m.Delivered, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("message: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: conversation rows: %w", err)
	}
	return out, nil
}
