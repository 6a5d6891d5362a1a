package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ConnPrefix is the Redis key prefix for connection hashes.
	ConnPrefix = "conn:"

	// OnlinePrefix is the Redis key prefix for the user -> connection index.
	OnlinePrefix = "online:"

	// SessionTTL is the time-to-live for mirror keys in Redis. Entries of a
	// crashed server expire on their own.
	SessionTTL = 1 * time.Hour
)

// Session is the mirrored state of one WebSocket connection.
type Session struct {
	ConnID     string `redis:"conn_id"`
	UserID     string `redis:"user_id"` // empty until identified
	Server     string `redis:"server"`  // which WS server instance
	RemoteIP   string `redis:"remote_ip"`
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Identified reports whether the connection has been bound to a user.
func (s *Session) Identified() bool {
	return s.UserID != ""
}

// deleteLua removes the connection hash and, if the online index still points
// at this connection, the index entry too.
const deleteLua = `
local user = redis.call('HGET', KEYS[1], 'user_id')
redis.call('DEL', KEYS[1])
if user and user ~= '' then
  local key = ARGV[1] .. user
  if redis.call('GET', key) == ARGV[2] then
    redis.call('DEL', key)
  end
end
return 1
`

// Store manages the connection mirror in Redis.
type Store struct {
	client       *redis.Client
	serverName   string // identifier for this WS server instance
	deleteScript *redis.Script
}

// NewStore creates a mirror store on an existing Redis client and verifies
// the connection.
func NewStore(client *redis.Client, serverName string) (*Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{
		client:       client,
		serverName:   serverName,
		deleteScript: redis.NewScript(deleteLua),
	}, nil
}

// Create stores a new, unidentified connection with a 1h TTL.
func (s *Store) Create(ctx context.Context, connID, remoteIP string) error {
	key := ConnPrefix + connID
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"conn_id":     connID,
		"user_id":     "",
		"server":      s.serverName,
		"remote_ip":   remoteIP,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetUser records the identity bound to connID and points the online index
// for userID at it.
func (s *Store) SetUser(ctx context.Context, connID, userID string) error {
	key := ConnPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "user_id", userID, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	pipe.Set(ctx, OnlinePrefix+userID, connID, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a mirrored connection. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, ConnPrefix+connID).Scan(&sess); err != nil {
		return nil, err
	}
	if sess.ConnID == "" {
		return nil, nil
	}
	return &sess, nil
}

// OnlineConnection returns the connection id a user is bound to, or "" if
// the user is not online on any server.
func (s *Store) OnlineConnection(ctx context.Context, userID string) (string, error) {
	connID, err := s.client.Get(ctx, OnlinePrefix+userID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return connID, err
}

// RefreshTTL extends the TTL of a connection and its online index entry.
func (s *Store) RefreshTTL(ctx context.Context, connID string) error {
	sess, err := s.Get(ctx, connID)
	if err != nil || sess == nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, ConnPrefix+connID, SessionTTL)
	if sess.Identified() {
		pipe.Expire(ctx, OnlinePrefix+sess.UserID, SessionTTL)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Delete removes a connection from the mirror.
func (s *Store) Delete(ctx context.Context, connID string) error {
	return s.deleteScript.Run(ctx, s.client, []string{ConnPrefix + connID}, OnlinePrefix, connID).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
