// Package presence owns the process-wide table of bound sessions (who is
// online, on which connection) and the announcement of that table to every
// connected client.
package presence

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/samber/lo"

	"github.com/amigochat/realtime/internal/protocol"
)

// Session binds a user identity to one live transport connection.
type Session struct {
	UserID       string
	ConnectionID string
}

// Set is a point-in-time copy of the registry in insertion order. Version
// increases by one on every change, so two sets taken from the same registry
// can be ordered.
type Set struct {
	Version  uint64
	Sessions []Session
}

// Len returns the number of sessions in the set.
func (s Set) Len() int {
	return len(s.Sessions)
}

// Contains reports whether userID is bound in the set.
func (s Set) Contains(userID string) bool {
	return lo.ContainsBy(s.Sessions, func(sess Session) bool {
		return sess.UserID == userID
	})
}

// Entries converts the set to its wire representation. The result is never
// nil so that it encodes as an empty JSON array.
func (s Set) Entries() []protocol.PresenceEntry {
	return lo.Map(s.Sessions, func(sess Session, _ int) protocol.PresenceEntry {
		return protocol.PresenceEntry{UserID: sess.UserID, ConnectionID: sess.ConnectionID}
	})
}

// Registry maps user identities to at most one live connection each. All
// reads and writes go through a single mutex and no I/O happens under it.
// The first binding of an identity wins; later announcements for the same
// identity, from any connection, are ignored until it is removed.
type Registry struct {
	mu      sync.Mutex
	order   *list.List               // of Session, insertion order
	byUser  map[string]*list.Element // user_id -> element
	byConn  map[string]*list.Element // connection_id -> element
	version uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		order:  list.New(),
		byUser: make(map[string]*list.Element),
		byConn: make(map[string]*list.Element),
	}
}

// Add binds userID to connID unless userID is already bound, or connID is
// already bound to some identity. It returns the resulting set and whether
// the table changed.
func (r *Registry) Add(userID, connID string) (Set, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byUser[userID]; ok {
		return r.snapshotLocked(), false
	}
	if _, ok := r.byConn[connID]; ok {
		return r.snapshotLocked(), false
	}

	el := r.order.PushBack(Session{UserID: userID, ConnectionID: connID})
	r.byUser[userID] = el
	r.byConn[connID] = el
	r.version++
	return r.snapshotLocked(), true
}

// Remove unbinds whatever identity connID carries. It returns the resulting
// set and whether the table changed.
func (r *Registry) Remove(connID string) (Set, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	el, ok := r.byConn[connID]
	if !ok {
		return r.snapshotLocked(), false
	}

	sess := el.Value.(Session)
	if r.byUser[sess.UserID] != el {
		// Both indexes are written together under mu; a mismatch means the
		// table was mutated outside this type.
		panic(fmt.Sprintf("presence: index mismatch for user=%s conn=%s", sess.UserID, connID))
	}

	r.order.Remove(el)
	delete(r.byConn, connID)
	delete(r.byUser, sess.UserID)
	r.version++
	return r.snapshotLocked(), true
}

// Lookup returns the live session for userID, if any.
func (r *Registry) Lookup(userID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	el, ok := r.byUser[userID]
	if !ok {
		return Session{}, false
	}
	return el.Value.(Session), true
}

// Snapshot returns the current set.
func (r *Registry) Snapshot() Set {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Len returns the number of bound sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

func (r *Registry) snapshotLocked() Set {
	sessions := make([]Session, 0, r.order.Len())
	for el := r.order.Front(); el != nil; el = el.Next() {
		sessions = append(sessions, el.Value.(Session))
	}
	return Set{Version: r.version, Sessions: sessions}
}
