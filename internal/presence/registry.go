// Package presence tracks which parties currently hold a live signaling
// connection. The registry is the single source of truth for reachability:
// an absent entry means offline, definitively.
package presence

import (
	"sync"

	"github.com/google/uuid"
)

// Conn is a live connection handle capable of delivering signaling events.
// The WebSocket client type implements it.
type Conn interface {
	Send(event string, payload interface{}) error
}

// Registry maps a party's stable identity to its current connection handle.
// At most one live handle exists per identity; a fresh registration replaces
// any prior one.
type Registry struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]Conn
}

// NewRegistry creates an empty presence registry
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[uuid.UUID]Conn),
	}
}

// Register binds identity to conn, replacing any prior handle. The replaced
// handle is stale from this point on and must not receive further messages.
func (r *Registry) Register(identity uuid.UUID, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[identity] = conn
}

// Lookup returns the current handle for identity, or false when offline
func (r *Registry) Lookup(identity uuid.UUID) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.entries[identity]
	return conn, ok
}

// Remove deletes the entry for identity only if the stored handle is still
// conn. A disconnect event for a handle that has already been superseded by
// a reconnection must not evict the newer entry.
func (r *Registry) Remove(identity uuid.UUID, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.entries[identity]
	if !ok || current != conn {
		return false
	}

	delete(r.entries, identity)
	return true
}

// Len returns the number of registered identities
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
