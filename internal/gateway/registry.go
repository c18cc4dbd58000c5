package gateway

import (
	"sync"

	"github.com/google/uuid"
)

// connKey identifies one logical connection slot: a user's device.
type connKey struct {
	userID   uuid.UUID
	deviceID uuid.UUID
}

// Registry tracks the single live Connection for each (user, device) pair.
// A new connection for a key already held evicts the old one by dropping
// its sender, the same cancellation signal used throughout this system.
type Registry struct {
	mu    sync.Mutex
	conns map[connKey]*Connection
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[connKey]*Connection)}
}

// Put registers conn for (userID, deviceID), evicting and returning any
// connection it displaces so the caller can close it outside the lock.
func (r *Registry) Put(userID, deviceID uuid.UUID, conn *Connection) *Connection {
	key := connKey{userID, deviceID}
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.conns[key]
	r.conns[key] = conn
	return old
}

// Remove deletes the registry entry for (userID, deviceID) if it still
// points at conn. A connection that has already been evicted by a newer
// one for the same key must not remove the newer entry on its own exit.
func (r *Registry) Remove(userID, deviceID uuid.UUID, conn *Connection) {
	key := connKey{userID, deviceID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[key]; ok && cur == conn {
		delete(r.conns, key)
	}
}

// Get returns the live connection for (userID, deviceID), if any.
func (r *Registry) Get(userID, deviceID uuid.UUID) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connKey{userID, deviceID}]
	return c, ok
}

// Count reports how many connections are currently registered.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
