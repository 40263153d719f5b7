// Package registry maps authenticated user identities to the connection
// currently serving them. At most one session exists per user; registering a
// second connection displaces the first.
package registry

import (
	"sync"

	"github.com/seenspeak/seenspeak/internal/protocol"
)

// Peer is the connection surface the registry and its consumers need.
// Implemented by the ws connection; kept narrow so call signaling and the
// caption fan-out never touch transport details.
type Peer interface {
	// UserID returns the authenticated user bound to this connection.
	UserID() string

	// Enqueue places a message on the connection's outbound queue without
	// blocking. Returns false if the queue is full or the connection is
	// closing; the frame is dropped.
	Enqueue(m *protocol.Message) bool

	// EnqueueWait is like Enqueue but blocks up to the connection's send
	// grace period before giving up.
	EnqueueWait(m *protocol.Message) bool

	// Close tears the connection down. Idempotent.
	Close()

	// CloseWithNotice delivers one final frame ahead of the queue, then
	// closes. Used to tell a displaced session why it was cut off.
	CloseWithNotice(m *protocol.Message)
}

// Registry is the process-wide user -> session map. All mutations are
// serialized behind one mutex; lookups take the read lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Peer
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]Peer)}
}

// Register binds p as the session for its user. If another connection holds
// the session, it is removed from the registry and returned so the caller can
// end its calls and close it; otherwise the returned Peer is nil.
func (r *Registry) Register(p Peer) Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	prior := r.sessions[p.UserID()]
	r.sessions[p.UserID()] = p
	if prior == p {
		return nil
	}
	return prior
}

// Unregister removes the binding for p's user, but only if p still owns it.
// A connection displaced by a newer session must not tear down its
// replacement on close.
func (r *Registry) Unregister(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[p.UserID()] == p {
		delete(r.sessions, p.UserID())
	}
}

// Lookup returns the connection serving userID, if any.
func (r *Registry) Lookup(userID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.sessions[userID]
	return p, ok
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
