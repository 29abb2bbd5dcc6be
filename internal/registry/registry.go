// Package registry tracks live authenticated connections, keyed by session
// code and sub-keyed by connection id. It is intentionally a separate, finer
// grained synchronization domain from hub state: the per-session serialized
// path and the transport-level disconnect path both touch it without holding
// any hub lock.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"classhub/pkg/types"
)

// Sender is the transport side of a connection. Send must be safe to call
// from any goroutine and must preserve the order of calls made by a single
// goroutine.
type Sender interface {
	Send(msg types.Outbound) error
	Close() error
}

// Entry is one registered connection. A participant may hold several entries
// at once (teacher on two tabs); each registration creates an independent one.
type Entry struct {
	ID              string
	Identity        types.Identity
	AuthenticatedAt time.Time

	sender Sender
}

// Send forwards a message to the connection's transport.
func (e *Entry) Send(msg types.Outbound) error {
	return e.sender.Send(msg)
}

// Close tears down the connection's transport.
func (e *Entry) Close() error {
	return e.sender.Close()
}

// Gate decides whether an identity may register for its session. Implemented
// by the hub manager so registration fails for unknown or ended sessions.
type Gate interface {
	Admit(identity types.Identity) error
}

// SessionHooks receive registry membership changes for one session. The
// owning hub installs them to do roster bookkeeping. Hooks are invoked with
// the registry lock held, in membership order; implementations must only
// enqueue and must not block or call back into the registry.
type SessionHooks interface {
	ConnectionRegistered(e *Entry)
	ConnectionRemoved(e *Entry)
}

// Registry is the process-wide connection table.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*Entry // sessionCode -> connID -> entry
	byID     map[string]*Entry            // connID -> entry
	hooks    map[string]SessionHooks      // sessionCode -> hooks
	gate     Gate
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]map[string]*Entry),
		byID:     make(map[string]*Entry),
		hooks:    make(map[string]SessionHooks),
	}
}

// SetGate installs the admission gate. Must be called before Register; split
// from New because the gate (hub manager) is constructed with the registry.
func (r *Registry) SetGate(gate Gate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gate = gate
}

// InstallHooks attaches the owning hub's membership hooks for a session.
func (r *Registry) InstallHooks(sessionCode string, hooks SessionHooks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[sessionCode] = hooks
}

// UninstallHooks detaches hooks at session teardown.
func (r *Registry) UninstallHooks(sessionCode string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hooks, sessionCode)
}

// Register admits the identity, creates an independent entry for this
// physical connection and notifies the session's hooks. Registering the same
// identity twice before the first entry is removed yields two entries.
func (r *Registry) Register(identity types.Identity, sender Sender) (*Entry, error) {
	r.mu.RLock()
	gate := r.gate
	r.mu.RUnlock()

	if gate != nil {
		if err := gate.Admit(identity); err != nil {
			return nil, err
		}
	}

	entry := &Entry{
		ID:              uuid.New().String(),
		Identity:        identity,
		AuthenticatedAt: time.Now(),
		sender:          sender,
	}

	r.mu.Lock()
	conns := r.sessions[identity.SessionCode]
	if conns == nil {
		conns = make(map[string]*Entry)
		r.sessions[identity.SessionCode] = conns
	}
	conns[entry.ID] = entry
	r.byID[entry.ID] = entry
	// The hook fires under the lock so a concurrent Remove of this entry
	// cannot report it gone before it was reported present. Hooks only
	// enqueue into the hub and never block.
	if hooks := r.hooks[identity.SessionCode]; hooks != nil {
		hooks.ConnectionRegistered(entry)
	}
	r.mu.Unlock()

	return entry, nil
}

// Remove deletes a connection. It is a no-op if the entry is already gone,
// which makes racing disconnect paths safe to run concurrently. Hooks fire
// exactly once per registered entry.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	entry, exists := r.byID[connID]
	if !exists {
		r.mu.Unlock()
		return
	}
	delete(r.byID, connID)
	code := entry.Identity.SessionCode
	if conns, ok := r.sessions[code]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.sessions, code)
		}
	}
	if hooks := r.hooks[code]; hooks != nil {
		hooks.ConnectionRemoved(entry)
	}
	r.mu.Unlock()
}

// Get returns the entry for a connection id.
func (r *Registry) Get(connID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.byID[connID]
	return entry, exists
}

// Snapshot returns a point-in-time copy of a session's connections. Iterating
// the result is always safe, entries removed after the snapshot simply fail
// delivery.
func (r *Registry) Snapshot(sessionCode string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.sessions[sessionCode]
	entries := make([]*Entry, 0, len(conns))
	for _, entry := range conns {
		entries = append(entries, entry)
	}
	return entries
}

// SnapshotRole returns the session connections held by the given role.
func (r *Registry) SnapshotRole(sessionCode, role string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var entries []*Entry
	for _, entry := range r.sessions[sessionCode] {
		if entry.Identity.Role == role {
			entries = append(entries, entry)
		}
	}
	return entries
}

// CountUser reports how many live connections a user holds in a session.
// The hub uses this to tell a tab closing from the student actually leaving.
func (r *Registry) CountUser(sessionCode, userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, entry := range r.sessions[sessionCode] {
		if entry.Identity.UserID == userID {
			n++
		}
	}
	return n
}

// Stats returns registry-wide counts for monitoring.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.byID),
		"active_sessions":   len(r.sessions),
	}
}
