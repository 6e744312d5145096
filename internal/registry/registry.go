// Package registry tracks which live transport session belongs to which
// authenticated user. It is the only process-wide mutable state in the
// server; everything else flows through the stores or the wire.
package registry

import "sync"

// Registry is a concurrency-safe mapping between session ids and user ids.
// Anonymous sessions are never entered. Lookups by session id are O(1);
// the reverse index keeps targeted delivery O(1) in the number of the
// user's own sessions.
type Registry struct {
	mu        sync.RWMutex
	bySession map[string]int64
	byUser    map[int64]map[string]struct{}
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		bySession: make(map[string]int64),
		byUser:    make(map[int64]map[string]struct{}),
	}
}

// Bind associates a session with a user. Rebinding an existing session
// replaces the previous association.
func (r *Registry) Bind(sessionID string, userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.bySession[sessionID]; ok {
		r.dropFromUser(prev, sessionID)
	}
	r.bySession[sessionID] = userID
	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[string]struct{})
		r.byUser[userID] = set
	}
	set[sessionID] = struct{}{}
}

// Unbind removes a session's association. Unbinding an unknown (or
// anonymous) session is a no-op.
func (r *Registry) Unbind(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.bySession[sessionID]
	if !ok {
		return
	}
	delete(r.bySession, sessionID)
	r.dropFromUser(userID, sessionID)
}

// UserOf returns the user bound to a session, or false for anonymous or
// unknown sessions.
func (r *Registry) UserOf(sessionID string) (int64, bool) {
	r.mu.RLock()
	userID, ok := r.bySession[sessionID]
	r.mu.RUnlock()
	return userID, ok
}

// SessionsOf returns a snapshot of the session ids currently bound to the
// user. The slice is empty when the user has no live sessions.
func (r *Registry) SessionsOf(userID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	sessions := make([]string, 0, len(set))
	for id := range set {
		sessions = append(sessions, id)
	}
	return sessions
}

// Count returns the number of bound (authenticated) sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.bySession)
	r.mu.RUnlock()
	return n
}

func (r *Registry) dropFromUser(userID int64, sessionID string) {
	set, ok := r.byUser[userID]
	if !ok {
		return
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(r.byUser, userID)
	}
}
