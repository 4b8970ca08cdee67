package server

import "sync"

// Registry is the set of Active sessions eligible to receive broadcasts.
// Membership changes and snapshots are serialized by one lock; sends happen
// outside it on a snapshot.
type Registry struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
	closed   bool
}

// NewRegistry creates an empty, open registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[*Session]struct{}),
	}
}

// Add inserts s. It returns false if s is already a member or the registry
// has been drained for shutdown.
func (r *Registry) Add(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	if _, exists := r.sessions[s]; exists {
		return false
	}
	r.sessions[s] = struct{}{}
	return true
}

// Remove deletes s and reports whether it was a member.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s]; !exists {
		return false
	}
	delete(r.sessions, s)
	return true
}

// RemoveAll deletes every listed session in one critical section and returns
// the ones that were still members.
func (r *Registry) RemoveAll(sessions []*Session) []*Session {
	if len(sessions) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		if _, exists := r.sessions[s]; exists {
			delete(r.sessions, s)
			removed = append(removed, s)
		}
	}
	return removed
}

// Contains reports whether s is a member.
func (r *Registry) Contains(s *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.sessions[s]
	return exists
}

// Len returns the number of members.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns a copy of the current membership.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Drain empties the registry, refuses further Adds, and returns the former
// members so the caller can close them.
func (r *Registry) Drain() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[*Session]struct{})
	return sessions
}
