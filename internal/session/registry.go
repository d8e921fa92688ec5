package session

import (
	"sync"

	"github.com/superiorsd10/rubberduck-mcp/internal/wire"
)

// Registry indexes live sessions by client id and lists them by role in
// registration order. Reads happen on every routing decision; mutation only
// on register and teardown.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*Session
	ordered []*Session
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Session)}
}

// Add records a session. Fails with ErrDuplicateID when the id already
// identifies a live session.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[s.ID()]; exists {
		return ErrDuplicateID
	}
	r.byID[s.ID()] = s
	r.ordered = append(r.ordered, s)
	return nil
}

// Remove drops the session with the given id and returns it, or nil when no
// such session exists.
func (r *Registry) Remove(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, exists := r.byID[id]
	if !exists {
		return nil
	}
	delete(r.byID, id)
	for i, candidate := range r.ordered {
		if candidate == s {
			r.ordered = append(r.ordered[:i], r.ordered[i+1:]...)
			break
		}
	}
	return s
}

// Get looks a session up by client id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// ByRole returns the live sessions with the given role, earliest
// registration first. The slice is a copy.
func (r *Registry) ByRole(role wire.Role) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.ordered))
	for _, s := range r.ordered {
		if s.Role() == role {
			out = append(out, s)
		}
	}
	return out
}

// All returns every live session, earliest registration first.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Counts reports the number of live producers and consumers.
func (r *Registry) Counts() (producers, consumers int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.ordered {
		switch s.Role() {
		case wire.RoleProducer:
			producers++
		case wire.RoleConsumer:
			consumers++
		}
	}
	return producers, consumers
}
