package orchestrator

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/harun/parley/pkg/conversation"
)

// sessionEntry is a live session plus the runtime state the orchestrator keeps for it
type sessionEntry struct {
	session *conversation.Session
	lane    string
	ctx     context.Context
	cancel  context.CancelFunc
	// slots caps the session's in-flight tool calls
	slots *semaphore.Weighted
}

// SessionStore keeps live sessions in memory. Sessions do not survive a restart.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

// NewSessionStore creates an empty store
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*sessionEntry)}
}

// add registers an entry; it returns false if the id is taken
func (s *SessionStore) add(e *sessionEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[e.session.ID]; exists {
		return false
	}
	s.sessions[e.session.ID] = e
	return true
}

func (s *SessionStore) get(id string) (*sessionEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.sessions[id]
	return e, ok
}

// remove deletes and returns an entry
func (s *SessionStore) remove(id string) (*sessionEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	return e, ok
}

func (s *SessionStore) entries() []*sessionEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*sessionEntry, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].session.CreatedAt.Before(out[j].session.CreatedAt)
	})
	return out
}

// Len returns the number of live sessions
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
