package conversation

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Transport is the caller connection a session is bound to.
// A session refers to its transport but never closes it.
type Transport interface {
	RemoteAddr() string
}

// Session is one caller's conversation and its mutable state
type Session struct {
	ID        string
	CreatedAt time.Time

	transport    Transport
	history      *History
	alive        atomic.Bool
	lastActivity atomic.Int64
}

// NewSession creates a live session. An empty id is replaced with a UUID.
func NewSession(id string, transport Transport) *Session {
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now()
	s := &Session{
		ID:        id,
		CreatedAt: now,
		transport: transport,
		history:   NewHistory(),
	}
	s.alive.Store(true)
	s.lastActivity.Store(now.UnixNano())
	return s
}

// History returns the session's turn log
func (s *Session) History() *History {
	return s.history
}

// Transport returns the caller connection handle
func (s *Session) Transport() Transport {
	return s.transport
}

// Alive reports whether the session has not been closed
func (s *Session) Alive() bool {
	return s.alive.Load()
}

// MarkClosed flips the liveness flag and seals the history.
// It returns false if the session was already closed.
func (s *Session) MarkClosed() bool {
	if !s.alive.CompareAndSwap(true, false) {
		return false
	}
	s.history.Seal()
	return true
}

// Touch records inbound activity
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the last inbound activity
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// IdleFor returns how long the session has been without inbound activity
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity())
}
