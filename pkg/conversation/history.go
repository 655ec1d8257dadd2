package conversation

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrSessionClosed is returned when appending to a closed session
	ErrSessionClosed = errors.New("session closed")
	// ErrInvalidTurn is returned for turns missing required fields
	ErrInvalidTurn = errors.New("invalid turn")
	// ErrDuplicateCall is returned when a call id is reused within a session
	ErrDuplicateCall = errors.New("duplicate tool call id")
	// ErrOrphanResult is returned when a tool result has no preceding tool call
	ErrOrphanResult = errors.New("tool result without tool call")
	// ErrDuplicateResult is returned when a tool call already has a result
	ErrDuplicateResult = errors.New("tool call already resolved")
)

// History is the ordered, append-only turn log of one session
type History struct {
	mu      sync.RWMutex
	turns   []Turn
	calls   map[string]bool // call id -> resolved
	nextSeq int64
	sealed  bool
	now     func() time.Time
}

// NewHistory creates an empty history
func NewHistory() *History {
	return &History{
		calls: make(map[string]bool),
		now:   time.Now,
	}
}

// Append validates and appends a turn, assigning its sequence number and timestamp
func (h *History) Append(turn Turn) (Turn, error) {
	if err := turn.validate(); err != nil {
		return Turn{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sealed {
		return Turn{}, ErrSessionClosed
	}

	switch turn.Kind {
	case KindToolCall:
		if _, exists := h.calls[turn.CallID]; exists {
			return Turn{}, fmt.Errorf("%w: %s", ErrDuplicateCall, turn.CallID)
		}
		h.calls[turn.CallID] = false
	case KindToolResult:
		resolved, exists := h.calls[turn.CallID]
		if !exists {
			return Turn{}, fmt.Errorf("%w: %s", ErrOrphanResult, turn.CallID)
		}
		if resolved {
			return Turn{}, fmt.Errorf("%w: %s", ErrDuplicateResult, turn.CallID)
		}
		h.calls[turn.CallID] = true
	}

	h.nextSeq++
	turn.Seq = h.nextSeq
	if turn.Timestamp.IsZero() {
		turn.Timestamp = h.now()
	}
	h.turns = append(h.turns, turn)

	return turn, nil
}

// Snapshot returns a copy of all turns in append order
func (h *History) Snapshot() []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len returns the number of turns
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

// Unresolved returns the call ids that have no result yet, in call order
func (h *History) Unresolved() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var ids []string
	for _, turn := range h.turns {
		if turn.Kind == KindToolCall && !h.calls[turn.CallID] {
			ids = append(ids, turn.CallID)
		}
	}
	return ids
}

// Seal rejects all further appends. It is idempotent.
func (h *History) Seal() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sealed = true
}

// Sealed reports whether the history accepts appends
func (h *History) Sealed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sealed
}
