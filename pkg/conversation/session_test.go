package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeTransport struct{ addr string }

func (f fakeTransport) RemoteAddr() string { return f.addr }

func TestNewSession(t *testing.T) {
	t.Run("should generate an id when empty", func(t *testing.T) {
		s := NewSession("", fakeTransport{addr: "127.0.0.1:1"})

		assert.NotEmpty(t, s.ID)
		assert.True(t, s.Alive())
		assert.Equal(t, "127.0.0.1:1", s.Transport().RemoteAddr())
	})

	t.Run("should keep a caller supplied id", func(t *testing.T) {
		s := NewSession("abc", nil)
		assert.Equal(t, "abc", s.ID)
	})
}

func TestSessionMarkClosed(t *testing.T) {
	s := NewSession("abc", nil)

	assert.True(t, s.MarkClosed())
	assert.False(t, s.MarkClosed())
	assert.False(t, s.Alive())

	_, err := s.History().Append(UserMessage("hello"))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSessionIdle(t *testing.T) {
	s := NewSession("abc", nil)
	s.lastActivity.Store(time.Now().Add(-time.Minute).UnixNano())

	assert.GreaterOrEqual(t, s.IdleFor(time.Now()), time.Minute)

	s.Touch()
	assert.Less(t, s.IdleFor(time.Now()), time.Second)
}

func TestTurnContent(t *testing.T) {
	ok := ToolResult("c1", "weather", "sunny")
	failed := ToolError("c2", "weather", ToolFailure{Kind: "tool", Code: -32001, Message: "unknown city"})

	assert.Equal(t, "sunny", ok.Content())
	assert.False(t, ok.Failed())
	assert.True(t, failed.Failed())
	assert.Equal(t, "tool error (-32001): unknown city", failed.Content())
	assert.True(t, AgentMessage("done", false).Final())
	assert.False(t, AgentMessage("chunk", true).Final())
}
