package conversation

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryAppend(t *testing.T) {
	t.Run("should assign increasing sequence numbers", func(t *testing.T) {
		h := NewHistory()

		first, err := h.Append(UserMessage("hello"))
		require.NoError(t, err)
		second, err := h.Append(AgentMessage("hi there", false))
		require.NoError(t, err)

		assert.Equal(t, int64(1), first.Seq)
		assert.Equal(t, int64(2), second.Seq)
		assert.False(t, first.Timestamp.IsZero())
		assert.Equal(t, 2, h.Len())
	})

	t.Run("should reject tool result before its call", func(t *testing.T) {
		h := NewHistory()

		_, err := h.Append(ToolResult("call-1", "weather", "sunny"))
		assert.ErrorIs(t, err, ErrOrphanResult)
		assert.Equal(t, 0, h.Len())
	})

	t.Run("should reject a second result for the same call", func(t *testing.T) {
		h := NewHistory()

		_, err := h.Append(ToolCall("call-1", "weather", map[string]interface{}{"city": "Oslo"}))
		require.NoError(t, err)
		_, err = h.Append(ToolResult("call-1", "weather", "sunny"))
		require.NoError(t, err)

		_, err = h.Append(ToolError("call-1", "weather", ToolFailure{Kind: "timeout", Message: "late"}))
		assert.ErrorIs(t, err, ErrDuplicateResult)
	})

	t.Run("should reject reused call ids", func(t *testing.T) {
		h := NewHistory()

		_, err := h.Append(ToolCall("call-1", "weather", nil))
		require.NoError(t, err)
		_, err = h.Append(ToolCall("call-1", "stocks", nil))
		assert.ErrorIs(t, err, ErrDuplicateCall)
	})

	t.Run("should reject tool calls without a name", func(t *testing.T) {
		h := NewHistory()

		_, err := h.Append(ToolCall("call-1", " ", nil))
		assert.ErrorIs(t, err, ErrInvalidTurn)
	})

	t.Run("should reject appends after seal", func(t *testing.T) {
		h := NewHistory()
		h.Seal()

		_, err := h.Append(UserMessage("too late"))
		assert.ErrorIs(t, err, ErrSessionClosed)
		assert.True(t, h.Sealed())
	})
}

func TestHistoryUnresolved(t *testing.T) {
	h := NewHistory()

	for _, id := range []string{"a", "b", "c"} {
		_, err := h.Append(ToolCall(id, "lookup", nil))
		require.NoError(t, err)
	}
	_, err := h.Append(ToolResult("b", "lookup", "ok"))
	require.NoError(t, err)

	if diff := cmp.Diff([]string{"a", "c"}, h.Unresolved()); diff != "" {
		t.Fatalf("unresolved mismatch (-want +got):\n%s", diff)
	}
}

func TestHistorySnapshotIsCopy(t *testing.T) {
	h := NewHistory()
	_, err := h.Append(UserMessage("hello"))
	require.NoError(t, err)

	snap := h.Snapshot()
	snap[0].Text = "mutated"

	assert.Equal(t, "hello", h.Snapshot()[0].Text)
}

// Results complete in random order from concurrent goroutines; the log must stay causal.
func TestHistoryCausalOrderUnderConcurrentCompletion(t *testing.T) {
	for round := 0; round < 50; round++ {
		h := NewHistory()
		rng := rand.New(rand.NewSource(int64(round)))

		n := 2 + rng.Intn(10)
		ids := make([]string, n)
		for i := range ids {
			ids[i] = fmt.Sprintf("call-%d", i)
			_, err := h.Append(ToolCall(ids[i], "lookup", nil))
			require.NoError(t, err)
		}

		rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

		var wg sync.WaitGroup
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := h.Append(ToolResult(id, "lookup", "ok"))
				assert.NoError(t, err)
			}(id)
		}
		wg.Wait()

		assertCausal(t, h.Snapshot())
		assert.Empty(t, h.Unresolved())
	}
}

func assertCausal(t *testing.T, turns []Turn) {
	t.Helper()

	seen := make(map[string]bool)
	var lastSeq int64
	for _, turn := range turns {
		assert.Greater(t, turn.Seq, lastSeq)
		lastSeq = turn.Seq

		switch turn.Kind {
		case KindToolCall:
			seen[turn.CallID] = true
		case KindToolResult:
			assert.True(t, seen[turn.CallID], "result %s precedes its call", turn.CallID)
		}
	}
}
