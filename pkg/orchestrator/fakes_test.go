package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/parley/pkg/conversation"
	"github.com/harun/parley/pkg/engine"
	"github.com/harun/parley/pkg/toolchannel"
	"github.com/harun/parley/pkg/tools"
)

type engineFunc func(ctx context.Context, history []conversation.Turn, registry *tools.Registry, onChunk func(string)) (engine.Decision, error)

func (f engineFunc) Decide(ctx context.Context, history []conversation.Turn, registry *tools.Registry, onChunk func(string)) (engine.Decision, error) {
	return f(ctx, history, registry, onChunk)
}

// toolsThenAnswer requests n lookup calls until results are in history, then answers
func toolsThenAnswer(n int, answer string) engineFunc {
	var seq atomic.Int64
	return func(ctx context.Context, history []conversation.Turn, registry *tools.Registry, onChunk func(string)) (engine.Decision, error) {
		if history[len(history)-1].Kind == conversation.KindToolResult {
			onChunk(answer)
			return engine.FinalAnswer(answer), nil
		}
		calls := make([]engine.Call, n)
		for i := range calls {
			calls[i] = engine.Call{
				ID:        fmt.Sprintf("call-%d", seq.Add(1)),
				Name:      "lookup",
				Arguments: map[string]interface{}{"key": fmt.Sprintf("k%d", i)},
			}
		}
		return engine.ToolRequest("", calls...), nil
	}
}

type invokeFunc func(ctx context.Context, name string, args map[string]interface{}) (toolchannel.Result, error)

type fakeInvoker struct {
	registry *tools.Registry
	handler  invokeFunc

	mu     sync.Mutex
	active int
	peak   int
	calls  int
}

func newFakeInvoker(t *testing.T, handler invokeFunc) *fakeInvoker {
	t.Helper()
	reg, err := tools.NewRegistry(1, []tools.Descriptor{
		{Name: "lookup", Description: "key lookup"},
		{
			Name:        "weather",
			Description: "forecast",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`),
		},
	})
	require.NoError(t, err)
	return &fakeInvoker{registry: reg, handler: handler}
}

func (f *fakeInvoker) Registry() *tools.Registry {
	return f.registry
}

func (f *fakeInvoker) Invoke(ctx context.Context, name string, args map[string]interface{}, timeout time.Duration) (toolchannel.Result, error) {
	f.mu.Lock()
	f.active++
	f.calls++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if f.handler != nil {
		return f.handler(ctx, name, args)
	}
	return toolchannel.Result{Output: "ok:" + name}, nil
}

func (f *fakeInvoker) stats() (calls, peak int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.peak
}

type fakeTransport struct {
	addr string
	id   string
}

func (f fakeTransport) RemoteAddr() string { return f.addr }
func (f fakeTransport) SessionID() string  { return f.id }

func newTestOrchestrator(t *testing.T, decider DecisionEngine, invoker ToolInvoker, mutate func(*Config)) *Orchestrator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ToolTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := New(decider, invoker, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

func openSession(t *testing.T, o *Orchestrator) *conversation.Session {
	t.Helper()
	sess, err := o.Open(context.Background(), fakeTransport{addr: "127.0.0.1:9"})
	require.NoError(t, err)
	return sess
}

// collect drains a turn stream, failing the test if it is not closed in time
func collect(t *testing.T, turns <-chan conversation.Turn) []conversation.Turn {
	t.Helper()
	var out []conversation.Turn
	timeout := time.After(5 * time.Second)
	for {
		select {
		case turn, ok := <-turns:
			if !ok {
				return out
			}
			out = append(out, turn)
		case <-timeout:
			t.Fatalf("turn stream not closed; got %d turns", len(out))
			return out
		}
	}
}

func kinds(turns []conversation.Turn) []conversation.Kind {
	out := make([]conversation.Kind, 0, len(turns))
	for _, turn := range turns {
		out = append(out, turn.Kind)
	}
	return out
}

// assertCausal checks sequence order and that each result follows its call exactly once
func assertCausal(t *testing.T, turns []conversation.Turn) {
	t.Helper()
	calls := make(map[string]bool)
	results := make(map[string]int)
	var lastSeq int64
	for _, turn := range turns {
		assert.Greater(t, turn.Seq, lastSeq)
		lastSeq = turn.Seq
		switch turn.Kind {
		case conversation.KindToolCall:
			calls[turn.CallID] = true
		case conversation.KindToolResult:
			assert.True(t, calls[turn.CallID], "result %s precedes its call", turn.CallID)
			results[turn.CallID]++
		}
	}
	for id := range calls {
		assert.Equal(t, 1, results[id], "call %s", id)
	}
}
