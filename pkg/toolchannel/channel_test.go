package toolchannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/parley/pkg/tools"
)

func testManifest(names ...string) []tools.Descriptor {
	out := make([]tools.Descriptor, 0, len(names))
	for _, n := range names {
		out = append(out, tools.Descriptor{
			Name:        n,
			Description: n + " tool",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		})
	}
	return out
}

func echoHandler(ctx context.Context, gen int, name string, args map[string]interface{}) (interface{}, *rpcError) {
	return textResult(fmt.Sprintf("%s:%v", name, args["q"])), nil
}

func setupChannel(t *testing.T, p *fakeProvider) *Channel {
	t.Helper()
	cfg := DefaultConfig(p.dialer())
	cfg.HandshakeTimeout = time.Second
	cfg.RetryInitialInterval = 20 * time.Millisecond
	cfg.RetryMaxInterval = 50 * time.Millisecond
	cfg.Logger = zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)

	ch := New(cfg)
	require.NoError(t, ch.Start(context.Background()))
	t.Cleanup(func() { _ = ch.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ch.WaitReady(ctx))
	return ch
}

func waitState(t *testing.T, ch *Channel, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return ch.State() == want }, 2*time.Second, 5*time.Millisecond,
		"channel never reached %s (is %s)", want, ch.State())
}

func TestChannelHandshake(t *testing.T) {
	t.Run("should build registry from manifest", func(t *testing.T) {
		p := newFakeProvider(testManifest("weather", "stock_quote"), echoHandler)
		ch := setupChannel(t, p)

		assert.Equal(t, StateReady, ch.State())
		reg := ch.Registry()
		assert.Equal(t, uint64(1), reg.Epoch())
		assert.Equal(t, []string{"stock_quote", "weather"}, reg.Names())
		assert.True(t, p.seen(methodInitialize))
		assert.True(t, p.seen(methodInitialized))
	})

	t.Run("should go down when manifest is malformed", func(t *testing.T) {
		p := newFakeProvider([]tools.Descriptor{{Name: "a"}, {Name: "a"}}, echoHandler)
		cfg := DefaultConfig(p.dialer())
		cfg.RetryInitialInterval = time.Hour
		cfg.Logger = zerolog.New(os.Stdout).Level(zerolog.Disabled)
		ch := New(cfg)
		require.NoError(t, ch.Start(context.Background()))
		defer ch.Close()

		waitState(t, ch, StateDown)
		assert.Equal(t, 0, ch.Registry().Len())
	})

	t.Run("should reject start without dialer", func(t *testing.T) {
		ch := New(Config{})
		assert.Error(t, ch.Start(context.Background()))
	})
}

func TestChannelInvoke(t *testing.T) {
	t.Run("should return text content", func(t *testing.T) {
		p := newFakeProvider(testManifest("weather"), echoHandler)
		ch := setupChannel(t, p)

		res, err := ch.Invoke(context.Background(), "weather", map[string]interface{}{"q": "oslo"}, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "weather:oslo", res.Output)
		assert.NotEmpty(t, res.Raw)
		assert.Equal(t, 0, ch.PendingCount())
	})

	t.Run("should match responses arriving out of order", func(t *testing.T) {
		release := make(chan struct{})
		p := newFakeProvider(testManifest("slow", "fast"), func(ctx context.Context, gen int, name string, args map[string]interface{}) (interface{}, *rpcError) {
			if name == "slow" {
				<-release
			}
			return textResult(name + " done"), nil
		})
		ch := setupChannel(t, p)

		slowDone := make(chan Result, 1)
		go func() {
			res, err := ch.Invoke(context.Background(), "slow", nil, 2*time.Second)
			assert.NoError(t, err)
			slowDone <- res
		}()
		require.Eventually(t, func() bool { return p.received.Load() == 1 }, time.Second, time.Millisecond)

		fast, err := ch.Invoke(context.Background(), "fast", nil, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "fast done", fast.Output)

		close(release)
		assert.Equal(t, "slow done", (<-slowDone).Output)
	})

	t.Run("should surface provider errors as tool errors", func(t *testing.T) {
		p := newFakeProvider(testManifest("broken"), func(ctx context.Context, gen int, name string, args map[string]interface{}) (interface{}, *rpcError) {
			return nil, &rpcError{Code: -32602, Message: "bad city"}
		})
		ch := setupChannel(t, p)

		_, err := ch.Invoke(context.Background(), "broken", nil, time.Second)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTool)

		var invErr *InvocationError
		require.ErrorAs(t, err, &invErr)
		assert.Equal(t, -32602, invErr.Code)
		assert.Equal(t, "bad city", invErr.Message)
	})

	t.Run("should treat isError results as tool errors", func(t *testing.T) {
		p := newFakeProvider(testManifest("flaky"), func(ctx context.Context, gen int, name string, args map[string]interface{}) (interface{}, *rpcError) {
			r := textResult("upstream 503")
			r["isError"] = true
			return r, nil
		})
		ch := setupChannel(t, p)

		_, err := ch.Invoke(context.Background(), "flaky", nil, time.Second)
		var invErr *InvocationError
		require.ErrorAs(t, err, &invErr)
		assert.Equal(t, KindTool, invErr.Kind)
		assert.Equal(t, CodeToolFailed, invErr.Code)
		assert.Equal(t, "upstream 503", invErr.Message)
	})

	t.Run("should fail fast for unknown tools", func(t *testing.T) {
		p := newFakeProvider(testManifest("weather"), echoHandler)
		ch := setupChannel(t, p)

		_, err := ch.Invoke(context.Background(), "news", nil, time.Second)
		var invErr *InvocationError
		require.ErrorAs(t, err, &invErr)
		assert.Equal(t, CodeUnknownTool, invErr.Code)
		assert.ErrorIs(t, err, tools.ErrUnknownTool)
		assert.Equal(t, int32(0), p.received.Load())
	})

	t.Run("should time out and ignore the late response", func(t *testing.T) {
		release := make(chan struct{})
		p := newFakeProvider(testManifest("slow", "fast"), func(ctx context.Context, gen int, name string, args map[string]interface{}) (interface{}, *rpcError) {
			if name == "slow" {
				<-release
			}
			return textResult("ok"), nil
		})
		ch := setupChannel(t, p)

		start := time.Now()
		_, err := ch.Invoke(context.Background(), "slow", nil, 50*time.Millisecond)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Less(t, time.Since(start), time.Second)
		require.Eventually(t, func() bool { return p.cancelled.Load() == 1 }, time.Second, time.Millisecond)

		close(release)
		res, err := ch.Invoke(context.Background(), "fast", nil, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "ok", res.Output)
		assert.Equal(t, StateReady, ch.State())
	})

	t.Run("should return promptly when context is cancelled", func(t *testing.T) {
		p := newFakeProvider(testManifest("hang"), func(ctx context.Context, gen int, name string, args map[string]interface{}) (interface{}, *rpcError) {
			<-ctx.Done()
			return nil, nil
		})
		ch := setupChannel(t, p)

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)

		start := time.Now()
		_, err := ch.Invoke(ctx, "hang", nil, 10*time.Second)
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, err, ErrTransport)
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, 0, ch.PendingCount())
	})
}

func TestChannelReconnect(t *testing.T) {
	t.Run("should rebuild registry and fail parked calls to removed tools", func(t *testing.T) {
		p := newFakeProvider(testManifest("weather", "stock_quote"), func(ctx context.Context, gen int, name string, args map[string]interface{}) (interface{}, *rpcError) {
			if gen == 1 {
				<-ctx.Done()
				return nil, nil
			}
			return textResult(fmt.Sprintf("%s from connection %d", name, gen)), nil
		})
		ch := setupChannel(t, p)

		var mu sync.Mutex
		var changes []string
		ch.OnStateChange(func(c StateChange) {
			mu.Lock()
			defer mu.Unlock()
			changes = append(changes, c.From.String()+"->"+c.To.String())
		})

		type outcome struct {
			res Result
			err error
		}
		weather := make(chan outcome, 1)
		stock := make(chan outcome, 1)
		go func() {
			res, err := ch.Invoke(context.Background(), "weather", nil, 2*time.Second)
			weather <- outcome{res, err}
		}()
		go func() {
			res, err := ch.Invoke(context.Background(), "stock_quote", nil, 2*time.Second)
			stock <- outcome{res, err}
		}()
		require.Eventually(t, func() bool { return p.received.Load() == 2 }, time.Second, time.Millisecond)

		p.setManifest(testManifest("weather", "news"))
		p.dropAll()

		w := <-weather
		require.NoError(t, w.err)
		assert.Equal(t, "weather from connection 2", w.res.Output)

		s := <-stock
		var invErr *InvocationError
		require.ErrorAs(t, s.err, &invErr)
		assert.Equal(t, KindTool, invErr.Kind)
		assert.Equal(t, CodeToolUnavailable, invErr.Code)

		reg := ch.Registry()
		assert.Equal(t, uint64(2), reg.Epoch())
		if diff := cmp.Diff([]string{"news", "weather"}, reg.Names()); diff != "" {
			t.Fatalf("registry mismatch (-want +got):\n%s", diff)
		}

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"ready->degraded", "degraded->ready"}, changes)
	})

	t.Run("should go down, fail fast and recover with backoff", func(t *testing.T) {
		p := newFakeProvider(testManifest("weather"), func(ctx context.Context, gen int, name string, args map[string]interface{}) (interface{}, *rpcError) {
			if gen == 1 {
				<-ctx.Done()
				return nil, nil
			}
			return textResult("sunny"), nil
		})
		ch := setupChannel(t, p)

		inflight := make(chan error, 1)
		go func() {
			_, err := ch.Invoke(context.Background(), "weather", nil, 5*time.Second)
			inflight <- err
		}()
		require.Eventually(t, func() bool { return p.received.Load() == 1 }, time.Second, time.Millisecond)

		p.refuse.Store(true)
		p.dropAll()

		err := <-inflight
		assert.ErrorIs(t, err, ErrTransport)
		waitState(t, ch, StateDown)

		_, err = ch.Invoke(context.Background(), "weather", nil, time.Second)
		assert.ErrorIs(t, err, ErrTool)
		assert.ErrorIs(t, err, ErrChannelUnavailable)

		p.refuse.Store(false)
		waitState(t, ch, StateReady)

		res, err := ch.Invoke(context.Background(), "weather", nil, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "sunny", res.Output)
	})

	t.Run("should reconnect after a protocol violation", func(t *testing.T) {
		p := newFakeProvider(testManifest("weather"), echoHandler)
		ch := setupChannel(t, p)

		p.rawReply.Store(`{"jsonrpc":"2.0","id":`)
		_, err := ch.Invoke(context.Background(), "weather", nil, 200*time.Millisecond)
		require.Error(t, err)

		p.rawReply.Store("")
		require.Eventually(t, func() bool { return ch.Registry().Epoch() >= 2 && ch.State() == StateReady }, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("should reject responses with neither result nor error", func(t *testing.T) {
		p := newFakeProvider(testManifest("weather"), echoHandler)
		ch := setupChannel(t, p)

		p.rawReply.Store(`{"jsonrpc":"2.0","id":3}`)
		_, err := ch.Invoke(context.Background(), "weather", nil, time.Second)
		assert.ErrorIs(t, err, ErrTransport)
		assert.ErrorIs(t, err, ErrProtocolViolation)
	})
}

func TestChannelClose(t *testing.T) {
	p := newFakeProvider(testManifest("hang"), func(ctx context.Context, gen int, name string, args map[string]interface{}) (interface{}, *rpcError) {
		<-ctx.Done()
		return nil, nil
	})
	ch := setupChannel(t, p)

	inflight := make(chan error, 1)
	go func() {
		_, err := ch.Invoke(context.Background(), "hang", nil, 5*time.Second)
		inflight <- err
	}()
	require.Eventually(t, func() bool { return p.received.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, ch.Close())
	assert.ErrorIs(t, <-inflight, ErrTransport)
	assert.Equal(t, StateDown, ch.State())

	_, err := ch.Invoke(context.Background(), "hang", nil, time.Second)
	assert.ErrorIs(t, err, ErrChannelUnavailable)
	assert.True(t, errors.Is(ch.WaitReady(context.Background()), ErrClosed))
}

func TestInvocationError(t *testing.T) {
	err := toolError("weather", CodeUnknownTool, "unknown tool", nil)
	assert.Equal(t, `weather tool error (-32003): unknown tool`, err.Error())
	assert.True(t, errors.Is(err, ErrTool))
	assert.False(t, errors.Is(err, ErrTimeout))

	wrapped := fmt.Errorf("dispatch: %w", timeoutError("weather", context.DeadlineExceeded))
	assert.ErrorIs(t, wrapped, ErrTimeout)
	assert.ErrorIs(t, wrapped, context.DeadlineExceeded)
}
