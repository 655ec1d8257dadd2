package toolchannel

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetDialer(t *testing.T) {
	t.Run("should speak the protocol over tcp", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		p := newFakeProvider(testManifest("weather"), echoHandler)
		go func() {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				ctx, cancel := context.WithCancel(context.Background())
				go p.serve(ctx, cancel, 1, conn)
			}
		}()

		cfg := DefaultConfig(NetDialer{Network: "tcp", Address: ln.Addr().String(), Timeout: time.Second})
		cfg.Logger = zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)
		ch := New(cfg)
		require.NoError(t, ch.Start(context.Background()))
		defer ch.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, ch.WaitReady(ctx))

		res, err := ch.Invoke(context.Background(), "weather", map[string]interface{}{"q": "rome"}, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "weather:rome", res.Output)
	})

	t.Run("should fail to dial a closed port", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		_, err = NetDialer{Address: addr, Timeout: 200 * time.Millisecond}.Dial(context.Background())
		assert.Error(t, err)
	})
}

func TestCommandDialer(t *testing.T) {
	t.Run("should require a command", func(t *testing.T) {
		_, err := CommandDialer{}.Dial(context.Background())
		assert.Error(t, err)
	})

	t.Run("should pipe stdio of the subprocess", func(t *testing.T) {
		if _, err := os.Stat("/bin/cat"); err != nil {
			t.Skip("cat not available")
		}
		stream, err := CommandDialer{Command: "/bin/cat"}.Dial(context.Background())
		require.NoError(t, err)

		_, err = stream.Write([]byte("ping\n"))
		require.NoError(t, err)

		buf := make([]byte, 5)
		n, err := stream.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "ping\n", string(buf[:n]))
		assert.NoError(t, stream.Close())
	})
}

func TestDecodeCallResult(t *testing.T) {
	t.Run("should join text blocks", func(t *testing.T) {
		res, isErr := decodeCallResult([]byte(`{"content":[{"type":"text","text":"a"},{"type":"image"},{"type":"text","text":"b"}]}`))
		assert.False(t, isErr)
		assert.Equal(t, "a\nb", res.Output)
	})

	t.Run("should fall back to structured content", func(t *testing.T) {
		res, _ := decodeCallResult([]byte(`{"content":[],"structuredContent":{"temp":21}}`))
		assert.Equal(t, `{"temp":21}`, res.Output)
	})

	t.Run("should pass through non-standard results", func(t *testing.T) {
		res, isErr := decodeCallResult([]byte(`{"temp":21}`))
		assert.False(t, isErr)
		assert.Equal(t, `{"temp":21}`, res.Output)
	})
}
