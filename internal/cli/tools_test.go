package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/parley/internal/config"
	"github.com/harun/parley/pkg/tools"
)

// serveFakeProvider answers the handshake with a fixed manifest on a tcp port
func serveFakeProvider(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				scanner := bufio.NewScanner(conn)
				enc := json.NewEncoder(conn)
				for scanner.Scan() {
					var req struct {
						ID     json.RawMessage `json:"id"`
						Method string          `json:"method"`
					}
					if json.Unmarshal(scanner.Bytes(), &req) != nil || len(req.ID) == 0 {
						continue
					}

					var result interface{}
					switch req.Method {
					case "initialize":
						result = map[string]interface{}{
							"protocolVersion": "2024-11-05",
							"capabilities":    map[string]interface{}{},
							"serverInfo":      map[string]interface{}{"name": "fake"},
						}
					case "tools/list":
						result = map[string]interface{}{
							"tools": []map[string]interface{}{
								{
									"name":        "weather",
									"description": "Current weather for a city",
									"inputSchema": map[string]interface{}{
										"type":       "object",
										"properties": map[string]interface{}{"city": map[string]interface{}{"type": "string"}},
										"required":   []string{"city"},
									},
								},
							},
						}
					default:
						result = map[string]interface{}{}
					}
					_ = enc.Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result})
				}
			}(conn)
		}
	}()

	return ln.Addr().String()
}

func TestNewToolChannel(t *testing.T) {
	t.Run("should reject an unusable transport", func(t *testing.T) {
		_, err := newToolChannel(config.ToolChannelConfig{Transport: "tcp"}, zerolog.Nop())
		assert.Error(t, err)
	})
}

func TestPrintManifest(t *testing.T) {
	reg, err := tools.NewRegistry(2, []tools.Descriptor{
		{
			Name:        "lookup",
			Description: "Find a record",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`),
		},
	})
	require.NoError(t, err)

	t.Run("should print a table", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printManifest(&buf, reg, false))

		out := buf.String()
		assert.Contains(t, out, "NAME")
		assert.Contains(t, out, "lookup")
		assert.Contains(t, out, "id*")
		assert.Contains(t, out, "1 tools (manifest epoch 2)")
	})

	t.Run("should print JSON descriptors", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printManifest(&buf, reg, true))

		var decoded []tools.Descriptor
		require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
		require.Len(t, decoded, 1)
		assert.Equal(t, "lookup", decoded[0].Name)
	})

	t.Run("should fail without a manifest", func(t *testing.T) {
		assert.Error(t, printManifest(&bytes.Buffer{}, nil, false))
	})
}

func TestToolsCommand(t *testing.T) {
	t.Run("should list the provider's tools", func(t *testing.T) {
		addr := serveFakeProvider(t)
		dir := t.TempDir()
		path := filepath.Join(dir, "parley.json")

		cfg := config.DefaultConfig()
		cfg.DataDir = dir
		cfg.ToolChannel.Transport = config.TransportTCP
		cfg.ToolChannel.Address = addr
		require.NoError(t, config.NewLoader(path).Save(cfg))

		saved := toolsTimeout
		t.Cleanup(func() { toolsTimeout = saved })

		out, err := execute(t, "tools", "--config", path, "--timeout", (5 * time.Second).String())
		require.NoError(t, err)
		assert.Contains(t, out, "weather")
		assert.Contains(t, out, "city*")
	})
}
