package observability

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, data []byte) []map[string]interface{} {
	t.Helper()

	var events []map[string]interface{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		var ev map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	return events
}

func TestAuditLogger(t *testing.T) {
	t.Run("should flatten fields into the event line", func(t *testing.T) {
		var buf bytes.Buffer
		a := NewAuditLogger(&buf)

		a.Record(context.Background(), AuditEvent{
			Category: AuditSecurity,
			Actor:    "client-1",
			Action:   "gateway.auth",
			Outcome:  "failure",
			Fields:   map[string]interface{}{"attempts": 2},
		})

		events := decodeLines(t, buf.Bytes())
		require.Len(t, events, 1)
		assert.Equal(t, "security", events[0]["category"])
		assert.Equal(t, "client-1", events[0]["actor"])
		assert.Equal(t, "failure", events[0]["outcome"])
		assert.EqualValues(t, 2, events[0]["attempts"])
		assert.NotContains(t, events[0], "trace_id")
		assert.Contains(t, events[0], "time")
	})

	t.Run("should write helper events to the audit file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "audit.log")
		require.NoError(t, InitAuditLogger(path))

		RecordSessionAudit(context.Background(), "s1", "close", "success", map[string]interface{}{"reason": "idle"})
		RecordChannelAudit(context.Background(), "ready", "degraded", nil)
		RecordConfigAudit(context.Background(), "logging.level", "config_watcher", nil)
		require.NoError(t, GetAuditLogger().Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)

		events := decodeLines(t, data)
		require.Len(t, events, 3)
		assert.Equal(t, "session", events[0]["category"])
		assert.Equal(t, "idle", events[0]["reason"])
		assert.Equal(t, "ready->degraded", events[1]["action"])
		assert.Equal(t, "config", events[2]["category"])
	})

	t.Run("should tolerate a double close", func(t *testing.T) {
		a := NewAuditLogger(&bytes.Buffer{})
		assert.NoError(t, a.Close())
		assert.NoError(t, a.Close())
	})
}

func TestMetricsHandler(t *testing.T) {
	SetChannelState("ready")
	RecordToolInvocation("weather", "success", 0)
	assert.NotNil(t, MetricsHandler())
}
