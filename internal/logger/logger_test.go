package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.TraceLevel) })

	t.Run("should write JSON lines to the file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "parley.log")

		l, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)

		gw := l.Component("gateway")
		gw.Info().Str("session_id", "s1").Msg("opened")
		require.NoError(t, l.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), `"component":"gateway"`)
		assert.Contains(t, string(content), `"session_id":"s1"`)
	})

	t.Run("should rotate when max size is set", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "parley.log")

		l, err := New(Config{Level: "info", File: logFile, MaxSize: 1})
		require.NoError(t, err)
		defer l.Close()

		_, ok := l.closer.(*RotatingWriter)
		assert.True(t, ok)
	})

	t.Run("should redact secrets before they reach the file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "parley.log")

		l, err := New(Config{Level: "info", File: logFile, Redaction: true})
		require.NoError(t, err)
		assert.NotNil(t, l.redactor)

		zl := l.Zerolog()
		zl.Info().Str("api_key", "sk-ant-REDACTED").Msg("loaded")
		require.NoError(t, l.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.NotContains(t, string(content), "abcdefghijklmnopqrstuvwxyz")
	})

	t.Run("should install the global logger", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "parley.log")

		l, err := New(Config{Level: "info", File: logFile})
		require.NoError(t, err)

		log.Info().Msg("via global")
		require.NoError(t, l.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.True(t, strings.Contains(string(content), "via global"))
	})
}

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.TraceLevel) })

	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run("should parse "+tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, SetLevel(tt.input))
			assert.Equal(t, tt.want, zerolog.GlobalLevel())
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 100, cfg.MaxSize)
}
