package gateway

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRouter_ParseFrame(t *testing.T) {
	router := NewFrameRouter()

	tests := []struct {
		name     string
		input    string
		want     ClientFrame
		wantCode int
	}{
		{
			name:  "should parse a message frame",
			input: `{"type":"message","text":"hi","idempotencyKey":"k1"}`,
			want:  ClientFrame{Type: FrameMessage, Text: "hi", IdempotencyKey: "k1"},
		},
		{
			name:  "should trim the frame type",
			input: `{"type":" close "}`,
			want:  ClientFrame{Type: FrameClose},
		},
		{
			name:     "should reject invalid JSON",
			input:    `{not json`,
			wantCode: ParseError,
		},
		{
			name:     "should reject a missing type",
			input:    `{"text":"hi"}`,
			wantCode: InvalidRequest,
		},
		{
			name:     "should reject a message without text",
			input:    `{"type":"message","text":"  "}`,
			wantCode: InvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := router.ParseFrame([]byte(tt.input))
			if tt.wantCode != 0 {
				var frameErr *FrameError
				require.True(t, errors.As(err, &frameErr))
				assert.Equal(t, tt.wantCode, frameErr.Code)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, frame); diff != "" {
				t.Errorf("frame mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFrameRouter_Route(t *testing.T) {
	t.Run("should dispatch to the registered handler", func(t *testing.T) {
		router := NewFrameRouter()
		var got ClientFrame
		require.NoError(t, router.Handle(FrameMessage, func(_ *Client, frame ClientFrame) {
			got = frame
		}))

		assert.True(t, router.Has(FrameMessage))
		require.NoError(t, router.Route(&Client{ID: "c"}, ClientFrame{Type: FrameMessage, Text: "x"}))
		assert.Equal(t, "x", got.Text)
	})

	t.Run("should reject unknown frame types", func(t *testing.T) {
		router := NewFrameRouter()

		err := router.Route(&Client{ID: "c"}, ClientFrame{Type: "nope"})
		var frameErr *FrameError
		require.True(t, errors.As(err, &frameErr))
		assert.Equal(t, InvalidRequest, frameErr.Code)
	})

	t.Run("should reject a nil handler", func(t *testing.T) {
		assert.Error(t, NewFrameRouter().Handle(FrameClose, nil))
	})
}
