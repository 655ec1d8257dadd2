package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeduper_Seen(t *testing.T) {
	t.Run("should flag a repeated key", func(t *testing.T) {
		d := NewDeduper(time.Minute)

		assert.False(t, d.Seen(dedupKey("s1", "k1")))
		assert.True(t, d.Seen(dedupKey("s1", "k1")))
	})

	t.Run("should scope keys to a session", func(t *testing.T) {
		d := NewDeduper(time.Minute)

		assert.False(t, d.Seen(dedupKey("s1", "k1")))
		assert.False(t, d.Seen(dedupKey("s2", "k1")))
	})

	t.Run("should never flag empty keys", func(t *testing.T) {
		d := NewDeduper(time.Minute)

		assert.False(t, d.Seen(dedupKey("s1", "")))
		assert.False(t, d.Seen(dedupKey("s1", "")))
		assert.Equal(t, 0, d.Size())
	})

	t.Run("should expire keys after the ttl", func(t *testing.T) {
		now := time.Unix(1000, 0)
		d := NewDeduper(time.Minute)
		d.now = func() time.Time { return now }

		assert.False(t, d.Seen("s1:k1"))
		now = now.Add(2 * time.Minute)
		assert.False(t, d.Seen("s1:k1"))
		assert.Equal(t, 1, d.Size())
	})
}

func TestDeduper_Forget(t *testing.T) {
	t.Run("should drop only the session's keys", func(t *testing.T) {
		d := NewDeduper(0)
		d.Seen(dedupKey("s1", "a"))
		d.Seen(dedupKey("s1", "b"))
		d.Seen(dedupKey("s10", "a"))

		d.Forget("s1")
		assert.Equal(t, 1, d.Size())
		assert.True(t, d.Seen(dedupKey("s10", "a")))
	})
}
