package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthHandler_GenerateChallenge(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	t.Run("should generate 32-byte challenge as hex", func(t *testing.T) {
		challenge, err := auth.GenerateChallenge()
		require.NoError(t, err)
		assert.Len(t, challenge, 64)
	})

	t.Run("should generate unique challenges", func(t *testing.T) {
		challenge1, err1 := auth.GenerateChallenge()
		challenge2, err2 := auth.GenerateChallenge()

		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.NotEqual(t, challenge1, challenge2)
	})
}

func TestAuthHandler_Enabled(t *testing.T) {
	t.Run("should be disabled without a secret", func(t *testing.T) {
		assert.False(t, NewAuthHandler("").Enabled())
	})

	t.Run("should be enabled with a secret", func(t *testing.T) {
		assert.True(t, NewAuthHandler("s").Enabled())
	})
}

func TestAuthHandler_VerifySignature(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	t.Run("should verify valid signature", func(t *testing.T) {
		challenge, err := auth.GenerateChallenge()
		require.NoError(t, err)

		assert.True(t, auth.VerifySignature(challenge, computeHMAC(challenge, "test-secret")))
		assert.Equal(t, computeHMAC(challenge, "test-secret"), auth.Sign(challenge))
	})

	t.Run("should reject invalid signature", func(t *testing.T) {
		challenge, err := auth.GenerateChallenge()
		require.NoError(t, err)

		assert.False(t, auth.VerifySignature(challenge, "invalid-signature"))
	})

	t.Run("should reject signature from another secret", func(t *testing.T) {
		challenge, err := auth.GenerateChallenge()
		require.NoError(t, err)

		assert.False(t, auth.VerifySignature(challenge, computeHMAC(challenge, "other")))
	})
}

func TestAuthHandler_HandleAuthResponse(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	t.Run("should fail without a challenge", func(t *testing.T) {
		client := &Client{ID: "c1"}

		result := auth.HandleAuthResponse(client, "sig")
		assert.False(t, result.Success)
		assert.Equal(t, EventAuthFailure, result.Event)
		assert.Equal(t, 0, client.AuthAttempts)
	})

	t.Run("should consume challenge on success", func(t *testing.T) {
		client := &Client{ID: "c1", Challenge: "abc", AuthAttempts: 2}

		result := auth.HandleAuthResponse(client, computeHMAC("abc", "test-secret"))
		assert.True(t, result.Success)
		assert.Equal(t, EventAuthSuccess, result.Event)
		assert.Empty(t, client.Challenge)
		assert.Equal(t, 0, client.AuthAttempts)
	})

	t.Run("should count failed attempts", func(t *testing.T) {
		client := &Client{ID: "c1", Challenge: "abc"}

		for i := 1; i < maxAuthAttempts; i++ {
			result := auth.HandleAuthResponse(client, "bad")
			assert.False(t, result.Success)
			assert.Equal(t, "Invalid signature", result.Message)
			assert.Equal(t, i, client.AuthAttempts)
		}

		result := auth.HandleAuthResponse(client, "bad")
		assert.Equal(t, "Too many failed attempts", result.Message)
		assert.Equal(t, maxAuthAttempts, client.AuthAttempts)
	})
}

func computeHMAC(challenge, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}
