package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// maxAuthAttempts failed signatures close the connection
const maxAuthAttempts = 3

// AuthHandler manages HMAC challenge-response authentication. With an empty
// secret authentication is disabled and every client is accepted.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Enabled reports whether clients must authenticate
func (a *AuthHandler) Enabled() bool {
	return a.sharedSecret != ""
}

// GenerateChallenge generates a cryptographically random 32-byte challenge
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// Sign returns the hex HMAC-SHA256 of a challenge under the shared secret
func (a *AuthHandler) Sign(challenge string) string {
	h := hmac.New(sha256.New, []byte(a.sharedSecret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature verifies an HMAC-SHA256 signature against a challenge
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	return subtle.ConstantTimeCompare([]byte(a.Sign(challenge)), []byte(signature)) == 1
}

// HandleAuthResponse checks a client's signature. On success the challenge is
// consumed; the caller marks the client authenticated.
func (a *AuthHandler) HandleAuthResponse(client *Client, signature string) AuthResult {
	if client.Challenge == "" {
		return AuthResult{Event: EventAuthFailure, Message: "No challenge found"}
	}

	if !a.VerifySignature(client.Challenge, signature) {
		client.AuthAttempts++
		if client.AuthAttempts >= maxAuthAttempts {
			return AuthResult{Event: EventAuthFailure, Message: "Too many failed attempts"}
		}
		return AuthResult{Event: EventAuthFailure, Message: "Invalid signature"}
	}

	client.AuthAttempts = 0
	client.Challenge = ""

	return AuthResult{Event: EventAuthSuccess, Success: true}
}
