package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

const maxAuthAttempts = 3

// AuthHandler runs the HMAC challenge-response handshake. An empty secret
// disables authentication.
type AuthHandler struct {
	sharedSecret string
}

func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{sharedSecret: sharedSecret}
}

// Enabled reports whether clients must authenticate.
func (a *AuthHandler) Enabled() bool {
	return a.sharedSecret != ""
}

// GenerateChallenge returns 32 random bytes as hex.
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// Sign returns the hex HMAC-SHA256 of challenge under the shared secret.
func (a *AuthHandler) Sign(challenge string) string {
	h := hmac.New(sha256.New, []byte(a.sharedSecret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks signature in constant time.
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	return subtle.ConstantTimeCompare([]byte(a.Sign(challenge)), []byte(signature)) == 1
}

// HandleAuthResponse checks a client's signature and updates its state.
func (a *AuthHandler) HandleAuthResponse(client *Client, signature string) EventFrame {
	client.mu.Lock()
	defer client.mu.Unlock()

	if client.Challenge == "" {
		return EventFrame{Type: FrameAuthResult, Message: "No challenge found"}
	}
	if !a.VerifySignature(client.Challenge, signature) {
		client.AuthAttempts++
		if client.AuthAttempts >= maxAuthAttempts {
			return EventFrame{Type: FrameAuthResult, Message: "Too many failed attempts"}
		}
		return EventFrame{Type: FrameAuthResult, Message: "Invalid signature"}
	}

	client.Authenticated = true
	client.State = StateAuthenticated
	client.AuthAttempts = 0
	client.Challenge = ""
	return EventFrame{Type: FrameAuthResult, Success: true, ClientID: client.ID}
}
