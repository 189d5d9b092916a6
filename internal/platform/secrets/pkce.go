package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// PKCE holds a proof-key pair for an OAuth2 authorization code exchange.
// The verifier is kept server-side until the callback; only the challenge
// travels in the authorize redirect.
type PKCE struct {
	CodeVerifier        string
	CodeChallenge       string
	CodeChallengeMethod string
}

// GeneratePKCE creates a fresh verifier/challenge pair. The verifier is a
// 64-character base64url string (48 random bytes) and the challenge is
// BASE64URL(SHA-256(verifier)) per RFC 7636 S256.
func GeneratePKCE() (*PKCE, error) {
	raw := make([]byte, 48)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate code verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)

	sum := sha256.Sum256([]byte(verifier))
	return &PKCE{
		CodeVerifier:        verifier,
		CodeChallenge:       base64.RawURLEncoding.EncodeToString(sum[:]),
		CodeChallengeMethod: "S256",
	}, nil
}

// GenerateState creates a cryptographically random URL-safe token used as the
// CSRF-resistant correlation id between an authorize request and its callback.
func GenerateState() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
