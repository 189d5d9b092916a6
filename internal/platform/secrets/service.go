package secrets

import (
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog"
)

// Service bundles the credential-material primitives the linking subsystem
// needs: authenticated token encryption, PKCE generation, and identifier
// hashing, all keyed from a single configured secret.
type Service struct {
	cipher *TokenCipher
	hasher *IdentityHasher
}

// NewService creates the secrets service from a 64-character hex string
// encoding a 32-byte AES-256 key. Unlike field-level PHI encryption there is
// no disabled mode: OAuth tokens are never persisted unencrypted, so a
// missing or malformed key refuses startup.
func NewService(key string, logger zerolog.Logger) (*Service, error) {
	if key == "" {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY is required")
	}

	keyBytes, err := hex.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY is not valid hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
	}

	cipher, err := NewTokenCipher(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("create token cipher: %w", err)
	}

	logger.Info().Msg("token encryption enabled")
	return &Service{
		cipher: cipher,
		hasher: NewIdentityHasher(keyBytes),
	}, nil
}

// Encrypt encrypts a credential payload.
func (s *Service) Encrypt(plaintext string) (string, error) {
	return s.cipher.Encrypt(plaintext)
}

// Decrypt decrypts a credential payload. It fails on tampering or key
// mismatch; it never returns corrupted plaintext.
func (s *Service) Decrypt(ciphertext string) (string, error) {
	return s.cipher.Decrypt(ciphertext)
}

// HashPatientID returns the deterministic one-way hash of an external
// patient identifier.
func (s *Service) HashPatientID(value string) string {
	return s.hasher.HashPatientID(value)
}
