package secrets

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// IdentityHasher produces deterministic one-way hashes of external patient
// identifiers. The same input always yields the same hash, so identity
// linkage lookups work without storing raw identifiers in searchable fields.
type IdentityHasher struct {
	key []byte
}

// NewIdentityHasher creates a hasher keyed with the given secret. The key is
// typically derived from the same configuration secret as the token cipher.
func NewIdentityHasher(key []byte) *IdentityHasher {
	return &IdentityHasher{key: key}
}

// HashPatientID returns the lowercase hex HMAC-SHA256 of the identifier.
func (h *IdentityHasher) HashPatientID(value string) string {
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
