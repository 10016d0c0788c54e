// ABOUTME: Pseudonymous user keys for logs and the ledger
// ABOUTME: Keyed BLAKE2b so phone numbers never appear in plain text

package redact

import (
	"encoding/hex"
	"log/slog"

	"golang.org/x/crypto/blake2b"
)

// Redactor maps user identifiers to stable pseudonyms.
type Redactor struct {
	key     []byte
	enabled bool
}

// New returns a redactor. When enabled is false identifiers pass through unchanged.
// key salts the hash; an empty key still hashes but is guessable for short ids.
func New(key []byte, enabled bool) *Redactor {
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	return &Redactor{key: key, enabled: enabled}
}

// User returns the pseudonym for userID.
func (r *Redactor) User(userID string) string {
	if r == nil || !r.enabled {
		return userID
	}
	h, err := blake2b.New(8, r.key)
	if err != nil {
		// only fails for keys longer than 64 bytes, which New rules out
		return "user"
	}
	h.Write([]byte(userID))
	return "u_" + hex.EncodeToString(h.Sum(nil))
}

// Attr is a slog attribute carrying the pseudonymous user.
func (r *Redactor) Attr(userID string) slog.Attr {
	return slog.String("user", r.User(userID))
}
