// Package idgen generates identifiers for scans, alerts, accounts, webhooks
// and API secrets.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns a random v4 UUID in canonical form.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix plus the 32 hex digits of a random UUID,
// e.g. "scan_3f2a9c...".
func WithPrefix(prefix string) string {
	u := uuid.New()
	buf := make([]byte, len(prefix)+hex.EncodedLen(len(u)))
	copy(buf, prefix)
	hex.Encode(buf[len(prefix):], u[:])
	return string(buf)
}

// Hex returns n random bytes hex-encoded. It panics if the system entropy
// source fails.
func Hex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("idgen: read random bytes: " + err.Error())
	}
	return hex.EncodeToString(b)
}
