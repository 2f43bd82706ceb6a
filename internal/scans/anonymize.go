package scans

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Anonymizer replaces raw IP addresses with a keyed, stable pseudonym so
// that distinct-scanner and bot detection keep working without storing the
// address itself. A nil or keyless Anonymizer passes addresses through.
type Anonymizer struct {
	key []byte
}

// NewAnonymizer returns an Anonymizer keyed by secret.
func NewAnonymizer(secret string) *Anonymizer {
	return &Anonymizer{key: []byte(secret)}
}

// Enabled reports whether addresses are being rewritten.
func (a *Anonymizer) Enabled() bool {
	return a != nil && len(a.key) > 0
}

// Anonymize returns the pseudonym for ip.
func (a *Anonymizer) Anonymize(ip string) string {
	if !a.Enabled() || ip == "" {
		return ip
	}
	mac := hmac.New(sha256.New, a.key)
	mac.Write([]byte(ip))
	return "iph_" + hex.EncodeToString(mac.Sum(nil)[:16])
}
