// Package checksum hashes secrets for storage lookups and log-safe
// identification.
package checksum

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Fingerprint returns a short, log-safe identifier for a secret.
func Fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	return Sum([]byte(secret))[:12]
}

// Equal compares two secrets in constant time regardless of their lengths.
func Equal(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}
