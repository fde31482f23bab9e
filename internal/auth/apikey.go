package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/starford/sigil/internal/checksum"
)

const apiKeyPrefix = "sgl_"

// NewAPIKey returns a raw key, shown to the user once, and the hash to store.
func NewAPIKey() (raw, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("auth: generate api key: %w", err)
	}
	raw = apiKeyPrefix + base64.RawURLEncoding.EncodeToString(b)
	return raw, HashAPIKey(raw), nil
}

// HashAPIKey is the lookup hash of a raw key.
func HashAPIKey(raw string) string {
	return checksum.Sum([]byte(raw))
}

// KeySessionID namespaces a client-chosen session id under an API key so two
// keys can never share a session.
func KeySessionID(keyID, clientSession string) string {
	if clientSession == "" {
		clientSession = "default"
	}
	return "key:" + keyID + ":" + clientSession
}
