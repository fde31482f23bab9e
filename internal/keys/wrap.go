package keys

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/starford/sigil/internal/apperr"
)

const (
	// KeySize is the length of every KEK and DEK.
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the length of a wrap nonce.
	NonceSize = chacha20poly1305.NonceSizeX
)

// wrapAAD binds wrapped keys to their purpose so a wrapped DEK can never be
// opened as, or confused with, an encrypted chunk.
var wrapAAD = []byte("sigil/dek-wrap/v1")

// CreateProjectKey generates a fresh DEK and wraps it under kek.
// It returns the raw DEK for immediate use plus the wrapped form and nonce
// for persistence. Nothing is stored.
func CreateProjectKey(kek []byte) (dek, wrapped, nonce []byte, err error) {
	dek = make([]byte, KeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, nil, nil, fmt.Errorf("keys: generate dek: %w", err)
	}
	wrapped, nonce, err = Rewrap(dek, kek)
	if err != nil {
		Zero(dek)
		return nil, nil, nil, err
	}
	return dek, wrapped, nonce, nil
}

// Rewrap wraps dek under kek with a fresh nonce. Any previous wrapped form is
// left untouched; the caller swaps it in only after this succeeds.
func Rewrap(dek, kek []byte) (wrapped, nonce []byte, err error) {
	if len(dek) != KeySize {
		return nil, nil, fmt.Errorf("keys: dek must be %d bytes: %w", KeySize, apperr.ErrInvalidInput)
	}
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, nil, fmt.Errorf("keys: kek must be %d bytes: %w", KeySize, apperr.ErrInvalidInput)
	}
	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("keys: generate nonce: %w", err)
	}
	return aead.Seal(nil, nonce, dek, wrapAAD), nonce, nil
}

// Unwrap recovers a DEK. A wrong KEK, a tampered ciphertext and a malformed
// nonce all return the same ErrDecryptionFailed, and the AEAD open runs in
// every case so the failure path costs the same.
func Unwrap(wrapped, nonce, kek []byte) ([]byte, error) {
	k := kek
	if len(k) != KeySize {
		k = make([]byte, KeySize)
	}
	aead, err := chacha20poly1305.NewX(k)
	if err != nil {
		return nil, fmt.Errorf("keys: unwrap: %w", apperr.ErrDecryptionFailed)
	}
	n := nonce
	if len(n) != NonceSize {
		n = make([]byte, NonceSize)
	}
	dek, openErr := aead.Open(nil, n, wrapped, wrapAAD)
	if openErr != nil || len(kek) != KeySize || len(nonce) != NonceSize || len(dek) != KeySize {
		Zero(dek)
		return nil, fmt.Errorf("keys: unwrap: %w", apperr.ErrDecryptionFailed)
	}
	return dek, nil
}

// Material is the persisted key material needed to unlock a project.
type Material struct {
	Salt    []byte
	Wrapped []byte
	Nonce   []byte
}

// Encrypted reports whether the project has a wrapped DEK at all.
func (m *Material) Encrypted() bool {
	return len(m.Wrapped) > 0 || len(m.Nonce) > 0
}
