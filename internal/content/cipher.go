// Package content encrypts and decrypts individual chunks with a project DEK
// and implements the chunk read path shared by legacy and encrypted records.
package content

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/starford/sigil/internal/apperr"
)

// NonceSize is the length of a chunk nonce. At 192 bits, random nonces do not
// collide in practice over a DEK's lifetime.
const NonceSize = chacha20poly1305.NonceSizeX

var chunkAAD = []byte("sigil/chunk/v1")

// Encrypt seals plaintext under dek with a freshly generated random nonce.
func Encrypt(plaintext, dek []byte) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, nil, fmt.Errorf("content: dek must be %d bytes: %w", chacha20poly1305.KeySize, apperr.ErrInvalidInput)
	}
	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("content: generate nonce: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, chunkAAD), nonce, nil
}

// Decrypt opens ciphertext. Any authentication failure, including a wrong
// dek, returns ErrDecryptionFailed.
func Decrypt(ciphertext, nonce, dek []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil || len(nonce) != NonceSize {
		return nil, fmt.Errorf("content: decrypt: %w", apperr.ErrDecryptionFailed)
	}
	pt, err := aead.Open(nil, nonce, ciphertext, chunkAAD)
	if err != nil {
		return nil, fmt.Errorf("content: decrypt: %w", apperr.ErrDecryptionFailed)
	}
	return pt, nil
}
