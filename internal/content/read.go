package content

import (
	"fmt"

	"github.com/starford/sigil/internal/apperr"
	"github.com/starford/sigil/internal/models"
)

// Mode is how a chunk's content is stored.
type Mode int

const (
	ModeLegacy Mode = iota + 1
	ModeEncrypted
)

// Classify reports the storage mode of c, or ErrCorruptedRecord when it
// carries both forms, neither form, or half of an encrypted pair.
func Classify(c *models.Chunk) (Mode, error) {
	hasCT := len(c.Ciphertext) > 0
	hasNonce := len(c.Nonce) > 0
	hasPlain := c.Content != nil

	switch {
	case hasCT != hasNonce:
		return 0, fmt.Errorf("content: chunk %s has half an encrypted pair: %w", c.ID, apperr.ErrCorruptedRecord)
	case hasCT && hasPlain:
		return 0, fmt.Errorf("content: chunk %s has both plaintext and ciphertext: %w", c.ID, apperr.ErrCorruptedRecord)
	case hasCT:
		return ModeEncrypted, nil
	case hasPlain:
		return ModeLegacy, nil
	default:
		return 0, fmt.Errorf("content: chunk %s has no content: %w", c.ID, apperr.ErrCorruptedRecord)
	}
}

// OpenFunc decrypts an encrypted pair with whatever key the caller holds.
type OpenFunc func(ciphertext, nonce []byte) ([]byte, error)

// Read returns the readable content of c. Encrypted chunks go through open;
// legacy chunks are returned as stored and open is never called for them.
func Read(c *models.Chunk, open OpenFunc) ([]byte, error) {
	mode, err := Classify(c)
	if err != nil {
		return nil, err
	}
	if mode == ModeLegacy {
		return []byte(*c.Content), nil
	}
	return open(c.Ciphertext, c.Nonce)
}
