// Package keys implements the key hierarchy: passphrase-derived KEKs and the
// per-project DEKs wrapped under them.
package keys

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// SaltSize is the length of a user's kek_salt.
const SaltSize = 16

// Params are the Argon2id cost parameters.
type Params struct {
	MemoryKiB   uint32 `yaml:"memory_kib"`
	Iterations  uint32 `yaml:"iterations"`
	Parallelism uint8  `yaml:"parallelism"`
}

// DefaultParams returns the production cost parameters.
func DefaultParams() Params {
	return Params{MemoryKiB: 64 * 1024, Iterations: 3, Parallelism: 4}
}

// KDF derives a key-encryption key from a passphrase and salt.
type KDF interface {
	Derive(passphrase, salt []byte) []byte
}

// Deriver turns a passphrase and salt into a key-encryption key.
// It never applies passphrase policy; callers check that first.
type Deriver struct {
	params Params
}

// NewDeriver returns a Deriver using p.
func NewDeriver(p Params) *Deriver {
	return &Deriver{params: p}
}

// Derive returns the KEK for passphrase and salt. Identical inputs always
// produce the identical key. The caller owns the result and should Zero it
// as soon as the wrap or unwrap that needed it is done.
func (d *Deriver) Derive(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, d.params.Iterations, d.params.MemoryKiB, d.params.Parallelism, KeySize)
}

// NewSalt returns a fresh random kek_salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("keys: generate salt: %w", err)
	}
	return salt, nil
}

// Zero overwrites b in place.
func Zero(b []byte) {
	clear(b)
}
