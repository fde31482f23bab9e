// Package models defines the domain types for Sigil.
package models

import "time"

// User owns projects and carries the salt its passphrases are derived with.
type User struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"external_id"`
	Email      string    `json:"email"`
	KEKSalt    []byte    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// Project groups chunks under one data-encryption key.
// EncryptedDEK and DEKNonce are either both set or both nil; nil marks a
// legacy project whose chunks were never encrypted.
type Project struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Name         string    `json:"name"`
	EncryptedDEK []byte    `json:"-"`
	DEKNonce     []byte    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Encrypted reports whether the project has a wrapped key.
func (p *Project) Encrypted() bool {
	return len(p.EncryptedDEK) > 0 || len(p.DEKNonce) > 0
}

// Chunk is one unit of captured content as stored.
// Exactly one of Content (legacy plaintext) or the Ciphertext/Nonce pair is set.
type Chunk struct {
	ID         string
	ProjectID  string
	Source     string
	Content    *string
	Ciphertext []byte
	Nonce      []byte
	CreatedAt  time.Time
}

// ChunkView is a chunk after the read path has produced readable content.
type ChunkView struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Source    string    `json:"source"`
	Content   string    `json:"content"`
	Encrypted bool      `json:"encrypted"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey links a hashed key to its user.
type APIKey struct {
	ID        string
	UserID    string
	Hash      string
	CreatedAt time.Time
}
