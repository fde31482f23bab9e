// Package testutil provides shared test helpers for databases and key derivation.
package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/starford/sigil/internal/keys"
	"github.com/starford/sigil/internal/models"
	"github.com/starford/sigil/internal/store"
)

// FastKDF is a cheap Argon2id parameter set for tests.
var FastKDF = keys.Params{MemoryKiB: 8 * 1024, Iterations: 1, Parallelism: 1}

// TestDB creates a temporary SQLite database that is automatically cleaned up.
func TestDB(t *testing.T) *store.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "sigil-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := store.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// SeedUser inserts a user with a fresh salt.
func SeedUser(t *testing.T, db *store.DB) *models.User {
	t.Helper()
	salt, err := keys.NewSalt()
	if err != nil {
		t.Fatal(err)
	}
	u := &models.User{
		ID:         uuid.NewString(),
		ExternalID: "ext-" + uuid.NewString(),
		Email:      "someone@example.com",
		KEKSalt:    salt,
		CreatedAt:  time.Now().UTC(),
	}
	if err := db.CreateUser(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	return u
}
