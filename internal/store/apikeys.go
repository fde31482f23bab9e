package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/starford/sigil/internal/apperr"
	"github.com/starford/sigil/internal/models"
)

// InsertAPIKey stores the hash of a newly issued key.
func (db *DB) InsertAPIKey(ctx context.Context, k *models.APIKey) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO api_keys (id, user_id, hash, created_at) VALUES (?, ?, ?, ?)
	`, k.ID, k.UserID, k.Hash, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert api key: %w", err)
	}
	return nil
}

// APIKeyByHash looks a key up by its hash.
func (db *DB) APIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	var k models.APIKey
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, user_id, hash, created_at FROM api_keys WHERE hash = ?
	`, hash).Scan(&k.ID, &k.UserID, &k.Hash, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: api key: %w", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: api key: %w", err)
	}
	return &k, nil
}
