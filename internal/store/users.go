package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/starford/sigil/internal/apperr"
	"github.com/starford/sigil/internal/models"
)

// CreateUser inserts u. The salt is written once here and never updated.
func (db *DB) CreateUser(ctx context.Context, u *models.User) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO users (id, external_id, email, kek_salt, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, u.ID, u.ExternalID, u.Email, u.KEKSalt, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: insert user: %w", apperr.ErrAlreadyExists)
		}
		return fmt.Errorf("store: insert user: %w", err)
	}
	return nil
}

// GetUser returns the user with id or ErrNotFound.
func (db *DB) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, external_id, email, kek_salt, created_at FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.ExternalID, &u.Email, &u.KEKSalt, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: user %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return &u, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
