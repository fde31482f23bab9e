package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/starford/sigil/internal/apperr"
	"github.com/starford/sigil/internal/keys"
	"github.com/starford/sigil/internal/models"
)

// CreateProject inserts p together with its wrapped DEK in one statement.
func (db *DB) CreateProject(ctx context.Context, p *models.Project) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO projects (id, owner_id, name, encrypted_dek, dek_nonce, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.OwnerID, p.Name, nullable(p.EncryptedDEK), nullable(p.DEKNonce), p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: insert project: %w", apperr.ErrAlreadyExists)
		}
		return fmt.Errorf("store: insert project: %w", err)
	}
	return nil
}

// GetProject returns the project with id or ErrNotFound.
func (db *DB) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, owner_id, name, encrypted_dek, dek_nonce, created_at FROM projects WHERE id = ?
	`, id).Scan(&p.ID, &p.OwnerID, &p.Name, &p.EncryptedDEK, &p.DEKNonce, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: project %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get project: %w", err)
	}
	return &p, nil
}

// ListProjects returns the projects owned by ownerID, oldest first.
func (db *DB) ListProjects(ctx context.Context, ownerID string) ([]models.Project, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, owner_id, name, encrypted_dek, dek_nonce, created_at
		FROM projects WHERE owner_id = ? ORDER BY created_at, id
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("store: list projects: %w", err)
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Name, &p.EncryptedDEK, &p.DEKNonce, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProjectKey replaces the wrapped DEK only if the stored value still
// equals oldWrapped. A lost race returns ErrConflict.
func (db *DB) UpdateProjectKey(ctx context.Context, id string, oldWrapped, wrapped, nonce []byte) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE projects SET encrypted_dek = ?, dek_nonce = ?
		WHERE id = ? AND encrypted_dek = ?
	`, wrapped, nonce, id, oldWrapped)
	if err != nil {
		return fmt.Errorf("store: update project key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update project key: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: project %s key changed concurrently: %w", id, apperr.ErrConflict)
	}
	return nil
}

// KeyMaterial returns the owner's salt and the project's wrapped DEK.
func (db *DB) KeyMaterial(ctx context.Context, projectID string) (*keys.Material, error) {
	var m keys.Material
	err := db.conn.QueryRowContext(ctx, `
		SELECT u.kek_salt, p.encrypted_dek, p.dek_nonce
		FROM projects p JOIN users u ON u.id = p.owner_id
		WHERE p.id = ?
	`, projectID).Scan(&m.Salt, &m.Wrapped, &m.Nonce)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: project %s: %w", projectID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: key material: %w", err)
	}
	return &m, nil
}
