package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/starford/sigil/internal/apperr"
	"github.com/starford/sigil/internal/models"
)

// InsertChunk persists c as given. The caller decides between the legacy
// content column and the encrypted pair.
func (db *DB) InsertChunk(ctx context.Context, c *models.Chunk) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO chunks (id, project_id, source, content, ciphertext, nonce, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.ProjectID, c.Source, c.Content, nullable(c.Ciphertext), nullable(c.Nonce), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert chunk: %w", err)
	}
	return nil
}

// GetChunk returns one chunk of a project or ErrNotFound.
func (db *DB) GetChunk(ctx context.Context, projectID, id string) (*models.Chunk, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, project_id, source, content, ciphertext, nonce, created_at
		FROM chunks WHERE project_id = ? AND id = ?
	`, projectID, id)
	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: chunk %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get chunk: %w", err)
	}
	return c, nil
}

// Page sizes for ListChunks.
const (
	DefaultChunkPage = 50
	MaxChunkPage     = 200
)

// ListChunks returns a page of a project's chunks, oldest first, and the total
// count. limit is clamped to MaxChunkPage.
func (db *DB) ListChunks(ctx context.Context, projectID string, limit, offset int) ([]models.Chunk, int, error) {
	switch {
	case limit <= 0:
		limit = DefaultChunkPage
	case limit > MaxChunkPage:
		limit = MaxChunkPage
	}
	if offset < 0 {
		offset = 0
	}
	var total int
	if err := db.conn.QueryRowContext(ctx, `SELECT count(*) FROM chunks WHERE project_id = ?`, projectID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count chunks: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, project_id, source, content, ciphertext, nonce, created_at
		FROM chunks WHERE project_id = ?
		ORDER BY created_at, id
		LIMIT ? OFFSET ?
	`, projectID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list chunks: %w", err)
	}
	defer rows.Close()

	var out []models.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChunk(s scanner) (*models.Chunk, error) {
	var c models.Chunk
	var content sql.NullString
	if err := s.Scan(&c.ID, &c.ProjectID, &c.Source, &content, &c.Ciphertext, &c.Nonce, &c.CreatedAt); err != nil {
		return nil, err
	}
	if content.Valid {
		c.Content = &content.String
	}
	return &c, nil
}
