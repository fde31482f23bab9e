package vault

import (
	"context"
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/starford/sigil/internal/apperr"
	"github.com/starford/sigil/internal/content"
	"github.com/starford/sigil/internal/metrics"
	"github.com/starford/sigil/internal/models"
)

// IngestRequest is one piece of captured content crossing into storage.
type IngestRequest struct {
	Source    string `json:"source"`
	ProjectID string `json:"project_id"`
	Payload   string `json:"payload"`
}

// Validate checks the request shape.
func (r *IngestRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.ProjectID, validation.Required),
		validation.Field(&r.Source, validation.Length(0, 2048)),
		validation.Field(&r.Payload, validation.Required),
	)
}

// Ingest stores one chunk. Content for an encrypted project is encrypted
// under the session's cached DEK before the insert, so an unlocked session
// is required. Legacy projects store plaintext as before.
func (s *Service) Ingest(ctx context.Context, a Actor, req IngestRequest) (*models.ChunkView, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("vault: %v: %w", err, apperr.ErrInvalidInput)
	}
	p, err := s.Project(ctx, a, req.ProjectID)
	if err != nil {
		return nil, err
	}

	c := &models.Chunk{
		ID:        uuid.NewString(),
		ProjectID: p.ID,
		Source:    req.Source,
		CreatedAt: s.now().UTC(),
	}
	if p.Encrypted() {
		err := s.sessions.WithKey(a.key(p.ID), func(dek []byte) error {
			ct, nonce, err := content.Encrypt([]byte(req.Payload), dek)
			if err != nil {
				return err
			}
			c.Ciphertext, c.Nonce = ct, nonce
			return nil
		})
		if err != nil {
			if !errors.Is(err, apperr.ErrSessionLocked) {
				metrics.RecordCipherFailure("encrypt")
			}
			return nil, err
		}
	} else {
		payload := req.Payload
		c.Content = &payload
	}

	if err := s.repo.InsertChunk(ctx, c); err != nil {
		return nil, err
	}
	if s.notify != nil {
		s.notify(a.UserID, p.ID)
	}
	return &models.ChunkView{
		ID:        c.ID,
		ProjectID: c.ProjectID,
		Source:    c.Source,
		Content:   req.Payload,
		Encrypted: p.Encrypted(),
		CreatedAt: c.CreatedAt,
	}, nil
}

// ReadChunk returns one chunk with readable content.
func (s *Service) ReadChunk(ctx context.Context, a Actor, projectID, chunkID string) (*models.ChunkView, error) {
	if _, err := s.Project(ctx, a, projectID); err != nil {
		return nil, err
	}
	c, err := s.repo.GetChunk(ctx, projectID, chunkID)
	if err != nil {
		return nil, err
	}
	return s.view(a, c)
}

// ListChunks returns a page of readable chunks. Encrypted chunks are
// decrypted in parallel, each inside its own key scope; the first failure
// fails the page.
func (s *Service) ListChunks(ctx context.Context, a Actor, projectID string, limit, offset int) ([]models.ChunkView, int, error) {
	if _, err := s.Project(ctx, a, projectID); err != nil {
		return nil, 0, err
	}
	chunks, total, err := s.repo.ListChunks(ctx, projectID, limit, offset)
	if err != nil {
		return nil, 0, err
	}

	out := make([]models.ChunkView, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := range chunks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			v, err := s.view(a, &chunks[i])
			if err != nil {
				return err
			}
			out[i] = *v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// view runs the read path for c. Legacy chunks never touch the session.
func (s *Service) view(a Actor, c *models.Chunk) (*models.ChunkView, error) {
	mode, err := content.Classify(c)
	if err != nil {
		s.logger.Error("corrupted chunk", "chunk_id", c.ID, "project_id", c.ProjectID)
		return nil, err
	}
	pt, err := content.Read(c, func(ct, nonce []byte) ([]byte, error) {
		var out []byte
		err := s.sessions.WithKey(a.key(c.ProjectID), func(dek []byte) error {
			var err error
			out, err = content.Decrypt(ct, nonce, dek)
			return err
		})
		return out, err
	})
	if errors.Is(err, apperr.ErrDecryptionFailed) {
		// The cached key was verified at unlock, so the record itself is bad.
		metrics.RecordCipherFailure("decrypt")
		s.logger.Error("chunk failed authentication", "chunk_id", c.ID, "project_id", c.ProjectID)
		return nil, fmt.Errorf("vault: chunk %s: %w", c.ID, apperr.ErrCorruptedRecord)
	}
	if err != nil {
		return nil, err
	}
	return &models.ChunkView{
		ID:        c.ID,
		ProjectID: c.ProjectID,
		Source:    c.Source,
		Content:   string(pt),
		Encrypted: mode == content.ModeEncrypted,
		CreatedAt: c.CreatedAt,
	}, nil
}
