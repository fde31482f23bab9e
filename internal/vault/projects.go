package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/starford/sigil/internal/apperr"
	"github.com/starford/sigil/internal/keys"
	"github.com/starford/sigil/internal/models"
)

// ProjectStatus is the access state of a project for one session.
type ProjectStatus struct {
	ProjectID string `json:"project_id"`
	SessionID string `json:"session_id"`
	Encrypted bool   `json:"encrypted"`
	Unlocked  bool   `json:"unlocked"`
	State     string `json:"state"`
}

// CreateProject generates the project DEK, wraps it under the KEK derived
// from passphrase and persists project and wrapped key in one insert.
func (s *Service) CreateProject(ctx context.Context, a Actor, name, passphrase string) (*models.Project, error) {
	name = strings.TrimSpace(name)
	if err := validation.Validate(name, validation.Required, validation.Length(1, 200)); err != nil {
		return nil, fmt.Errorf("vault: name: %v: %w", err, apperr.ErrInvalidInput)
	}
	if err := CheckPassphrase(passphrase, s.minPass); err != nil {
		return nil, err
	}
	u, err := s.repo.GetUser(ctx, a.UserID)
	if err != nil {
		return nil, err
	}

	kek := s.deriver.Derive([]byte(passphrase), u.KEKSalt)
	dek, wrapped, nonce, err := keys.CreateProjectKey(kek)
	keys.Zero(kek)
	if err != nil {
		return nil, err
	}
	keys.Zero(dek)

	p := &models.Project{
		ID:           uuid.NewString(),
		OwnerID:      u.ID,
		Name:         name,
		EncryptedDEK: wrapped,
		DEKNonce:     nonce,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.repo.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("project created", "project_id", p.ID, "user_id", u.ID)
	return p, nil
}

// Project returns a project owned by the actor. Projects of other users are
// reported as not found.
func (s *Service) Project(ctx context.Context, a Actor, projectID string) (*models.Project, error) {
	p, err := s.repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.OwnerID != a.UserID {
		return nil, fmt.Errorf("vault: project %s: %w", projectID, apperr.ErrNotFound)
	}
	return p, nil
}

// ListProjects returns the actor's projects.
func (s *Service) ListProjects(ctx context.Context, a Actor) ([]models.Project, error) {
	ps, err := s.repo.ListProjects(ctx, a.UserID)
	if err != nil {
		return nil, err
	}
	if ps == nil {
		ps = []models.Project{}
	}
	return ps, nil
}

// Unlock submits passphrase for (project, actor session).
func (s *Service) Unlock(ctx context.Context, a Actor, projectID, passphrase string) error {
	p, err := s.Project(ctx, a, projectID)
	if err != nil {
		return err
	}
	if !p.Encrypted() {
		return fmt.Errorf("vault: project %s is not encrypted: %w", projectID, apperr.ErrInvalidInput)
	}
	if err := CheckPassphrase(passphrase, s.minPass); err != nil {
		return err
	}
	return s.sessions.Submit(ctx, a.key(projectID), []byte(passphrase))
}

// Lock purges the actor's cached key for the project.
func (s *Service) Lock(ctx context.Context, a Actor, projectID string) error {
	if _, err := s.Project(ctx, a, projectID); err != nil {
		return err
	}
	s.sessions.Lock(a.key(projectID))
	return nil
}

// Status reports whether the actor's session may use the project key.
func (s *Service) Status(ctx context.Context, a Actor, projectID string) (*ProjectStatus, error) {
	p, err := s.Project(ctx, a, projectID)
	if err != nil {
		return nil, err
	}
	key := a.key(projectID)
	st := &ProjectStatus{
		ProjectID: projectID,
		SessionID: a.SessionID,
		Encrypted: p.Encrypted(),
		State:     s.sessions.State(key).String(),
	}
	st.Unlocked = !p.Encrypted() || s.sessions.IsUnlocked(key)
	return st, nil
}

// RotatePassphrase re-wraps the project DEK under a KEK derived from
// newPassphrase. Content is not touched. The swap is compare-and-swap on the
// old wrapped value, so a concurrent rotation returns ErrConflict.
func (s *Service) RotatePassphrase(ctx context.Context, a Actor, projectID, oldPassphrase, newPassphrase string) error {
	if err := CheckPassphrase(oldPassphrase, s.minPass); err != nil {
		return err
	}
	if err := CheckPassphrase(newPassphrase, s.minPass); err != nil {
		return err
	}
	p, err := s.Project(ctx, a, projectID)
	if err != nil {
		return err
	}
	if !p.Encrypted() {
		return fmt.Errorf("vault: project %s is not encrypted: %w", projectID, apperr.ErrInvalidInput)
	}
	u, err := s.repo.GetUser(ctx, p.OwnerID)
	if err != nil {
		return err
	}

	oldKEK := s.deriver.Derive([]byte(oldPassphrase), u.KEKSalt)
	dek, err := keys.Unwrap(p.EncryptedDEK, p.DEKNonce, oldKEK)
	keys.Zero(oldKEK)
	if err != nil {
		return fmt.Errorf("vault: rotate: %w", apperr.ErrDecryptionFailed)
	}
	defer keys.Zero(dek)

	newKEK := s.deriver.Derive([]byte(newPassphrase), u.KEKSalt)
	wrapped, nonce, err := keys.Rewrap(dek, newKEK)
	keys.Zero(newKEK)
	if err != nil {
		return err
	}
	if err := s.repo.UpdateProjectKey(ctx, projectID, p.EncryptedDEK, wrapped, nonce); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			s.logger.Warn("concurrent passphrase rotation", "project_id", projectID)
		}
		return err
	}
	s.logger.Info("passphrase rotated", "project_id", projectID)
	return nil
}

// SignOut purges every key cached for sessionID.
func (s *Service) SignOut(sessionID string) {
	s.sessions.SignOut(sessionID)
}

