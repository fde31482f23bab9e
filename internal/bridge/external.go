package bridge

import (
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// External message types.
const (
	TypeSetCredential   = "SET_CREDENTIAL"
	TypeClearCredential = "CLEAR_CREDENTIAL"
)

var (
	keyRe     = regexp.MustCompile(`^[A-Za-z0-9_\-.]+$`)
	projectRe = regexp.MustCompile(`^[A-Za-z0-9\-]+$`)
)

// ExternalMessage arrives from the primary client to push or revoke the
// bridge credential.
type ExternalMessage struct {
	Type      string `json:"type"`
	Key       string `json:"key,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
}

// Validate checks the message shape. Nothing is persisted from a message
// that fails here.
func (m *ExternalMessage) Validate() error {
	set := m.Type == TypeSetCredential
	return validation.ValidateStruct(m,
		validation.Field(&m.Type, validation.Required, validation.In(TypeSetCredential, TypeClearCredential)),
		validation.Field(&m.Key,
			validation.When(set, validation.Required, validation.Length(16, 512), validation.Match(keyRe)).
				Else(validation.Empty)),
		validation.Field(&m.ProjectID,
			validation.When(set, validation.Length(0, 64), validation.Match(projectRe)).
				Else(validation.Empty)),
	)
}

// Sender identifies where an external message came from.
type Sender struct {
	Origin string
}

// Ack answers an external message.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}
