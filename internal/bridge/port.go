package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/sigil/internal/apperr"
)

// Message kinds a page may send.
const (
	KindCapture       = "CAPTURE"
	KindSessionStatus = "SESSION_STATUS"
	KindActiveProject = "ACTIVE_PROJECT"
)

// ErrClosed is returned by Port.Call once the broker has stopped.
var ErrClosed = errors.New("bridge: broker closed")

// Message is a page's request to the broker. ProjectID defaults to the
// active project.
type Message struct {
	Kind      string `json:"kind"`
	ProjectID string `json:"project_id,omitempty"`
	Source    string `json:"source,omitempty"`
	Payload   string `json:"payload,omitempty"`
}

// Validate checks the message shape for its kind.
func (m *Message) Validate() error {
	return validation.ValidateStruct(m,
		validation.Field(&m.Kind, validation.Required,
			validation.In(KindCapture, KindSessionStatus, KindActiveProject)),
		validation.Field(&m.ProjectID, validation.Length(0, 64), validation.Match(projectRe)),
		validation.Field(&m.Source, validation.Length(0, 2048)),
		validation.Field(&m.Payload,
			validation.When(m.Kind == KindCapture, validation.Required, validation.Length(1, 1<<20)).
				Else(validation.Empty)),
	)
}

// Response is the broker's answer. Code is a stable error class so pages
// can tell a missing credential from an unreachable server.
type Response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Code  string          `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Error codes carried in Response.Code.
const (
	CodeInvalidInput       = "invalid_input"
	CodeUnauthenticated    = "unauthenticated"
	CodeNetworkUnavailable = "network_unavailable"
	CodeSessionLocked      = "session_locked"
	CodeNotFound           = "not_found"
	CodeInternal           = "internal"
)

func errorResponse(err error) Response {
	code := CodeInternal
	msg := "internal error"
	switch {
	case errors.Is(err, apperr.ErrInvalidInput):
		code, msg = CodeInvalidInput, err.Error()
	case errors.Is(err, apperr.ErrUnauthenticated):
		code, msg = CodeUnauthenticated, "not signed in"
	case errors.Is(err, apperr.ErrNetworkUnavailable):
		code, msg = CodeNetworkUnavailable, "server unreachable"
	case errors.Is(err, apperr.ErrSessionLocked):
		code, msg = CodeSessionLocked, "project is locked"
	case errors.Is(err, apperr.ErrNotFound):
		code, msg = CodeNotFound, "not found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code, msg = CodeNetworkUnavailable, "request cancelled"
	}
	return Response{Code: code, Error: msg}
}

type request struct {
	ctx   context.Context
	msg   Message
	reply chan Response
}

// Port is a page script's handle on the broker. It carries no credential.
type Port struct {
	inbox chan<- request
	done  <-chan struct{}
}

// Call sends msg and waits for the broker's answer or ctx cancellation.
func (p *Port) Call(ctx context.Context, msg Message) (Response, error) {
	select {
	case <-p.done:
		return Response{}, ErrClosed
	default:
	}
	reply := make(chan Response, 1)
	select {
	case p.inbox <- request{ctx: ctx, msg: msg, reply: reply}:
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-p.done:
		return Response{}, ErrClosed
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-p.done:
		return Response{}, ErrClosed
	}
}

func dataResponse(v any) (Response, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Response{}, fmt.Errorf("bridge: encode response: %w", err)
	}
	return Response{OK: true, Data: raw}, nil
}
