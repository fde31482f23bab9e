package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/starford/sigil/internal/apperr"
	"github.com/starford/sigil/internal/checksum"
	"github.com/starford/sigil/internal/metrics"
	"github.com/starford/sigil/internal/storage"
)

// StateFile is the name of the persisted credential inside the state dir.
const StateFile = "credential.json"

// Broker is the only holder of the bridge credential. Resolving a credential
// and using it happen under one read lock; set and clear take the write lock.
type Broker struct {
	mu   sync.RWMutex
	cred Credential

	store    storage.Provider
	cookies  CookieSource
	upstream Upstream
	origins  map[string]struct{}
	logger   *slog.Logger

	inbox chan request
	done  chan struct{}
	once  sync.Once
}

// NewBroker loads any persisted credential and returns a broker. An
// unreadable state file is removed. Only external messages from one of
// allowedOrigins are honored.
func NewBroker(store storage.Provider, cookies CookieSource, upstream Upstream, allowedOrigins []string, logger *slog.Logger) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		store:    store,
		cookies:  cookies,
		upstream: upstream,
		origins:  make(map[string]struct{}, len(allowedOrigins)),
		logger:   logger,
		inbox:    make(chan request),
		done:     make(chan struct{}),
	}
	for _, o := range allowedOrigins {
		if o != "" {
			b.origins[o] = struct{}{}
		}
	}
	cred, err := b.load()
	if errors.Is(err, apperr.ErrCorruptedRecord) {
		// Start signed out rather than refuse to run.
		logger.Warn("discarding unreadable bridge state", "error", err)
		if derr := store.Delete(StateFile); derr != nil {
			return nil, derr
		}
		cred, err = Credential{}, nil
	}
	if err != nil {
		return nil, err
	}
	b.cred = cred
	return b, nil
}

func (b *Broker) load() (Credential, error) {
	var c Credential
	data, err := b.store.Read(StateFile)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("bridge: load state: %w", err)
	}
	if len(data) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return Credential{}, fmt.Errorf("bridge: state file unreadable: %w", apperr.ErrCorruptedRecord)
	}
	return c, nil
}

// save replaces the state file in one atomic write.
func (b *Broker) save(c Credential) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("bridge: encode state: %w", err)
	}
	return b.store.Write(StateFile, data)
}

// Port returns a handle for a page script.
func (b *Broker) Port() *Port {
	return &Port{inbox: b.inbox, done: b.done}
}

// Run serves page requests until ctx is done. Each request is handled on
// its own goroutine.
func (b *Broker) Run(ctx context.Context) error {
	defer b.once.Do(func() { close(b.done) })
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case req := <-b.inbox:
			wg.Add(1)
			go func() {
				defer wg.Done()
				resp := b.handle(req.ctx, req.msg)
				select {
				case req.reply <- resp:
				default:
				}
			}()
		}
	}
}

func (b *Broker) handle(ctx context.Context, msg Message) Response {
	resp, err := b.dispatch(ctx, msg)
	outcome := "ok"
	if err != nil {
		resp = errorResponse(err)
		outcome = resp.Code
		b.logger.Debug("bridge request failed", "kind", msg.Kind, "code", resp.Code)
	}
	metrics.RecordBridge(msg.Kind, outcome)
	return resp
}

func (b *Broker) dispatch(ctx context.Context, msg Message) (Response, error) {
	if err := msg.Validate(); err != nil {
		return Response{}, fmt.Errorf("bridge: %v: %w", err, apperr.ErrInvalidInput)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	projectID := msg.ProjectID
	if projectID == "" {
		projectID = b.cred.ActiveProject
	}

	switch msg.Kind {
	case KindActiveProject:
		return dataResponse(map[string]string{"project_id": b.cred.ActiveProject})

	case KindCapture:
		if projectID == "" {
			return Response{}, fmt.Errorf("bridge: no project selected: %w", apperr.ErrInvalidInput)
		}
		auth, err := b.resolveLocked()
		if err != nil {
			return Response{}, err
		}
		data, err := b.upstream.Ingest(ctx, auth, IngestPayload{Source: msg.Source, ProjectID: projectID, Payload: msg.Payload})
		if err != nil {
			return Response{}, err
		}
		return Response{OK: true, Data: data}, nil

	case KindSessionStatus:
		if projectID == "" {
			return Response{}, fmt.Errorf("bridge: no project selected: %w", apperr.ErrInvalidInput)
		}
		auth, err := b.resolveLocked()
		if err != nil {
			return Response{}, err
		}
		data, err := b.upstream.Status(ctx, auth, projectID)
		if err != nil {
			return Response{}, err
		}
		return Response{OK: true, Data: data}, nil
	}
	return Response{}, fmt.Errorf("bridge: unknown kind %q: %w", msg.Kind, apperr.ErrInvalidInput)
}

// resolveLocked picks the credential for an upstream call: the API key,
// then the primary client's session cookie, else ErrUnauthenticated.
// b.mu must be held.
func (b *Broker) resolveLocked() (Auth, error) {
	if b.cred.APIKey != "" {
		return Auth{APIKey: b.cred.APIKey}, nil
	}
	if b.cookies != nil {
		if c, ok := b.cookies.SessionCookie(); ok {
			return Auth{Cookie: c}, nil
		}
	}
	return Auth{}, fmt.Errorf("bridge: no credential: %w", apperr.ErrUnauthenticated)
}

// Resolve reports which credential would be used right now.
func (b *Broker) Resolve() (Auth, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.resolveLocked()
}

// HandleExternal applies a SET_CREDENTIAL or CLEAR_CREDENTIAL message. The
// sender origin must exactly match an allowed origin and the message must
// be well formed before anything is persisted. Both operations are
// idempotent.
func (b *Broker) HandleExternal(_ context.Context, from Sender, msg ExternalMessage) Ack {
	if _, ok := b.origins[from.Origin]; !ok || from.Origin == "" {
		b.logger.Warn("external message from disallowed origin", "origin", from.Origin)
		metrics.RecordBridge(msg.Type, "forbidden")
		return Ack{Error: "origin not allowed"}
	}
	if err := msg.Validate(); err != nil {
		metrics.RecordBridge(msg.Type, CodeInvalidInput)
		return Ack{Error: "invalid message: " + err.Error()}
	}

	var next Credential
	if msg.Type == TypeSetCredential {
		next = Credential{APIKey: msg.Key, ActiveProject: msg.ProjectID}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.save(next); err != nil {
		b.logger.Error("persist bridge credential", "error", err)
		metrics.RecordBridge(msg.Type, CodeInternal)
		return Ack{Error: "storage failure"}
	}
	b.cred = next
	b.logger.Info("bridge credential updated", "type", msg.Type, "origin", from.Origin,
		"key_fp", checksum.Fingerprint(next.APIKey), "project_id", next.ActiveProject)
	metrics.RecordBridge(msg.Type, "ok")
	return Ack{OK: true}
}

// Reload re-reads the state file. An unreadable file clears the in-memory
// credential.
func (b *Broker) Reload() {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := b.load()
	if err != nil {
		b.logger.Warn("bridge state unreadable, clearing credential", "error", err)
		c = Credential{}
	}
	if c != b.cred {
		b.logger.Info("bridge credential reloaded", "key_fp", checksum.Fingerprint(c.APIKey), "project_id", c.ActiveProject)
	}
	b.cred = c
}

// Close stops accepting page requests.
func (b *Broker) Close() {
	b.once.Do(func() { close(b.done) })
}
