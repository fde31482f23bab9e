package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/starford/sigil/internal/apperr"
)

// IngestPayload is the body of an upstream ingest call.
type IngestPayload struct {
	Source    string `json:"source"`
	ProjectID string `json:"project_id"`
	Payload   string `json:"payload"`
}

// Upstream performs authenticated calls against the service.
type Upstream interface {
	Ingest(ctx context.Context, auth Auth, p IngestPayload) (json.RawMessage, error)
	Status(ctx context.Context, auth Auth, projectID string) (json.RawMessage, error)
}

// HTTPUpstream talks to the service's HTTP API with bounded retries.
type HTTPUpstream struct {
	client  *retryablehttp.Client
	baseURL *url.URL
	cookies *JarCookies
}

// NewHTTPUpstream creates an upstream for baseURL. Session cookies refreshed
// by the server are written back to cookies when it is non-nil.
func NewHTTPUpstream(baseURL string, retries int, cookies *JarCookies, logger *slog.Logger) (*HTTPUpstream, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("bridge: upstream url %q: %w", baseURL, apperr.ErrInvalidInput)
	}
	c := retryablehttp.NewClient()
	c.RetryMax = retries
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 3 * time.Second
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if logger != nil {
		c.Logger = logger.With("component", "bridge_upstream")
	} else {
		c.Logger = nil
	}
	return &HTTPUpstream{client: c, baseURL: u, cookies: cookies}, nil
}

func (h *HTTPUpstream) Ingest(ctx context.Context, auth Auth, p IngestPayload) (json.RawMessage, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("bridge: encode ingest: %w", err)
	}
	return h.do(ctx, auth, http.MethodPost, "/api/ingest", body)
}

func (h *HTTPUpstream) Status(ctx context.Context, auth Auth, projectID string) (json.RawMessage, error) {
	return h.do(ctx, auth, http.MethodGet, "/api/projects/"+url.PathEscape(projectID)+"/status", nil)
}

func (h *HTTPUpstream) do(ctx context.Context, auth Auth, method, path string, body []byte) (json.RawMessage, error) {
	u := h.baseURL.JoinPath(path)
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return nil, fmt.Errorf("bridge: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	auth.Apply(req.Request)

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("bridge: %s %s: %w", method, path, apperr.ErrNetworkUnavailable)
	}
	defer resp.Body.Close()

	if h.cookies != nil && auth.Cookie != nil {
		h.cookies.Store(resp.Cookies())
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("bridge: read response: %w", apperr.ErrNetworkUnavailable)
	}

	switch {
	case resp.StatusCode/100 == 2:
		return data, nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("bridge: upstream rejected credential: %w", apperr.ErrUnauthenticated)
	case resp.StatusCode == http.StatusLocked:
		return nil, fmt.Errorf("bridge: upstream: %w", apperr.ErrSessionLocked)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("bridge: upstream: %w", apperr.ErrNotFound)
	case resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("bridge: upstream: %w", apperr.ErrInvalidInput)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("bridge: upstream status %d: %w", resp.StatusCode, apperr.ErrNetworkUnavailable)
	default:
		return nil, fmt.Errorf("bridge: upstream status %d", resp.StatusCode)
	}
}
