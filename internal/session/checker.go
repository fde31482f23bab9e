package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/starford/sigil/internal/apperr"
)

// Status is what the authoritative service reports for a pair.
type Status struct {
	Unlocked  bool   `json:"unlocked"`
	SessionID string `json:"session_id"`
}

// StatusChecker asks the authoritative service whether a pair is still
// allowed to hold a key.
type StatusChecker interface {
	Check(ctx context.Context, key Key) (Status, error)
}

// Revalidate checks every Unlocked pair and purges those the checker does
// not confirm. An error, unlocked=false, or a session mismatch all purge.
func (mgr *Manager) Revalidate(ctx context.Context) {
	for _, key := range mgr.keys(nil) {
		if ctx.Err() != nil {
			return
		}
		m := mgr.lookup(key)
		if m == nil || m.current() != Unlocked {
			continue
		}

		st, err := mgr.checker.Check(ctx, key)
		switch {
		case err != nil:
			mgr.logger.Warn("status check failed", "project_id", key.ProjectID, "error", err)
			mgr.purge(key, ReasonCheckErr)
		case !st.Unlocked || (st.SessionID != "" && st.SessionID != key.SessionID):
			mgr.purge(key, ReasonInvalid)
		default:
			m.markVerified(mgr.now())
		}
	}
}

// RunRevalidator calls Revalidate every interval until ctx is done.
func (mgr *Manager) RunRevalidator(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			mgr.Revalidate(ctx)
		}
	}
}

// HTTPChecker queries a remote status endpoint.
type HTTPChecker struct {
	client  *retryablehttp.Client
	baseURL string
}

// NewHTTPChecker creates a checker for GET {baseURL}?project_id=..&session_id=..
// Non-2xx answers count as unlocked=false; transport failures after retries
// return ErrNetworkUnavailable.
func NewHTTPChecker(baseURL string, retries int, logger *slog.Logger) *HTTPChecker {
	c := retryablehttp.NewClient()
	c.RetryMax = retries
	c.RetryWaitMin = 100 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if logger != nil {
		c.Logger = logger.With("component", "status_checker")
	} else {
		c.Logger = nil
	}
	return &HTTPChecker{client: c, baseURL: baseURL}
}

func (c *HTTPChecker) Check(ctx context.Context, key Key) (Status, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return Status{}, fmt.Errorf("session: status url: %w", err)
	}
	q := u.Query()
	q.Set("project_id", key.ProjectID)
	q.Set("session_id", key.SessionID)
	u.RawQuery = q.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Status{}, fmt.Errorf("session: status request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Status{}, ctx.Err()
		}
		return Status{}, fmt.Errorf("session: status check: %w", apperr.ErrNetworkUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return Status{}, nil
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return Status{}, nil
	}
	return st, nil
}
