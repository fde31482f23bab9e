package auth

import "context"

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID    string
	SessionID string
	KeyID     string // set when authenticated by API key
}

type ctxKey int

const principalKey ctxKey = 1

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext returns the principal stored by WithPrincipal.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}
