package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/starford/sigil/internal/mcpserver"
	"github.com/starford/sigil/internal/vault"
)

// mcpSessionTTL bounds how long one stdio MCP session may hold keys.
const mcpSessionTTL = 24 * time.Hour

// RunMCP serves MCP tools over stdio as userID. The process is one session:
// keys unlocked through it are purged when it exits.
func RunMCP(ctx context.Context, userID string, opts ...Option) error {
	app := newApplication(opts)
	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	cfg := app.config
	logger := newLogger(app, cfg.App.LogLevel)

	c, err := newCore(cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()

	u, err := c.svc.User(ctx, userID)
	if err != nil {
		return fmt.Errorf("mcp user %s: %w", userID, err)
	}
	actor := vault.Actor{UserID: u.ID, SessionID: "mcp:" + uuid.NewString()}
	c.registry.Register(actor.SessionID, u.ID, time.Now().Add(mcpSessionTTL))
	logger.Info("MCP server starting", slog.String("user_id", u.ID), slog.String("session_id", actor.SessionID))

	g, gCtx := errgroup.WithContext(ctx)
	c.background(gCtx, g, cfg, logger)
	g.Go(func() error {
		if err := mcpserver.New(c.svc, actor).ServeStdio(); err != nil {
			return fmt.Errorf("mcp server: %w", err)
		}
		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		return err
	}
	return nil
}
