package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/sigil/internal/bridge"
	"github.com/starford/sigil/internal/storage"
)

// RunBridge starts the local credential broker: the page port over HTTP on
// loopback, the state file watcher and the request loop.
func RunBridge(ctx context.Context, opts ...Option) error {
	app := newApplication(opts)
	if app.bridgeConfig == nil {
		return fmt.Errorf("bridge config is required")
	}
	cfg := &app.bridgeConfig.Bridge
	logger := newLogger(app, app.bridgeConfig.App.LogLevel)

	store, err := storage.NewFS(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("init state dir: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return err
	}
	cookies, err := bridge.NewJarCookies(jar, cfg.PrimaryOrigin, cfg.CookieName)
	if err != nil {
		return err
	}
	if app.sessionToken != "" {
		cookies.Store([]*http.Cookie{{Name: cfg.CookieName, Value: app.sessionToken}})
	}
	upstream, err := bridge.NewHTTPUpstream(cfg.UpstreamURL, cfg.Retries, cookies, logger)
	if err != nil {
		return err
	}
	broker, err := bridge.NewBroker(store, cookies, upstream, cfg.AllowedOrigins, logger.With("component", "bridge"))
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Address(),
		Handler:           broker.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Bridge starting",
		slog.String("address", cfg.Address()),
		slog.String("upstream", cfg.UpstreamURL),
		slog.String("state_dir", store.Root()))

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return broker.Run(gCtx) })
	g.Go(func() error { return broker.Watch(gCtx) })
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("bridge HTTP server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		waitForShutdown(gCtx, logger)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("bridge shutdown error", slog.String("error", err.Error()))
		}
		broker.Close()
		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Bridge error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("Bridge stopped")
	return nil
}
