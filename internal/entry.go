// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/starford/sigil/internal/api"
	"github.com/starford/sigil/internal/auth"
	"github.com/starford/sigil/internal/keys"
	"github.com/starford/sigil/internal/session"
	"github.com/starford/sigil/internal/sse"
	"github.com/starford/sigil/internal/store"
	"github.com/starford/sigil/internal/vault"
)

func newApplication(opts []Option) *application {
	app := &application{logOutput: os.Stdout}
	for _, opt := range opts {
		opt(app)
	}
	return app
}

func newLogger(app *application, level slog.Level) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(app.logOutput, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

// core is the part of the server shared by the HTTP and MCP front ends.
type core struct {
	db       *store.DB
	registry *auth.Registry
	sessions *session.Manager
	svc      *vault.Service
	events   *sse.Broker
}

func newCore(cfg *Config, logger *slog.Logger) (*core, error) {
	db, err := store.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	registry := auth.NewRegistry()
	var checker session.StatusChecker = registry
	if cfg.Session.StatusURL != "" {
		checker = session.NewHTTPChecker(cfg.Session.StatusURL, cfg.Session.StatusRetries, logger)
	}

	events := sse.NewBroker(cfg.App.EventsThrottle)
	kdf := keys.NewDeriver(cfg.KDF.Params)
	sessions := session.NewManager(kdf, db, checker,
		session.WithLogger(logger.With("component", "session")),
		session.WithMaxStaleness(cfg.Session.MaxStaleness),
		session.WithObserver(events.SessionObserver()),
	)
	svc := vault.NewService(db, sessions, kdf,
		vault.WithLogger(logger.With("component", "vault")),
		vault.WithMinPassphrase(cfg.KDF.MinPassphrase),
		vault.WithListWorkers(cfg.Session.ListWorkers),
		vault.WithNotifier(events.PublishChunks),
	)
	return &core{db: db, registry: registry, sessions: sessions, svc: svc, events: events}, nil
}

// close purges every cached key before releasing the database.
func (c *core) close() {
	c.sessions.Teardown()
	c.events.Close()
	_ = c.db.Close()
}

// background runs the revalidator and the session sweeper until ctx ends.
func (c *core) background(ctx context.Context, g *errgroup.Group, cfg *Config, logger *slog.Logger) {
	g.Go(func() error {
		return c.sessions.RunRevalidator(ctx, cfg.Session.RevalidateInterval)
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				for _, sid := range c.registry.Sweep() {
					logger.Debug("session expired", slog.String("session_id", sid))
					c.svc.SignOut(sid)
				}
			}
		}
	})
}

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := newApplication(opts)
	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	cfg := app.config
	logger := newLogger(app, cfg.App.LogLevel)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.Bool("remote_status", cfg.Session.StatusURL != ""),
		slog.String("log_level", cfg.App.LogLevel.String()))

	c, err := newCore(cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()

	signer, err := auth.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.SessionTTL)
	if err != nil {
		return fmt.Errorf("init signer: %w", err)
	}

	apiRouter := api.NewRouter(c.svc, signer, c.registry, api.Options{
		AdminToken:     cfg.Auth.AdminToken,
		Cookie:         api.CookieConfig{Name: cfg.Auth.CookieName, Secure: cfg.Auth.CookieSecure},
		KeyIdle:        cfg.Auth.KeyIdle,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
		UnlockRate:     rate.Limit(cfg.Auth.UnlockPerMin / 60),
		UnlockBurst:    cfg.Auth.UnlockBurst,
		Events:         c.events,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := c.db.Ping(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	c.background(gCtx, g, cfg, logger)

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		waitForShutdown(gCtx, logger)
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown ends the errgroup so background loops stop with the server.
var errShutdown = errors.New("shutdown")

func waitForShutdown(ctx context.Context, logger *slog.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, initiating shutdown")
	}
}
