package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/sigil/internal"
	pkgconfig "github.com/starford/sigil/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.Load(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func mcp(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	opts := []internal.Option{
		internal.WithConfig(cfg),
		internal.WithLogOutput(os.Stderr),
	}
	if err := internal.RunMCP(ctx, cmd.String("user"), opts...); err != nil {
		return fmt.Errorf("mcp run error: %w", err)
	}
	return nil
}

func bridge(ctx context.Context, cmd *cli.Command) error {
	cfg := internal.NewDefaultBridgeConfig()
	if err := pkgconfig.Load(cmd.String("config"), cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	opts := []internal.Option{
		internal.WithBridgeConfig(cfg),
		internal.WithSessionToken(cmd.String("session-token")),
	}
	if err := internal.RunBridge(ctx, opts...); err != nil {
		return fmt.Errorf("bridge run error: %w", err)
	}
	return nil
}

func main() {
	cmd := &cli.Command{
		Name:   "sigil",
		Usage:  "End-to-end encrypted knowledge capture with per-project passphrases",
		Action: serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API",
				Action: serve,
			},
			{
				Name:   "mcp",
				Usage:  "Serve MCP tools over stdio for one user",
				Action: mcp,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "user",
						Usage:    "User ID the MCP session acts as",
						Required: true,
						Sources:  cli.EnvVars("SIGIL_MCP_USER"),
					},
				},
			},
			{
				Name:   "bridge",
				Usage:  "Run the local credential bridge",
				Action: bridge,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "session-token",
						Usage:   "Session cookie value of the primary client",
						Sources: cli.EnvVars("SIGIL_SESSION_TOKEN"),
					},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
