package internal

import "io"

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config       *Config
	bridgeConfig *BridgeFileConfig
	logOutput    io.Writer
	sessionToken string
}

// WithConfig sets the server configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithBridgeConfig sets the bridge configuration.
func WithBridgeConfig(cfg *BridgeFileConfig) Option {
	return func(a *application) {
		a.bridgeConfig = cfg
	}
}

// WithLogOutput redirects logs. The MCP server logs to stderr because
// stdout carries the protocol.
func WithLogOutput(w io.Writer) Option {
	return func(a *application) {
		a.logOutput = w
	}
}

// WithSessionToken seeds the bridge with the primary client's session
// cookie value.
func WithSessionToken(token string) Option {
	return func(a *application) {
		a.sessionToken = token
	}
}
