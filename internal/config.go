package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/sigil/internal/keys"
	"github.com/starford/sigil/internal/vault"
)

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app"`
	SQLite  SQLiteConfig      `yaml:"sqlite"`
	KDF     KDFConfig         `yaml:"kdf"`
	Session SessionConfig     `yaml:"session"`
	Auth    AuthConfig        `yaml:"auth"`
	Bridge  BridgeConfig      `yaml:"bridge"`
}

// Validate validates the sections used by the server.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if err := c.SQLite.Validate(); err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	if err := c.KDF.Validate(); err != nil {
		return fmt.Errorf("kdf: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel       slog.Level    `yaml:"log_level"`
	HTTP           HTTPConfig    `yaml:"http"`
	EventsThrottle time.Duration `yaml:"events_throttle"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// KDFConfig holds the Argon2id cost and the passphrase policy.
type KDFConfig struct {
	keys.Params   `yaml:",inline"`
	MinPassphrase int `yaml:"min_passphrase"`
}

// Validate validates the KDF configuration.
func (c *KDFConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MemoryKiB, validation.Required, validation.Min(uint32(8*1024))),
		validation.Field(&c.Iterations, validation.Required),
		validation.Field(&c.Parallelism, validation.Required),
		validation.Field(&c.MinPassphrase, validation.Required, validation.Min(vault.DefaultMinPassphrase)),
	)
}

// SessionConfig controls how cached project keys are revalidated.
//
// With StatusURL empty the in-process session registry is the authority.
// Otherwise every revalidation asks StatusURL, retrying StatusRetries times.
type SessionConfig struct {
	RevalidateInterval time.Duration `yaml:"revalidate_interval"`
	MaxStaleness       time.Duration `yaml:"max_staleness"`
	StatusURL          string        `yaml:"status_url"`
	StatusRetries      int           `yaml:"status_retries"`
	ListWorkers        int           `yaml:"list_workers"`
}

// Validate validates the session configuration.
func (c *SessionConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.RevalidateInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.MaxStaleness,
			validation.When(c.MaxStaleness != 0, validation.Min(c.RevalidateInterval))),
		validation.Field(&c.StatusRetries, validation.Min(0), validation.Max(10)),
		validation.Field(&c.ListWorkers, validation.Min(0), validation.Max(64)),
	)
}

// AuthConfig holds authentication configuration.
//
// AdminToken guards user registration; empty disables it. JWTSecret signs
// session tokens and must be at least 32 bytes.
type AuthConfig struct {
	AdminToken     string        `yaml:"admin_token"`
	JWTSecret      string        `yaml:"jwt_secret"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	KeyIdle        time.Duration `yaml:"key_idle"`
	CookieName     string        `yaml:"cookie_name"`
	CookieSecure   bool          `yaml:"cookie_secure"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	UnlockPerMin   float64       `yaml:"unlock_per_minute"`
	UnlockBurst    int           `yaml:"unlock_burst"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.JWTSecret, validation.Required, validation.Length(32, 0)),
		validation.Field(&c.SessionTTL, validation.Required, validation.Min(time.Minute)),
		validation.Field(&c.KeyIdle, validation.Required, validation.Min(time.Minute)),
		validation.Field(&c.CookieName, validation.Required),
		validation.Field(&c.UnlockPerMin, validation.Min(0.0)),
		validation.Field(&c.UnlockBurst, validation.Min(0)),
	); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	return nil
}

// BridgeConfig configures `sigil bridge`, the local credential broker.
type BridgeConfig struct {
	Port           int      `yaml:"port"`
	UpstreamURL    string   `yaml:"upstream_url"`
	PrimaryOrigin  string   `yaml:"primary_origin"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	StateDir       string   `yaml:"state_dir"`
	CookieName     string   `yaml:"cookie_name"`
	Retries        int      `yaml:"retries"`
}

// Address returns the bridge listen address. It binds to loopback only.
func (c *BridgeConfig) Address() string {
	return fmt.Sprintf("127.0.0.1:%d", c.Port)
}

// Validate validates the bridge configuration.
func (c *BridgeConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.UpstreamURL, validation.Required),
		validation.Field(&c.PrimaryOrigin, validation.Required),
		validation.Field(&c.AllowedOrigins, validation.Required),
		validation.Field(&c.StateDir, validation.Required),
		validation.Field(&c.CookieName, validation.Required),
		validation.Field(&c.Retries, validation.Min(0), validation.Max(10)),
	); err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	return nil
}

// BridgeFileConfig is the view of the config file used by `sigil bridge`.
// Server sections are ignored, so the bridge needs no server secrets.
type BridgeFileConfig struct {
	App    ApplicationConfig `yaml:"app"`
	Bridge BridgeConfig      `yaml:"bridge"`
}

// Validate validates the bridge view.
func (c *BridgeFileConfig) Validate() error {
	return c.Bridge.Validate()
}

// NewDefaultBridgeConfig returns bridge defaults.
func NewDefaultBridgeConfig() *BridgeFileConfig {
	d := NewDefaultConfig()
	return &BridgeFileConfig{App: d.App, Bridge: d.Bridge}
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel:       slog.LevelInfo,
			HTTP:           HTTPConfig{Port: 8080},
			EventsThrottle: 2 * time.Second,
		},
		SQLite: SQLiteConfig{
			Path: "./sigil.db",
		},
		KDF: KDFConfig{
			Params:        keys.DefaultParams(),
			MinPassphrase: vault.DefaultMinPassphrase,
		},
		Session: SessionConfig{
			RevalidateInterval: 30 * time.Second,
			MaxStaleness:       2 * time.Minute,
			StatusRetries:      2,
			ListWorkers:        4,
		},
		Auth: AuthConfig{
			SessionTTL:   12 * time.Hour,
			KeyIdle:      30 * time.Minute,
			CookieName:   "sigil_session",
			CookieSecure: true,
			UnlockPerMin: 5,
			UnlockBurst:  5,
		},
		Bridge: BridgeConfig{
			Port:       8765,
			StateDir:   "./bridge-state",
			CookieName: "sigil_session",
			Retries:    2,
		},
	}
}
