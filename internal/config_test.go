package internal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	pkgconfig "github.com/starford/sigil/pkg/config"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func validConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.Auth.JWTSecret = testSecret
	return cfg
}

func TestDefaultConfig_NeedsSecret(t *testing.T) {
	cfg := NewDefaultConfig()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("default config without jwt secret should fail")
	}
	if !strings.Contains(err.Error(), "auth") {
		t.Errorf("unexpected error: %v", err)
	}
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("config with secret should pass: %v", err)
	}
}

func TestAuthConfig_ShortSecret(t *testing.T) {
	cfg := validConfig()
	cfg.Auth.JWTSecret = "short"
	if err := cfg.Validate(); err == nil {
		t.Fatal("short jwt secret should fail")
	}
}

func TestKDFConfig_Policy(t *testing.T) {
	cfg := validConfig()
	if cfg.KDF.MinPassphrase != 20 {
		t.Errorf("default min passphrase = %d, want 20", cfg.KDF.MinPassphrase)
	}
	cfg.KDF.MinPassphrase = 19
	if err := cfg.Validate(); err == nil {
		t.Error("min passphrase below 20 should fail")
	}
	cfg.KDF.MinPassphrase = 32
	if err := cfg.Validate(); err != nil {
		t.Errorf("stricter min passphrase rejected: %v", err)
	}

	cfg = validConfig()
	cfg.KDF.MemoryKiB = 1024
	if err := cfg.Validate(); err == nil {
		t.Error("argon2 memory below 8 MiB should fail")
	}
}

func TestSessionConfig_StalenessBound(t *testing.T) {
	cfg := validConfig()
	cfg.Session.RevalidateInterval = time.Minute
	cfg.Session.MaxStaleness = 30 * time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("staleness shorter than the revalidate interval should fail")
	}

	cfg.Session.MaxStaleness = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("zero staleness disables the bound: %v", err)
	}
}

func TestBridgeFileConfig_Validate(t *testing.T) {
	cfg := NewDefaultBridgeConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("bridge without upstream and origins should fail")
	}
	cfg.Bridge.UpstreamURL = "https://sigil.example.com"
	cfg.Bridge.PrimaryOrigin = "https://sigil.example.com"
	cfg.Bridge.AllowedOrigins = []string{"chrome-extension://abcdef"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("bridge config should pass without server secrets: %v", err)
	}
	if got := cfg.Bridge.Address(); got != "127.0.0.1:8765" {
		t.Errorf("address = %q", got)
	}
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("SIGIL_TEST_SECRET", testSecret)
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
app:
  log_level: debug
  http:
    port: 9090
sqlite:
  path: /tmp/sigil.db
kdf:
  memory_kib: 16384
  iterations: 2
  parallelism: 1
  min_passphrase: 24
session:
  revalidate_interval: 10s
  max_staleness: 1m
auth:
  jwt_secret: ${SIGIL_TEST_SECRET}
  admin_token: ${SIGIL_TEST_ADMIN:-fallback-admin}
  unlock_per_minute: 3
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := NewDefaultConfig()
	if err := pkgconfig.Load(path, cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.JWTSecret != testSecret {
		t.Error("env var not expanded")
	}
	if cfg.App.HTTP.Port != 9090 || cfg.KDF.MemoryKiB != 16384 || cfg.KDF.MinPassphrase != 24 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Session.RevalidateInterval != 10*time.Second || cfg.Session.MaxStaleness != time.Minute {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Auth.AdminToken != "fallback-admin" {
		t.Errorf("admin token = %q, want default from ${VAR:-default}", cfg.Auth.AdminToken)
	}
	if cfg.Auth.CookieName != "sigil_session" {
		t.Error("defaults lost for unset fields")
	}
}
