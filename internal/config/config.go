package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// State store backends accepted by STATE_STORE.
const (
	StateStoreMemory = "memory"
	StateStoreRedis  = "redis"
	StateStoreBolt   = "bolt"
)

// Config holds all environment-based configuration for gate.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`

	// Upstream authorization server and identity provider UI.
	HydraPublicURL string `env:"HYDRA_PUBLIC_URL" envDefault:"http://hydra:4444"`
	HydraAdminURL  string `env:"HYDRA_ADMIN_URL" envDefault:"http://hydra:4445"`
	LoginUIURL     string `env:"LOGIN_UI_URL" envDefault:"http://login-consent:8000"`

	// Public base URL of the gateway itself. Internal upstream addresses
	// are rewritten to this in redirects and discovery documents.
	BaseURL string `env:"GATE_BASE_URL" envDefault:"http://localhost:8080"`

	// Expected issuer of bearer tokens. Defaults to HYDRA_PUBLIC_URL.
	Issuer string `env:"GATE_ISSUER"`

	// Bearer verification. JWKSURL defaults to the upstream public JWKS.
	JWKSURL         string `env:"GATE_JWKS_URL"`
	JWTAlgorithm    string `env:"GATE_JWT_ALGORITHM" envDefault:"RS256"`
	Audience        string `env:"GATE_AUDIENCE" envDefault:"gate-api"`
	EnforceAudience bool   `env:"GATE_ENFORCE_AUDIENCE" envDefault:"false"`

	// Browser-facing Authorization Code + PKCE client. The client is
	// confidential when OAUTH_CLIENT_SECRET is set.
	OAuthClientID     string `env:"OAUTH_CLIENT_ID" envDefault:"gate-client"`
	OAuthClientSecret string `env:"OAUTH_CLIENT_SECRET"`
	OAuthRedirectURI  string `env:"OAUTH_REDIRECT_URI" envDefault:"http://localhost:3000/callback"`
	OAuthScope        string `env:"OAUTH_SCOPE" envDefault:"openid offline"`
	OAuthAudience     string `env:"OAUTH_AUDIENCE"`

	// When set, the callback stores tokens in HttpOnly cookies and
	// redirects here instead of returning the token JSON.
	PostLoginRedirect string `env:"GATE_POST_LOGIN_REDIRECT"`

	// M2M broker. APIKey may be a plain key or a bcrypt hash.
	APIKey      string `env:"GATE_API_KEY"`
	ClientsJSON string `env:"GATE_CLIENTS_JSON"`
	ClientsFile string `env:"GATE_CLIENTS_FILE"`

	// Comma-separated browser origins allowed by CORS.
	WebOrigin string `env:"WEB_ORIGIN" envDefault:"http://localhost:3000"`

	// PKCE state store.
	StateStore    string        `env:"STATE_STORE" envDefault:"memory"`
	StateTTL      time.Duration `env:"STATE_TTL" envDefault:"10m"`
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	StateDBPath   string        `env:"STATE_DB_PATH"`

	// Outbound calls to the authorization server.
	UpstreamTimeout        time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"10s"`
	UpstreamMaxConcurrency int64         `env:"UPSTREAM_MAX_CONCURRENCY" envDefault:"32"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.HydraPublicURL = strings.TrimRight(cfg.HydraPublicURL, "/")
	cfg.HydraAdminURL = strings.TrimRight(cfg.HydraAdminURL, "/")
	cfg.LoginUIURL = strings.TrimRight(cfg.LoginUIURL, "/")
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.Issuer == "" {
		cfg.Issuer = cfg.HydraPublicURL
	}

	if cfg.JWKSURL == "" {
		cfg.JWKSURL = cfg.HydraPublicURL + "/.well-known/jwks.json"
	}

	if cfg.StateStore == StateStoreBolt && cfg.StateDBPath == "" {
		path, err := DefaultStateDBPath()
		if err != nil {
			return nil, err
		}

		cfg.StateDBPath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	for name, raw := range map[string]string{
		"HYDRA_PUBLIC_URL": c.HydraPublicURL,
		"HYDRA_ADMIN_URL":  c.HydraAdminURL,
		"LOGIN_UI_URL":     c.LoginUIURL,
		"GATE_BASE_URL":    c.BaseURL,
		"GATE_JWKS_URL":    c.JWKSURL,
	} {
		if err := validateAbsURL(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	if c.OAuthClientID == "" {
		return fmt.Errorf("OAUTH_CLIENT_ID must not be empty")
	}

	if c.OAuthRedirectURI == "" {
		return fmt.Errorf("OAUTH_REDIRECT_URI must not be empty")
	}

	switch c.StateStore {
	case StateStoreMemory, StateStoreBolt:
	case StateStoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when STATE_STORE=redis")
		}
	default:
		return fmt.Errorf("STATE_STORE must be one of memory, redis, bolt (got %q)", c.StateStore)
	}

	if c.StateTTL <= 0 {
		return fmt.Errorf("STATE_TTL must be positive")
	}

	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be positive")
	}

	if c.UpstreamMaxConcurrency <= 0 {
		return fmt.Errorf("UPSTREAM_MAX_CONCURRENCY must be positive")
	}

	return nil
}

func validateAbsURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("expected absolute http(s) URL, got %q", raw)
	}

	return nil
}

// DefaultStateDBPath returns ~/.gate/state.db.
func DefaultStateDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".gate", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// WebOrigins splits WEB_ORIGIN on commas, dropping blanks and trailing slashes.
func (c *Config) WebOrigins() []string {
	var origins []string

	for _, o := range strings.Split(c.WebOrigin, ",") {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			origins = append(origins, o)
		}
	}

	return origins
}
