package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for readwise-mcp.
type Config struct {
	// Upstream Readwise credentials and endpoint.
	ReadwiseToken   string        `env:"READWISE_TOKEN"`
	ReadwiseBaseURL string        `env:"READWISE_BASE_URL" envDefault:"https://readwise.io/api"`
	ReadwiseTimeout time.Duration `env:"READWISE_TIMEOUT" envDefault:"30s"`

	// Credentials inbound callers must present at /authorize and /token.
	ClientID          string `env:"MCP_CLIENT_ID"`
	ClientSecret      string `env:"MCP_CLIENT_SECRET"`
	AdditionalClients string `env:"MCP_ADDITIONAL_CLIENTS"`

	// HTTP listener. ServerURL is the externally visible base URL used in
	// OAuth metadata; it defaults to http://localhost:<port>.
	Port      int    `env:"PORT" envDefault:"3000"`
	ServerURL string `env:"SERVER_URL"`

	// Comma-separated list of origins allowed by CORS, or "*".
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
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

	if cfg.ServerURL == "" {
		cfg.ServerURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}

	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	cfg.ReadwiseBaseURL = strings.TrimRight(cfg.ReadwiseBaseURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ReadwiseToken == "" {
		return fmt.Errorf("READWISE_TOKEN is required")
	}

	if c.ClientID == "" {
		return fmt.Errorf("MCP_CLIENT_ID is required")
	}

	if c.ClientSecret == "" {
		return fmt.Errorf("MCP_CLIENT_SECRET is required")
	}

	if !isBcryptHash(c.ClientSecret) && len(c.ClientSecret) < clientSecretMinLen {
		return fmt.Errorf("MCP_CLIENT_SECRET too short (minimum %d characters)", clientSecretMinLen)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}

	if c.ReadwiseTimeout <= 0 {
		return fmt.Errorf("READWISE_TIMEOUT must be positive")
	}

	u, err := url.Parse(c.ReadwiseBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("READWISE_BASE_URL must be an absolute URL")
	}

	return nil
}

// ListenAddr returns the address the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS into its entries.
func (c *Config) AllowedOrigins() []string {
	var origins []string

	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	return origins
}

// ClientCredential holds a configured client ID and its secret. The secret
// is either plain text or a bcrypt hash.
type ClientCredential struct {
	ClientID string
	Secret   string
}

const (
	// clientSecretMinLen is the minimum length for plain-text client
	// secrets. Bcrypt hashes are exempt.
	clientSecretMinLen = 16
)

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// Clients returns the primary client credential followed by any entries
// from MCP_ADDITIONAL_CLIENTS.
// Format: "client1:secret1,client2:secret2"
func (c *Config) Clients() ([]ClientCredential, error) {
	creds := []ClientCredential{{ClientID: c.ClientID, Secret: c.ClientSecret}}
	seen := map[string]struct{}{c.ClientID: {}}

	if c.AdditionalClients == "" {
		return creds, nil
	}

	for _, pair := range strings.Split(c.AdditionalClients, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid client credential entry (missing ':')")
		}

		clientID := pair[:idx]

		secret := pair[idx+1:]
		if clientID == "" || secret == "" {
			return nil, fmt.Errorf("empty client_id or secret in entry %d", len(creds))
		}

		if !isBcryptHash(secret) && len(secret) < clientSecretMinLen {
			return nil, fmt.Errorf("client secret too short in entry %d (minimum %d characters)", len(creds), clientSecretMinLen)
		}

		if _, dup := seen[clientID]; dup {
			return nil, fmt.Errorf("duplicate client_id %q in MCP_ADDITIONAL_CLIENTS", clientID)
		}

		seen[clientID] = struct{}{}
		creds = append(creds, ClientCredential{ClientID: clientID, Secret: secret})
	}

	return creds, nil
}
