// Package config handles server configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT or token-signing secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level server configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Relay     RelayConfig     `json:"relay,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the server's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS + websocket origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
	MaxFileBytes   int64    `json:"max_file_bytes,omitempty"`  // max relayed file size; default 100MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider           string            `json:"provider,omitempty"` // "builtin" (default) or "oidc"
	OIDCIssuer         string            `json:"oidc_issuer,omitempty"`
	JWTSecret          string            `json:"jwt_secret"`
	JWTExpiry          Duration          `json:"jwt_expiry,omitempty"`
	AgentTokens        []AgentTokenEntry `json:"agent_tokens"`
	AgentTokenSecret   string            `json:"agent_token_secret,omitempty"`   // HMAC secret for time-limited agent tokens
	AgentTokenLifetime Duration          `json:"agent_token_lifetime,omitempty"` // lifetime for generated tokens (default 1h)
	InitialAdmin       *InitialAdmin     `json:"initial_admin,omitempty"`
}

// AgentTokenEntry maps a device ID to its static auth token and tenant.
type AgentTokenEntry struct {
	DeviceID string `json:"device_id"`
	TenantID string `json:"tenant_id"`
	Token    string `json:"token"`
	Name     string `json:"name,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
	TenantID string `json:"tenant_id,omitempty"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver         string   `json:"driver"`                    // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn"`                       // e.g. "tether.db" or ":memory:"
	AuditRetention Duration `json:"audit_retention,omitempty"` // audit event retention; default 30 days
}

// RelayConfig tunes call relaying and byte streams.
type RelayConfig struct {
	CallTimeout     Duration `json:"call_timeout,omitempty"`      // per-call deadline; default 30s
	StreamQueue     int      `json:"stream_queue,omitempty"`      // chunks buffered per stream; default 64
	StreamTTL       Duration `json:"stream_ttl,omitempty"`        // unconsumed stream lifetime; default 30m
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty"` // max websocket message; default 512KB
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// JWTSecret is only required for the builtin auth provider.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	if c.Auth.Provider == "oidc" && c.Auth.OIDCIssuer == "" {
		return fmt.Errorf("auth.oidc_issuer is required when provider is oidc")
	}
	for i, entry := range c.Auth.AgentTokens {
		if entry.DeviceID == "" || entry.Token == "" {
			return fmt.Errorf("auth.agent_tokens[%d]: device_id and token are required", i)
		}
		if entry.TenantID == "" {
			return fmt.Errorf("auth.agent_tokens[%d]: tenant_id is required", i)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Auth.AgentTokenLifetime.Duration == 0 {
		c.Auth.AgentTokenLifetime.Duration = 1 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "tether.db"
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = 30 * 24 * time.Hour
	}
	if c.Relay.CallTimeout.Duration == 0 {
		c.Relay.CallTimeout.Duration = 30 * time.Second
	}
	if c.Relay.StreamQueue == 0 {
		c.Relay.StreamQueue = 64
	}
	if c.Relay.StreamTTL.Duration == 0 {
		c.Relay.StreamTTL.Duration = 30 * time.Minute
	}
	if c.Relay.MaxMessageBytes == 0 {
		c.Relay.MaxMessageBytes = 512 * 1024
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024
	}
	if c.Server.MaxFileBytes == 0 {
		c.Server.MaxFileBytes = 100 * 1024 * 1024
	}
}
