package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"kcgate/keycloak"
)

// Hardcoded gateway defaults
const (
	DefaultSessionTTL   = 12 * time.Hour
	DefaultClockSkew    = 60
	DefaultJWKSCacheTTL = 3600
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type", "X-Preferred-Username"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
)

// Config captures the full gateway configuration loaded from YAML and
// environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Keycloak KeycloakConfig `yaml:"keycloak"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Sessions SessionConfig  `yaml:"sessions"`
	Database DatabaseConfig `yaml:"database"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL    string     `yaml:"public_url"`
	ListenAddr   string     `yaml:"listen_addr"`
	DevMode      bool       `yaml:"dev_mode"`
	CookieDomain string     `yaml:"cookie_domain"`
	TLS          TLSConfig  `yaml:"tls"`
	CORS         CORSConfig `yaml:"cors"`
}

// TLSConfig defines autocert behaviour for production listeners.
type TLSConfig struct {
	Domains  []string `yaml:"domains"`
	Email    string   `yaml:"email"`
	CacheDir string   `yaml:"cache_dir"`
}

// CORSConfig lists allowed browser origins.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// KeycloakConfig identifies the trusted realm and the role gate.
type KeycloakConfig struct {
	URL                 string   `yaml:"url"`
	Realm               string   `yaml:"realm"`
	ClientID            string   `yaml:"client_id"`
	ClientSecret        string   `yaml:"client_secret"`
	RequiredRole        string   `yaml:"required_role"`
	ClockSkewSeconds    int      `yaml:"clock_skew_seconds"`
	JWKSCacheTTLSeconds int      `yaml:"jwks_cache_ttl_seconds"`
	Scopes              []string `yaml:"scopes"`
}

// GatewayConfig shapes the protected surface.
type GatewayConfig struct {
	ProtectedPrefix string `yaml:"protected_prefix"`
	HealthPath      string `yaml:"health_path"`
	LandingPath     string `yaml:"landing_path"`
	UpstreamURL     string `yaml:"upstream_url"`
}

// SessionConfig controls the admin session cookie lifetime.
type SessionConfig struct {
	TTL string `yaml:"ttl"`
}

// DatabaseConfig points at the optional user store. Empty means the
// in-memory store.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// TTLOrDefault parses the configured session TTL.
func (c SessionConfig) TTLOrDefault() time.Duration {
	return parseDuration(c.TTL, DefaultSessionTTL)
}

// Provider converts the YAML shape into the keycloak package config.
func (c Config) Provider() keycloak.Config {
	return keycloak.Config{
		URL:          c.Keycloak.URL,
		Realm:        c.Keycloak.Realm,
		ClientID:     c.Keycloak.ClientID,
		ClientSecret: c.Keycloak.ClientSecret,
		RequiredRole: c.Keycloak.RequiredRole,
		ClockSkew:    time.Duration(c.Keycloak.ClockSkewSeconds) * time.Second,
		JWKSCacheTTL: time.Duration(c.Keycloak.JWKSCacheTTLSeconds) * time.Second,
	}
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:  "http://127.0.0.1:8080",
			ListenAddr: "127.0.0.1:8080",
			DevMode:    true,
			TLS: TLSConfig{
				CacheDir: ".autocert",
			},
			CORS: CORSConfig{
				AllowedMethods: DefaultCORSAllowedMethods,
				AllowedHeaders: DefaultCORSAllowedHeaders,
			},
		},
		Keycloak: KeycloakConfig{
			ClockSkewSeconds:    DefaultClockSkew,
			JWKSCacheTTLSeconds: DefaultJWKSCacheTTL,
			Scopes:              []string{"openid", "profile", "email"},
		},
		Gateway: GatewayConfig{
			ProtectedPrefix: "/api/",
			HealthPath:      "/api/health/",
			LandingPath:     "/admin/",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"KCGATE_PUBLIC_URL":             func(v string) { cfg.Server.PublicURL = v },
		"KCGATE_LISTEN_ADDR":            func(v string) { cfg.Server.ListenAddr = v },
		"KCGATE_DEV_MODE":               func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"KCGATE_COOKIE_DOMAIN":          func(v string) { cfg.Server.CookieDomain = v },
		"KCGATE_TLS_DOMAINS":            func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"KCGATE_TLS_EMAIL":              func(v string) { cfg.Server.TLS.Email = v },
		"KCGATE_KEYCLOAK_URL":           func(v string) { cfg.Keycloak.URL = v },
		"KCGATE_KEYCLOAK_REALM":         func(v string) { cfg.Keycloak.Realm = v },
		"KCGATE_KEYCLOAK_CLIENT_ID":     func(v string) { cfg.Keycloak.ClientID = v },
		"KCGATE_KEYCLOAK_CLIENT_SECRET": func(v string) { cfg.Keycloak.ClientSecret = v },
		"KCGATE_REQUIRED_ROLE":          func(v string) { cfg.Keycloak.RequiredRole = v },
		"KCGATE_UPSTREAM_URL":           func(v string) { cfg.Gateway.UpstreamURL = v },
		"KCGATE_DATABASE_URL":           func(v string) { cfg.Database.URL = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Keycloak.URL == "" {
		return errors.New("keycloak.url is required")
	}
	if !strings.HasPrefix(c.Keycloak.URL, "http://") && !strings.HasPrefix(c.Keycloak.URL, "https://") {
		return fmt.Errorf("keycloak.url must start with http:// or https://, got: %s", c.Keycloak.URL)
	}
	if c.Keycloak.Realm == "" {
		return errors.New("keycloak.realm is required")
	}
	if c.Keycloak.ClientID == "" {
		return errors.New("keycloak.client_id is required")
	}
	if c.Keycloak.RequiredRole == "" {
		return errors.New("keycloak.required_role is required")
	}
	if c.Keycloak.ClockSkewSeconds < 0 {
		return errors.New("keycloak.clock_skew_seconds must not be negative")
	}

	if !strings.HasPrefix(c.Gateway.ProtectedPrefix, "/") {
		return fmt.Errorf("gateway.protected_prefix must start with /, got: %s", c.Gateway.ProtectedPrefix)
	}
	if c.Gateway.UpstreamURL != "" &&
		!strings.HasPrefix(c.Gateway.UpstreamURL, "http://") && !strings.HasPrefix(c.Gateway.UpstreamURL, "https://") {
		return fmt.Errorf("gateway.upstream_url must start with http:// or https://, got: %s", c.Gateway.UpstreamURL)
	}

	if c.Sessions.TTL != "" {
		if _, err := time.ParseDuration(c.Sessions.TTL); err != nil {
			return fmt.Errorf("sessions.ttl: invalid duration %q: %w", c.Sessions.TTL, err)
		}
	}

	return nil
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
