package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Hardcoded session and handoff defaults
const (
	DefaultSessionTTL   = 12 * time.Hour
	DefaultCheckTimeout = 3 * time.Second
	DefaultCodeTTL      = 60 * time.Second
	DefaultLoginPath    = "/login"
)

// Code modes decide what is handed back to a product as the authorization code.
const (
	CodeModeSession = "session"
	CodeModeSigned  = "signed"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Clients  []ClientConfig `yaml:"clients"`
	Identity IdentityConfig `yaml:"identity"`
	Sessions SessionConfig  `yaml:"sessions"`
	Codes    CodeConfig     `yaml:"codes"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL          string    `yaml:"public_url"`
	DevListenAddr      string    `yaml:"dev_listen_addr"`
	HTTPListenAddr     string    `yaml:"http_listen_addr"`
	HTTPSListenAddr    string    `yaml:"https_listen_addr"`
	DevMode            bool      `yaml:"dev_mode"`
	CookieDomain       string    `yaml:"cookie_domain"`
	SecretsPath        string    `yaml:"secrets_path"`
	LoginPath          string    `yaml:"login_path"`
	StrictResponseType bool      `yaml:"strict_response_type"`
	Metrics            bool      `yaml:"metrics"`
	TLS                TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// ClientConfig describes a product allowed to request a handoff.
type ClientConfig struct {
	ClientID     string   `yaml:"client_id"`
	RedirectURIs []string `yaml:"redirect_uris"`
}

// IdentityConfig selects the identity provider that verifies credentials.
type IdentityConfig struct {
	Provider     string       `yaml:"provider"`
	Issuer       string       `yaml:"issuer"`
	ClientID     string       `yaml:"client_id"`
	ClientSecret string       `yaml:"client_secret"`
	SignupURL    string       `yaml:"signup_url"`
	Scopes       []string     `yaml:"scopes"`
	Users        []StaticUser `yaml:"users"`
}

// StaticUser is a dev-mode account with a bcrypt password hash.
type StaticUser struct {
	Subject      string `yaml:"subject"`
	Email        string `yaml:"email"`
	PasswordHash string `yaml:"password_hash"`
}

// SessionConfig controls the session store and the session check budget.
type SessionConfig struct {
	Store        string        `yaml:"store"`
	TTL          time.Duration `yaml:"ttl"`
	CheckTimeout time.Duration `yaml:"check_timeout"`
	Redis        RedisConfig   `yaml:"redis"`
}

// RedisConfig points the session store at a redis instance.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// CodeConfig decides how authorization codes are produced.
type CodeConfig struct {
	Mode        string        `yaml:"mode"`
	TTL         time.Duration `yaml:"ttl"`
	KeyRotation time.Duration `yaml:"key_rotation"`
}

// envOverrides mirrors the settings operators commonly override per deployment.
// Pointer fields stay nil when the variable is unset.
type envOverrides struct {
	PublicURL       string         `env:"SERVER_PUBLIC_URL"`
	DevListenAddr   string         `env:"SERVER_DEV_LISTEN_ADDR"`
	HTTPListenAddr  string         `env:"SERVER_HTTP_LISTEN_ADDR"`
	HTTPSListenAddr string         `env:"SERVER_HTTPS_LISTEN_ADDR"`
	DevMode         *bool          `env:"SERVER_DEV_MODE"`
	TLSDomains      []string       `env:"SERVER_TLS_DOMAINS" envSeparator:","`
	TLSEmail        string         `env:"SERVER_TLS_EMAIL"`
	SecretsPath     string         `env:"SERVER_SECRETS_PATH"`
	CookieDomain    string         `env:"SERVER_COOKIE_DOMAIN"`
	IDPIssuer       string         `env:"IDENTITY_ISSUER"`
	IDPClientID     string         `env:"IDENTITY_CLIENT_ID"`
	IDPClientSecret string         `env:"IDENTITY_CLIENT_SECRET"`
	IDPSignupURL    string         `env:"IDENTITY_SIGNUP_URL"`
	SessionStore    string         `env:"SESSIONS_STORE"`
	SessionTTL      *time.Duration `env:"SESSIONS_TTL"`
	CheckTimeout    *time.Duration `env:"SESSIONS_CHECK_TIMEOUT"`
	RedisAddr       string         `env:"SESSIONS_REDIS_ADDR"`
	RedisPassword   string         `env:"SESSIONS_REDIS_PASSWORD"`
	RedisDB         *int           `env:"SESSIONS_REDIS_DB"`
	CodeMode        string         `env:"CODES_MODE"`
	CodeTTL         *time.Duration `env:"CODES_TTL"`
}

const envPrefix = "SSOGATE_"

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:          "http://127.0.0.1:8080",
			DevListenAddr:      "127.0.0.1:8080",
			HTTPListenAddr:     ":80",
			HTTPSListenAddr:    ":443",
			DevMode:            true,
			SecretsPath:        ".secrets",
			LoginPath:          DefaultLoginPath,
			StrictResponseType: true,
			Metrics:            true,
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		Clients: defaultClients(),
		Identity: IdentityConfig{
			Provider: ProviderStatic,
			Scopes:   []string{"openid", "email", "profile"},
		},
		Sessions: SessionConfig{
			Store:        StoreMemory,
			TTL:          DefaultSessionTTL,
			CheckTimeout: DefaultCheckTimeout,
			Redis: RedisConfig{
				Addr:   "127.0.0.1:6379",
				Prefix: "ssogate:session:",
			},
		},
		Codes: CodeConfig{
			Mode:        CodeModeSession,
			TTL:         DefaultCodeTTL,
			KeyRotation: 24 * time.Hour,
		},
	}
}

// defaultClients lists the products shipped with the gateway.
func defaultClients() []ClientConfig {
	product := func(id string, port int, host string) ClientConfig {
		return ClientConfig{
			ClientID: id,
			RedirectURIs: []string{
				fmt.Sprintf("http://localhost:%d/auth/callback", port),
				fmt.Sprintf("http://10.0.0.201:%d/auth/callback", port),
				"https://" + host + "/auth/callback",
			},
		}
	}
	return []ClientConfig{
		product("eternaguard", 3001, "eternaguard.cyberworldbuilders.com"),
		product("studio", 3002, "studio.cyberworldbuilders.com"),
		product("gateway", 3000, "gateway.cyberworldbuilders.com"),
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) error {
	var raw envOverrides
	if err := env.ParseWithOptions(&raw, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}

	setString(&cfg.Server.PublicURL, raw.PublicURL)
	setString(&cfg.Server.DevListenAddr, raw.DevListenAddr)
	setString(&cfg.Server.HTTPListenAddr, raw.HTTPListenAddr)
	setString(&cfg.Server.HTTPSListenAddr, raw.HTTPSListenAddr)
	setString(&cfg.Server.TLS.Email, raw.TLSEmail)
	setString(&cfg.Server.SecretsPath, raw.SecretsPath)
	setString(&cfg.Server.CookieDomain, raw.CookieDomain)
	setString(&cfg.Identity.Issuer, raw.IDPIssuer)
	setString(&cfg.Identity.ClientID, raw.IDPClientID)
	setString(&cfg.Identity.ClientSecret, raw.IDPClientSecret)
	setString(&cfg.Identity.SignupURL, raw.IDPSignupURL)
	setString(&cfg.Sessions.Store, raw.SessionStore)
	setString(&cfg.Sessions.Redis.Addr, raw.RedisAddr)
	setString(&cfg.Sessions.Redis.Password, raw.RedisPassword)
	setString(&cfg.Codes.Mode, raw.CodeMode)

	if raw.DevMode != nil {
		cfg.Server.DevMode = *raw.DevMode
	}
	if domains := trimAll(raw.TLSDomains); len(domains) > 0 {
		cfg.Server.TLS.Domains = domains
	}
	if raw.SessionTTL != nil {
		cfg.Sessions.TTL = *raw.SessionTTL
	}
	if raw.CheckTimeout != nil {
		cfg.Sessions.CheckTimeout = *raw.CheckTimeout
	}
	if raw.CodeTTL != nil {
		cfg.Codes.TTL = *raw.CodeTTL
	}
	if raw.RedisDB != nil {
		cfg.Sessions.Redis.DB = *raw.RedisDB
	}
	return nil
}

func trimAll(vals []string) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if !strings.HasPrefix(c.Server.LoginPath, "/") || strings.HasPrefix(c.Server.LoginPath, "//") {
		slog.Error("Invalid configuration value", "field", "server.login_path", "value", c.Server.LoginPath)
		return fmt.Errorf("server.login_path must be a local absolute path, got: %q", c.Server.LoginPath)
	}

	if c.Server.CookieDomain != "" {
		host := hostOnly(c.Server.PublicURL)
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	if len(c.Clients) == 0 {
		slog.Error("No clients configured", "reason", "at least one client must be allowed to request a handoff")
		return errors.New("at least one client must be configured")
	}
	for i, client := range c.Clients {
		if client.ClientID == "" {
			slog.Error("Client missing client_id", "index", i)
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		if len(client.RedirectURIs) == 0 {
			slog.Error("Client missing redirect URIs", "client_id", client.ClientID, "index", i)
			return fmt.Errorf("clients[%d] (%s): at least one redirect_uri is required", i, client.ClientID)
		}
		for j, uri := range client.RedirectURIs {
			if err := validateCallbackURL(uri); err != nil {
				slog.Error("Invalid redirect URI", "client_id", client.ClientID, "redirect_uri", uri, "index", j, "reason", err)
				return fmt.Errorf("clients[%d] (%s): redirect_uris[%d]: %w", i, client.ClientID, j, err)
			}
		}
	}

	switch c.Identity.Provider {
	case ProviderOIDC:
		if c.Identity.Issuer == "" || c.Identity.ClientID == "" {
			slog.Error("Missing identity provider settings", "field", "identity.issuer/identity.client_id")
			return errors.New("identity.issuer and identity.client_id are required for the oidc provider")
		}
	case ProviderStatic:
		if !c.Server.DevMode {
			slog.Error("Static identity provider outside dev mode", "field", "identity.provider")
			return errors.New("identity.provider 'static' is only allowed in dev mode")
		}
	default:
		slog.Error("Unknown identity provider", "field", "identity.provider", "value", c.Identity.Provider)
		return fmt.Errorf("identity.provider must be '%s' or '%s', got: %q", ProviderOIDC, ProviderStatic, c.Identity.Provider)
	}

	switch c.Sessions.Store {
	case StoreMemory:
	case StoreRedis:
		if c.Sessions.Redis.Addr == "" {
			slog.Error("Missing required configuration", "field", "sessions.redis.addr")
			return errors.New("sessions.redis.addr is required for the redis store")
		}
	default:
		slog.Error("Unknown session store", "field", "sessions.store", "value", c.Sessions.Store)
		return fmt.Errorf("sessions.store must be '%s' or '%s', got: %q", StoreMemory, StoreRedis, c.Sessions.Store)
	}
	if c.Sessions.TTL <= 0 {
		return errors.New("sessions.ttl must be positive")
	}
	if c.Sessions.CheckTimeout <= 0 {
		slog.Error("Invalid configuration value", "field", "sessions.check_timeout", "value", c.Sessions.CheckTimeout)
		return errors.New("sessions.check_timeout must be positive")
	}

	switch c.Codes.Mode {
	case CodeModeSession:
	case CodeModeSigned:
		if c.Codes.TTL <= 0 {
			return errors.New("codes.ttl must be positive in signed mode")
		}
	default:
		slog.Error("Unknown code mode", "field", "codes.mode", "value", c.Codes.Mode)
		return fmt.Errorf("codes.mode must be '%s' or '%s', got: %q", CodeModeSession, CodeModeSigned, c.Codes.Mode)
	}

	return nil
}

func hostOnly(rawURL string) string {
	host := strings.TrimPrefix(rawURL, "http://")
	host = strings.TrimPrefix(host, "https://")
	if idx := strings.Index(host, "/"); idx != -1 {
		host = host[:idx]
	}
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}
