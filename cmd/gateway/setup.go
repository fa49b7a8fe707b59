package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"ssogate/server"
)

func runSetup(path string, in io.Reader, logger *slog.Logger) (server.Config, error) {
	reader := bufio.NewReader(in)
	fmt.Printf("No configuration file found at %s.\n", path)
	fmt.Println("Starting guided setup. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := askYesNo(reader, "Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		cfg.Server.PublicURL = strings.TrimSuffix(ask(reader, "Gateway public URL", cfg.Server.PublicURL), "/")
		cfg.Server.DevListenAddr = ask(reader, "Gateway dev listen address", cfg.Server.DevListenAddr)
	} else {
		domain := askRequired(reader, "Primary public domain (e.g. gateway.example.com)")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(domain, "/")
		cfg.Server.TLS.Email = ask(reader, "ACME contact email", cfg.Server.TLS.Email)
		cfg.Server.CookieDomain = ask(reader, "Session cookie domain (blank for host-only)", "")
		cfg.Server.HTTPListenAddr = ":80"
		cfg.Server.HTTPSListenAddr = ":443"
	}

	clientID := ask(reader, "Product client ID", "webapp")
	callbacks := normalizeList(
		ask(reader, "Product callback URLs (comma separated)", "http://127.0.0.1:3000/auth/callback"),
		[]string{"http://127.0.0.1:3000/auth/callback"},
	)
	cfg.Clients = []server.ClientConfig{{ClientID: clientID, RedirectURIs: callbacks}}

	if devMode && askYesNo(reader, "Use the built-in dev account store?", true) {
		email := ask(reader, "Dev account email", "dev@example.com")
		password := askRequired(reader, "Dev account password")
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return server.Config{}, fmt.Errorf("hash password: %w", err)
		}
		cfg.Identity = server.IdentityConfig{
			Provider: server.ProviderStatic,
			Users:    []server.StaticUser{{Email: email, PasswordHash: string(hash)}},
		}
	} else {
		cfg.Identity.Provider = server.ProviderOIDC
		cfg.Identity.Issuer = strings.TrimSuffix(askRequired(reader, "Identity provider issuer URL"), "/")
		cfg.Identity.ClientID = askRequired(reader, "Gateway client ID at the identity provider")
		cfg.Identity.ClientSecret = ask(reader, "Gateway client secret (blank for public client)", "")
		cfg.Identity.SignupURL = ask(reader, "Sign-up endpoint URL (blank to disable registration)", "")
	}

	if askYesNo(reader, "Share sessions through redis?", false) {
		cfg.Sessions.Store = server.StoreRedis
		cfg.Sessions.Redis.Addr = ask(reader, "Redis address", cfg.Sessions.Redis.Addr)
	}

	if askYesNo(reader, "Issue signed short-lived codes instead of session tokens?", false) {
		cfg.Codes.Mode = server.CodeModeSigned
	}

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

func ask(reader *bufio.Reader, prompt, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", prompt, def)
	} else {
		fmt.Printf("%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, prompt string) string {
	for {
		fmt.Printf("%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" || err != nil {
			return input
		}
		fmt.Println("This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Printf("%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		default:
			if err != nil {
				return def
			}
			fmt.Println("Please enter 'y' or 'n'.")
		}
	}
}

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
