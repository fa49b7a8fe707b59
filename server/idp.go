package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
)

// Identity provider kinds.
const (
	ProviderOIDC   = "oidc"
	ProviderStatic = "static"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUserExists         = errors.New("an account with this email already exists")
	ErrSignUpRejected     = errors.New("registration was rejected")
	ErrSignUpUnsupported  = errors.New("registration is not enabled")
)

// IdentityProvider verifies credentials on behalf of the gateway. SignUp's
// bool is false when the account exists but needs confirmation before a
// session is available.
type IdentityProvider interface {
	SignIn(ctx context.Context, email, password string) (Identity, error)
	SignUp(ctx context.Context, email, password string) (Identity, bool, error)
}

// BuildIdentityProvider prepares the configured provider.
func BuildIdentityProvider(ctx context.Context, cfg Config, logger *slog.Logger) (IdentityProvider, error) {
	switch cfg.Identity.Provider {
	case ProviderOIDC:
		return NewOIDCProvider(ctx, cfg.Identity, logger)
	case ProviderStatic:
		return NewStaticProvider(cfg.Identity.Users, cfg.Sessions.TTL)
	default:
		return nil, fmt.Errorf("identity provider %q not supported", cfg.Identity.Provider)
	}
}

// OIDCProvider signs users in against an upstream IdP with the password grant.
type OIDCProvider struct {
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	signupURL   string
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewOIDCProvider initializes the provider via discovery.
func NewOIDCProvider(ctx context.Context, cfg IdentityConfig, logger *slog.Logger) (*OIDCProvider, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("identity issuer required")
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	op, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover identity provider: %w", err)
	}

	endpoint := op.Endpoint()
	if cfg.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}

	return &OIDCProvider{
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		verifier:   op.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		signupURL:  cfg.SignupURL,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// SignIn exchanges email and password for the upstream session token.
func (p *OIDCProvider) SignIn(ctx context.Context, email, password string) (Identity, error) {
	ctx = oidc.ClientContext(ctx, p.httpClient)
	tok, err := p.oauthConfig.PasswordCredentialsToken(ctx, email, password)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < http.StatusInternalServerError {
			return Identity{}, ErrInvalidCredentials
		}
		return Identity{}, fmt.Errorf("password grant: %w", err)
	}
	return p.identityFromToken(ctx, tok, email)
}

func (p *OIDCProvider) identityFromToken(ctx context.Context, tok *oauth2.Token, email string) (Identity, error) {
	ident := Identity{
		Subject:   strings.ToLower(email),
		Email:     email,
		Artifact:  tok.AccessToken,
		ExpiresAt: tok.Expiry,
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return ident, nil
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return Identity{}, fmt.Errorf("verify id_token: %w", err)
	}
	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, fmt.Errorf("parse claims: %w", err)
	}
	ident.Subject = idToken.Subject
	if claims.Email != "" {
		ident.Email = claims.Email
	}
	return ident, nil
}

type signupResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	User        struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

// SignUp registers a new account through the provider's sign-up endpoint.
func (p *OIDCProvider) SignUp(ctx context.Context, email, password string) (Identity, bool, error) {
	if p.signupURL == "" {
		return Identity{}, false, ErrSignUpUnsupported
	}

	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return Identity{}, false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.signupURL, bytes.NewReader(body))
	if err != nil {
		return Identity{}, false, fmt.Errorf("create signup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Identity{}, false, fmt.Errorf("call signup endpoint: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return Identity{}, false, ErrUserExists
	case resp.StatusCode >= 500:
		return Identity{}, false, fmt.Errorf("signup endpoint returned %s", resp.Status)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		p.logger.Info("signup rejected", "status", resp.StatusCode, "body", string(msg))
		return Identity{}, false, ErrSignUpRejected
	}

	var out signupResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return Identity{}, false, fmt.Errorf("decode signup response: %w", err)
	}

	ident := Identity{Subject: out.User.ID, Email: out.User.Email, Artifact: out.AccessToken}
	if ident.Email == "" {
		ident.Email = email
	}
	if ident.Subject == "" {
		ident.Subject = strings.ToLower(email)
	}
	if out.AccessToken == "" {
		return ident, false, nil
	}
	if out.ExpiresIn > 0 {
		ident.ExpiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	return ident, true, nil
}

// StaticProvider is a dev-mode provider backed by configured bcrypt hashes.
type StaticProvider struct {
	mu    sync.RWMutex
	users map[string]StaticUser
	ttl   time.Duration
}

// dummyHash keeps unknown-email sign-ins as slow as wrong-password ones.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("ssogate-dummy-password"), bcrypt.MinCost)

// NewStaticProvider indexes users by lower-cased email.
func NewStaticProvider(users []StaticUser, ttl time.Duration) (*StaticProvider, error) {
	p := &StaticProvider{users: make(map[string]StaticUser, len(users)), ttl: ttl}
	for i, u := range users {
		key := strings.ToLower(strings.TrimSpace(u.Email))
		if key == "" {
			return nil, fmt.Errorf("identity.users[%d]: email required", i)
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("identity.users[%d] (%s): password_hash: %w", i, u.Email, err)
		}
		if u.Subject == "" {
			u.Subject = "static:" + key
		}
		p.users[key] = u
	}
	return p, nil
}

func (p *StaticProvider) SignIn(_ context.Context, email, password string) (Identity, error) {
	key := strings.ToLower(strings.TrimSpace(email))
	p.mu.RLock()
	user, ok := p.users[key]
	p.mu.RUnlock()

	hash := dummyHash
	if ok {
		hash = []byte(user.PasswordHash)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil || !ok {
		return Identity{}, ErrInvalidCredentials
	}
	return p.issue(user), nil
}

func (p *StaticProvider) SignUp(_ context.Context, email, password string) (Identity, bool, error) {
	key := strings.ToLower(strings.TrimSpace(email))
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Identity{}, false, fmt.Errorf("hash password: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.users[key]; exists {
		return Identity{}, false, ErrUserExists
	}
	user := StaticUser{Subject: uuid.NewString(), Email: email, PasswordHash: string(hash)}
	p.users[key] = user
	return p.issue(user), true, nil
}

func (p *StaticProvider) issue(user StaticUser) Identity {
	return Identity{
		Subject:   user.Subject,
		Email:     user.Email,
		Artifact:  NewID(),
		ExpiresAt: time.Now().Add(p.ttl),
	}
}
