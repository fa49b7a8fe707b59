package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	gocache "github.com/patrickmn/go-cache"
)

var (
	ErrCodeReplayed     = errors.New("code already used")
	ErrRedirectMismatch = errors.New("code was issued for a different redirect_uri")
)

// VerifierConfig configures the code verifier.
type VerifierConfig struct {
	// Issuer is the gateway's public URL.
	Issuer      string
	ClientID    string
	RedirectURI string
	// JWKSURL defaults to Issuer + "/.well-known/jwks.json".
	JWKSURL    string
	CacheTTL   time.Duration
	Leeway     time.Duration
	HTTPClient *http.Client
}

// CodeVerifier checks signed handoff codes on the product side.
type CodeVerifier struct {
	cfg    VerifierConfig
	client *http.Client
	mu     sync.RWMutex
	cache  jwksCache
	seen   *gocache.Cache
}

type jwksCache struct {
	set     jose.JSONWebKeySet
	fetched time.Time
	expires time.Time
	etag    string
}

// Claims is what a verified code says about the user.
type Claims struct {
	Subject     string
	Email       string
	ClientID    string
	RedirectURI string
	CodeID      string
	ExpiresAt   time.Time
	IssuedAt    time.Time
}

type codeClaims struct {
	RedirectURI string `json:"redirect_uri"`
	Email       string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// NewCodeVerifier creates a verifier with sane defaults.
func NewCodeVerifier(cfg VerifierConfig) (*CodeVerifier, error) {
	if cfg.ClientID == "" || cfg.RedirectURI == "" {
		return nil, errors.New("client id and redirect uri required")
	}
	if cfg.JWKSURL == "" {
		if cfg.Issuer == "" {
			return nil, errors.New("issuer or jwks url required")
		}
		cfg.JWKSURL = strings.TrimSuffix(cfg.Issuer, "/") + "/.well-known/jwks.json"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &CodeVerifier{
		cfg:    cfg,
		client: client,
		seen:   gocache.New(gocache.NoExpiration, time.Minute),
	}, nil
}

// Verify validates the signature and claims of code and records its jti so
// the same code is refused next time.
func (v *CodeVerifier) Verify(ctx context.Context, code string) (*Claims, error) {
	if code == "" {
		return nil, errors.New("code required")
	}

	set, err := v.ensureJWKS(ctx, "")
	if err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithAudience(v.cfg.ClientID),
		jwt.WithExpirationRequired(),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(strings.TrimSuffix(v.cfg.Issuer, "/")))
	}
	parser := jwt.NewParser(opts...)

	claims := &codeClaims{}
	tok, err := parser.ParseWithClaims(code, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		key := findKey(set, kid)
		if key == nil {
			// kid miss usually means the gateway rotated
			if _, err := v.ensureJWKS(ctx, kid); err == nil {
				key = findKey(v.currentSet(), kid)
			}
		}
		if key == nil {
			return nil, fmt.Errorf("signing key %q not found", kid)
		}
		return key.Key, nil
	})
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("code invalid")
	}

	if claims.RedirectURI != v.cfg.RedirectURI {
		return nil, ErrRedirectMismatch
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, errors.New("code missing sub or jti")
	}

	ttl := time.Until(claims.ExpiresAt.Time) + v.cfg.Leeway
	if ttl <= 0 {
		ttl = v.cfg.Leeway
	}
	if err := v.seen.Add(claims.ID, struct{}{}, ttl); err != nil {
		return nil, ErrCodeReplayed
	}

	out := &Claims{
		Subject:     claims.Subject,
		Email:       claims.Email,
		ClientID:    v.cfg.ClientID,
		RedirectURI: claims.RedirectURI,
		CodeID:      claims.ID,
		ExpiresAt:   claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	return out, nil
}

func (v *CodeVerifier) ensureJWKS(ctx context.Context, kid string) (jose.JSONWebKeySet, error) {
	v.mu.RLock()
	cache := v.cache
	v.mu.RUnlock()

	if cache.set.Keys != nil && time.Now().Before(cache.expires) && kid == "" {
		return cache.set, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	if cache.etag != "" {
		req.Header.Set("If-None-Match", cache.etag)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		cache.expires = time.Now().Add(v.cfg.CacheTTL)
		v.mu.Lock()
		v.cache = cache
		v.mu.Unlock()
		return cache.set, nil
	}
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, err
	}

	cache = jwksCache{set: set, fetched: time.Now(), etag: resp.Header.Get("ETag")}
	cache.expires = cache.fetched.Add(maxCacheDuration(resp.Header.Get("Cache-Control"), v.cfg.CacheTTL))

	v.mu.Lock()
	v.cache = cache
	v.mu.Unlock()

	return set, nil
}

func (v *CodeVerifier) currentSet() jose.JSONWebKeySet {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cache.set
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for _, k := range set.Keys {
		if k.KeyID == kid {
			key := k
			return &key
		}
	}
	return nil
}

func maxCacheDuration(header string, fallback time.Duration) time.Duration {
	if fallback <= 0 {
		fallback = 5 * time.Minute
	}
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], "max-age") {
			if secs, err := time.ParseDuration(kv[1] + "s"); err == nil {
				return secs
			}
		}
	}
	return fallback
}
