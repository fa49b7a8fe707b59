package server

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

const jwksFileName = "handoff-jwks.json"

type signingKey struct {
	PrivateKey *rsa.PrivateKey
	JWK        jose.JSONWebKey
	Kid        string
}

// JWKSManager owns the RSA keys that sign handoff codes. The previous key is
// kept after rotation so codes minted just before it stay verifiable.
type JWKSManager struct {
	mu          sync.RWMutex
	current     signingKey
	previous    *signingKey
	rotateEvery time.Duration
	storePath   string
	logger      *slog.Logger
}

// NewJWKSManager loads keys from secretsDir or creates a fresh one.
// An empty secretsDir keeps keys in memory only.
func NewJWKSManager(secretsDir string, rotateEvery time.Duration, logger *slog.Logger) (*JWKSManager, error) {
	m := &JWKSManager{rotateEvery: rotateEvery, logger: logger}
	if secretsDir != "" {
		m.storePath = filepath.Join(secretsDir, jwksFileName)
		if err := m.loadFromDisk(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load signing keys: %w", err)
		}
	}
	if m.current.PrivateKey == nil {
		if err := m.rotate(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// StartRotation rotates keys on a ticker until stop is closed.
func (m *JWKSManager) StartRotation(stop <-chan struct{}) {
	if m.rotateEvery <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.rotateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.rotate(); err != nil {
					m.logger.Error("jwks rotate", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Sign signs claims with the current key and stamps its kid.
func (m *JWKSManager) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	m.mu.RLock()
	defer m.mu.RUnlock()
	token.Header["kid"] = m.current.Kid
	return token.SignedString(m.current.PrivateKey)
}

// Keyfunc resolves the verification key by kid. Unknown kids are refused.
func (m *JWKSManager) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if kid == m.current.Kid {
		return &m.current.PrivateKey.PublicKey, nil
	}
	if m.previous != nil && kid == m.previous.Kid {
		return &m.previous.PrivateKey.PublicKey, nil
	}
	return nil, fmt.Errorf("unknown signing key %q", kid)
}

// PublicJWKS exposes public keys for the JWKS endpoint.
func (m *JWKSManager) PublicJWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := []jose.JSONWebKey{m.current.JWK.Public()}
	if m.previous != nil {
		keys = append(keys, m.previous.JWK.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}

func (m *JWKSManager) rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	kid := randomKID()
	next := signingKey{
		PrivateKey: key,
		Kid:        kid,
		JWK:        jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"},
	}

	m.mu.Lock()
	if m.current.PrivateKey != nil {
		prev := m.current
		m.previous = &prev
	}
	m.current = next
	m.mu.Unlock()

	if m.storePath != "" {
		return m.persist()
	}
	return nil
}

func (m *JWKSManager) persist() error {
	m.mu.RLock()
	keys := []jose.JSONWebKey{m.current.JWK}
	if m.previous != nil {
		keys = append(keys, m.previous.JWK)
	}
	m.mu.RUnlock()

	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: keys}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.storePath), 0o700); err != nil {
		return err
	}
	tmp := m.storePath + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.storePath)
}

func (m *JWKSManager) loadFromDisk() error {
	payload, err := os.ReadFile(m.storePath)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return err
	}
	var loaded []signingKey
	for _, key := range set.Keys {
		priv, ok := key.Key.(*rsa.PrivateKey)
		if !ok {
			continue
		}
		loaded = append(loaded, signingKey{PrivateKey: priv, JWK: key, Kid: key.KeyID})
	}
	if len(loaded) == 0 {
		return errors.New("no private keys in jwks file")
	}
	m.current = loaded[0]
	if len(loaded) > 1 {
		m.previous = &loaded[1]
	}
	return nil
}

func randomKID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "kid"
	}
	return hex.EncodeToString(buf)
}
