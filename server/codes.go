package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CodeIssuer produces the authorization code handed to a product.
type CodeIssuer interface {
	Issue(ctx context.Context, req AuthorizationRequest, sess Session) (string, error)
}

// NewCodeIssuer picks the issuer for cfg.Codes.Mode. keys may be nil in
// session mode.
func NewCodeIssuer(cfg Config, keys *JWKSManager) (CodeIssuer, error) {
	switch cfg.Codes.Mode {
	case CodeModeSigned:
		if keys == nil {
			return nil, errors.New("signed codes need a key manager")
		}
		return &SignedCodeIssuer{
			issuer: strings.TrimSuffix(cfg.Server.PublicURL, "/"),
			ttl:    cfg.Codes.TTL,
			keys:   keys,
			now:    time.Now,
		}, nil
	default:
		return SessionCodeIssuer{}, nil
	}
}

// SessionCodeIssuer hands back the identity provider's session artifact
// itself. Products receive a bearer credential with the session's lifetime.
type SessionCodeIssuer struct{}

func (SessionCodeIssuer) Issue(_ context.Context, _ AuthorizationRequest, sess Session) (string, error) {
	if sess.Artifact == "" {
		return "", errors.New("session has no artifact")
	}
	return sess.Artifact, nil
}

// HandoffClaims are carried by signed codes.
type HandoffClaims struct {
	RedirectURI string `json:"redirect_uri"`
	Email       string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// SignedCodeIssuer mints short-lived RS256 codes bound to one client and one
// callback. Products verify them against /.well-known/jwks.json.
type SignedCodeIssuer struct {
	issuer string
	ttl    time.Duration
	keys   *JWKSManager
	now    func() time.Time
}

func (s *SignedCodeIssuer) Issue(_ context.Context, req AuthorizationRequest, sess Session) (string, error) {
	if sess.Subject == "" {
		return "", errors.New("session has no subject")
	}
	now := s.now()
	claims := HandoffClaims{
		RedirectURI: req.RedirectURI,
		Email:       sess.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   sess.Subject,
			Audience:  jwt.ClaimStrings{req.ClientID},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	}
	return s.keys.Sign(claims)
}
