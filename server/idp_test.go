package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func staticUser(t *testing.T, email, password string) StaticUser {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return StaticUser{Email: email, PasswordHash: string(hash)}
}

func TestStaticProviderSignIn(t *testing.T) {
	p, err := NewStaticProvider([]StaticUser{staticUser(t, "Dev@Example.com", "hunter22")}, time.Hour)
	require.NoError(t, err)

	ident, err := p.SignIn(context.Background(), "dev@example.com", "hunter22")
	require.NoError(t, err)
	require.Equal(t, "static:dev@example.com", ident.Subject)
	require.NotEmpty(t, ident.Artifact)
	require.WithinDuration(t, time.Now().Add(time.Hour), ident.ExpiresAt, time.Minute)

	again, err := p.SignIn(context.Background(), "dev@example.com", "hunter22")
	require.NoError(t, err)
	require.NotEqual(t, ident.Artifact, again.Artifact)

	_, err = p.SignIn(context.Background(), "dev@example.com", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = p.SignIn(context.Background(), "nobody@example.com", "hunter22")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestStaticProviderRejectsBadHash(t *testing.T) {
	_, err := NewStaticProvider([]StaticUser{{Email: "a@example.com", PasswordHash: "plaintext"}}, time.Hour)
	require.Error(t, err)
}

func TestStaticProviderSignUp(t *testing.T) {
	p, err := NewStaticProvider(nil, time.Hour)
	require.NoError(t, err)

	ident, active, err := p.SignUp(context.Background(), "new@example.com", "secret1")
	require.NoError(t, err)
	require.True(t, active)
	require.NotEmpty(t, ident.Subject)

	_, _, err = p.SignUp(context.Background(), "NEW@example.com", "secret2")
	require.ErrorIs(t, err, ErrUserExists)

	_, err = p.SignIn(context.Background(), "new@example.com", "secret1")
	require.NoError(t, err)
}

// newFakeIdP serves discovery, a password-grant token endpoint and a sign-up endpoint.
func newFakeIdP(t *testing.T, signup http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"issuer":                                srv.URL,
			"authorization_endpoint":                srv.URL + "/authorize",
			"token_endpoint":                        srv.URL + "/token",
			"jwks_uri":                              srv.URL + "/jwks",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("grant_type") != "password" ||
			r.PostForm.Get("username") != "user@example.com" ||
			r.PostForm.Get("password") != "correct-horse" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		writeJSON(w, map[string]any{
			"access_token": "upstream-access-token",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	})
	if signup != nil {
		mux.HandleFunc("/signup", signup)
	}
	return srv
}

func newTestOIDCProvider(t *testing.T, srv *httptest.Server) *OIDCProvider {
	t.Helper()
	p, err := NewOIDCProvider(context.Background(), IdentityConfig{
		Issuer:    srv.URL,
		ClientID:  "gateway",
		SignupURL: srv.URL + "/signup",
	}, testLogger())
	require.NoError(t, err)
	return p
}

func TestOIDCProviderSignIn(t *testing.T) {
	p := newTestOIDCProvider(t, newFakeIdP(t, nil))

	ident, err := p.SignIn(context.Background(), "user@example.com", "correct-horse")
	require.NoError(t, err)
	require.Equal(t, "upstream-access-token", ident.Artifact)
	require.Equal(t, "user@example.com", ident.Subject)
	require.False(t, ident.ExpiresAt.IsZero())

	_, err = p.SignIn(context.Background(), "user@example.com", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestOIDCProviderSignUp(t *testing.T) {
	var mode atomic.Value
	mode.Store("")
	srv := newFakeIdP(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "new@example.com", body["email"])
		switch mode.Load() {
		case "exists":
			w.WriteHeader(http.StatusConflict)
		case "rejected":
			w.WriteHeader(http.StatusUnprocessableEntity)
		case "down":
			w.WriteHeader(http.StatusBadGateway)
		case "pending":
			writeJSON(w, map[string]any{"user": map[string]string{"id": "u-9", "email": "new@example.com"}})
		default:
			writeJSON(w, map[string]any{
				"access_token": "fresh-token",
				"expires_in":   600,
				"user":         map[string]string{"id": "u-9", "email": "new@example.com"},
			})
		}
	})
	p := newTestOIDCProvider(t, srv)
	ctx := context.Background()

	ident, active, err := p.SignUp(ctx, "new@example.com", "secret1")
	require.NoError(t, err)
	require.True(t, active)
	require.Equal(t, "fresh-token", ident.Artifact)
	require.Equal(t, "u-9", ident.Subject)

	mode.Store("pending")
	_, active, err = p.SignUp(ctx, "new@example.com", "secret1")
	require.NoError(t, err)
	require.False(t, active)

	mode.Store("exists")
	_, _, err = p.SignUp(ctx, "new@example.com", "secret1")
	require.ErrorIs(t, err, ErrUserExists)

	mode.Store("rejected")
	_, _, err = p.SignUp(ctx, "new@example.com", "secret1")
	require.ErrorIs(t, err, ErrSignUpRejected)

	mode.Store("down")
	_, _, err = p.SignUp(ctx, "new@example.com", "secret1")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrSignUpRejected)
}

func TestOIDCProviderSignUpDisabled(t *testing.T) {
	srv := newFakeIdP(t, nil)
	p, err := NewOIDCProvider(context.Background(), IdentityConfig{Issuer: srv.URL, ClientID: "gateway"}, testLogger())
	require.NoError(t, err)

	_, _, err = p.SignUp(context.Background(), "new@example.com", "secret1")
	require.ErrorIs(t, err, ErrSignUpUnsupported)
}

func TestOIDCProviderSignInTimesOut(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"issuer":                                srv.URL,
			"authorization_endpoint":                srv.URL + "/authorize",
			"token_endpoint":                        srv.URL + "/token",
			"jwks_uri":                              srv.URL + "/jwks",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	hang := func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}
	mux.HandleFunc("/token", hang)
	mux.HandleFunc("/signup", hang)

	p := newTestOIDCProvider(t, srv)
	p.httpClient.Timeout = 100 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := p.SignIn(context.Background(), "user@example.com", "correct-horse")
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrInvalidCredentials)
	case <-time.After(2 * time.Second):
		t.Fatal("SignIn did not honour the provider client timeout")
	}

	start := time.Now()
	_, _, err := p.SignUp(context.Background(), "new@example.com", "secret1")
	require.Error(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
}
