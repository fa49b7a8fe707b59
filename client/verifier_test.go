package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ssogate/server"
)

const callback = "https://studio.cyberworldbuilders.com/auth/callback"

type fakeGateway struct {
	srv     *httptest.Server
	keys    atomic.Pointer[server.JWKSManager]
	fetches atomic.Int32
	issuer  string
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{}
	g.rotate(t)
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(g.keys.Load().PublicJWKS())
	}))
	t.Cleanup(g.srv.Close)
	g.issuer = server.DefaultConfig().Server.PublicURL
	return g
}

func (g *fakeGateway) rotate(t *testing.T) {
	t.Helper()
	keys, err := server.NewJWKSManager("", 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	g.keys.Store(keys)
}

func (g *fakeGateway) issue(t *testing.T, clientID, redirectURI string) string {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Codes.Mode = server.CodeModeSigned
	issuer, err := server.NewCodeIssuer(cfg, g.keys.Load())
	require.NoError(t, err)
	code, err := issuer.Issue(context.Background(),
		server.AuthorizationRequest{ClientID: clientID, RedirectURI: redirectURI},
		server.Session{Subject: "user-1", Email: "user@example.com"})
	require.NoError(t, err)
	return code
}

func (g *fakeGateway) verifier(t *testing.T) *CodeVerifier {
	t.Helper()
	v, err := NewCodeVerifier(VerifierConfig{
		Issuer:      g.issuer,
		ClientID:    "studio",
		RedirectURI: callback,
		JWKSURL:     g.srv.URL,
	})
	require.NoError(t, err)
	return v
}

func TestVerifyAcceptsFreshCode(t *testing.T) {
	g := newFakeGateway(t)
	v := g.verifier(t)

	claims, err := v.Verify(context.Background(), g.issue(t, "studio", callback))
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "user@example.com", claims.Email)
	require.Equal(t, callback, claims.RedirectURI)
	require.NotEmpty(t, claims.CodeID)
	require.WithinDuration(t, time.Now().Add(server.DefaultCodeTTL), claims.ExpiresAt, 5*time.Second)
}

func TestVerifyRejectsReplay(t *testing.T) {
	g := newFakeGateway(t)
	v := g.verifier(t)
	code := g.issue(t, "studio", callback)

	_, err := v.Verify(context.Background(), code)
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), code)
	require.ErrorIs(t, err, ErrCodeReplayed)
}

func TestVerifyRejectsOtherClientsCode(t *testing.T) {
	g := newFakeGateway(t)
	v := g.verifier(t)

	_, err := v.Verify(context.Background(), g.issue(t, "eternaguard", callback))
	require.Error(t, err)
}

func TestVerifyRejectsOtherRedirect(t *testing.T) {
	g := newFakeGateway(t)
	v := g.verifier(t)

	_, err := v.Verify(context.Background(), g.issue(t, "studio", "http://localhost:3002/auth/callback"))
	require.ErrorIs(t, err, ErrRedirectMismatch)
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	g := newFakeGateway(t)
	v, err := NewCodeVerifier(VerifierConfig{
		Issuer:      "https://gateway.cyberworldbuilders.com",
		ClientID:    "studio",
		RedirectURI: callback,
		JWKSURL:     g.srv.URL,
	})
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), g.issue(t, "studio", callback))
	require.Error(t, err)
}

func TestVerifyRefreshesOnKidMiss(t *testing.T) {
	g := newFakeGateway(t)
	v := g.verifier(t)

	_, err := v.Verify(context.Background(), g.issue(t, "studio", callback))
	require.NoError(t, err)
	require.EqualValues(t, 1, g.fetches.Load())

	_, err = v.Verify(context.Background(), g.issue(t, "studio", callback))
	require.NoError(t, err)
	require.EqualValues(t, 1, g.fetches.Load(), "cached keys should be reused")

	g.rotate(t)
	_, err = v.Verify(context.Background(), g.issue(t, "studio", callback))
	require.NoError(t, err)
	require.EqualValues(t, 2, g.fetches.Load())
}

func TestVerifyRejectsTamperedCode(t *testing.T) {
	g := newFakeGateway(t)
	v := g.verifier(t)
	code := g.issue(t, "studio", callback)

	_, err := v.Verify(context.Background(), code[:len(code)-4]+"AAAA")
	require.Error(t, err)
	_, err = v.Verify(context.Background(), "")
	require.Error(t, err)
}

func TestAuthorizeURL(t *testing.T) {
	raw, err := AuthorizeURL("https://gateway.cyberworldbuilders.com/", "studio", callback, "st-1")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "/authorize", u.Path)
	require.Equal(t, "studio", u.Query().Get("client_id"))
	require.Equal(t, callback, u.Query().Get("redirect_uri"))
	require.Equal(t, "st-1", u.Query().Get("state"))
	require.Equal(t, "code", u.Query().Get("response_type"))

	_, err = AuthorizeURL("ftp://gateway", "studio", callback, "")
	require.Error(t, err)
	_, err = AuthorizeURL("https://gateway", "", callback, "")
	require.Error(t, err)
}

func TestCallbackHandler(t *testing.T) {
	g := newFakeGateway(t)
	v := g.verifier(t)

	h := CallbackHandler(v, func(r *http.Request, state string) bool { return state == "st-1" },
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			require.True(t, ok)
			_, _ = io.WriteString(w, claims.Subject)
		}))

	code := g.issue(t, "studio", callback)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/callback?code="+url.QueryEscape(code)+"&state=other", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/callback?code="+url.QueryEscape(code)+"&state=st-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "user-1", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/callback?code="+url.QueryEscape(code)+"&state=st-1", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
