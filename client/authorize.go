package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// AuthorizeURL builds the gateway /authorize URL a product sends the browser
// to. state should be a fresh random value the product checks on return.
func AuthorizeURL(gatewayURL, clientID, redirectURI, state string) (string, error) {
	if clientID == "" || redirectURI == "" {
		return "", errors.New("client id and redirect uri required")
	}
	u, err := url.Parse(gatewayURL)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("gateway url %q must be http(s)", gatewayURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/authorize"

	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("response_type", "code")
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}

// CallbackHandler verifies the code on the product's callback route and
// injects the claims into the request context. checkState, when set, must
// accept the returned state before the code is looked at.
func CallbackHandler(v *CodeVerifier, checkState func(r *http.Request, state string) bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if checkState != nil && !checkState(r, q.Get("state")) {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		claims, err := v.Verify(r.Context(), q.Get("code"))
		if err != nil {
			http.Error(w, "invalid code", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClaimsFromContext retrieves claims attached by CallbackHandler.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

type claimsKey struct{}
