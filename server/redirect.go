package server

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Composer builds handoff redirects. Both /authorize and the login and
// registration success paths go through it so their targets cannot drift.
type Composer struct {
	loginPath string
	codes     CodeIssuer
}

// NewComposer returns a composer that sends unauthenticated visitors to loginPath.
func NewComposer(loginPath string, codes CodeIssuer) *Composer {
	return &Composer{loginPath: loginPath, codes: codes}
}

// Compose decides between a code-bearing redirect and the login redirect.
func (c *Composer) Compose(ctx context.Context, req AuthorizationRequest, sess *Session) (RedirectOutcome, error) {
	if sess == nil {
		return RedirectOutcome{Kind: OutcomeLogin, Target: c.LoginTarget(req)}, nil
	}
	return c.Authorized(ctx, req, *sess)
}

// Authorized issues a code for sess and targets the product callback.
func (c *Composer) Authorized(ctx context.Context, req AuthorizationRequest, sess Session) (RedirectOutcome, error) {
	code, err := c.codes.Issue(ctx, req, sess)
	if err != nil {
		return RedirectOutcome{}, fmt.Errorf("issue code: %w", err)
	}
	return RedirectOutcome{
		Kind:   OutcomeAuthorized,
		Target: AuthorizedTarget(req.RedirectURI, code, req.State),
	}, nil
}

// LoginTarget points at the credential-collection page with the handoff
// parameters carried forward.
func (c *Composer) LoginTarget(req AuthorizationRequest) string {
	return c.loginPath + "?" + HandoffQuery(req)
}

// AuthorizedTarget appends code, then state when present, to redirectURI.
// Whatever query the callback already had is kept byte for byte.
func AuthorizedTarget(redirectURI, code, state string) string {
	base, fragment, hasFragment := strings.Cut(redirectURI, "#")

	var b strings.Builder
	b.WriteString(base)
	switch {
	case !strings.Contains(base, "?"):
		b.WriteByte('?')
	case !strings.HasSuffix(base, "?") && !strings.HasSuffix(base, "&"):
		b.WriteByte('&')
	}
	b.WriteString("code=")
	b.WriteString(url.QueryEscape(code))
	if state != "" {
		b.WriteString("&state=")
		b.WriteString(url.QueryEscape(state))
	}
	if hasFragment {
		b.WriteByte('#')
		b.WriteString(fragment)
	}
	return b.String()
}

// HandoffQuery encodes client_id, redirect_uri, state and response_type in
// that order. url.Values.Encode would sort them.
func HandoffQuery(req AuthorizationRequest) string {
	pairs := [][2]string{
		{"client_id", req.ClientID},
		{"redirect_uri", req.RedirectURI},
	}
	if req.State != "" {
		pairs = append(pairs, [2]string{"state", req.State})
	}
	responseType := req.ResponseType
	if responseType == "" {
		responseType = responseTypeCode
	}
	pairs = append(pairs, [2]string{"response_type", responseType})
	return encodeOrdered(pairs)
}

func encodeOrdered(pairs [][2]string) string {
	var b strings.Builder
	for i, kv := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(kv[0]))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv[1]))
	}
	return b.String()
}
