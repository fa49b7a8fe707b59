package server

import "time"

// Session captures a logged-in browser session bound to a cookie. Artifact is
// the identity provider's bearer credential; the gateway only reads it.
type Session struct {
	ID        string    `json:"id"`
	Artifact  string    `json:"artifact"`
	Subject   string    `json:"sub"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Identity is what the identity provider returns after verifying credentials.
type Identity struct {
	Subject   string
	Email     string
	Artifact  string
	ExpiresAt time.Time
}

// AuthorizationRequest encapsulates validated parameters for /authorize.
type AuthorizationRequest struct {
	ClientID     string
	RedirectURI  string
	State        string
	ResponseType string
}

// OutcomeKind tags a RedirectOutcome.
type OutcomeKind int

const (
	OutcomeError OutcomeKind = iota
	OutcomeAuthorized
	OutcomeLogin
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAuthorized:
		return "authorized"
	case OutcomeLogin:
		return "login"
	default:
		return "error"
	}
}

// RedirectOutcome is the result of one handoff attempt. Err is set only for
// OutcomeError; Target only for the two redirect kinds.
type RedirectOutcome struct {
	Kind   OutcomeKind
	Target string
	Err    *AuthError
}
