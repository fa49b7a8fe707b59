package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const sessionCookieName = "gw_session"

// ErrSessionCheckFailed marks a session lookup that could not be answered.
// It is never the same as "no session".
var ErrSessionCheckFailed = errors.New("session check failed")

// SessionOracle answers whether the visitor already has a live session.
// A nil session with a nil error means unauthenticated.
type SessionOracle interface {
	CurrentSession(ctx context.Context, r *http.Request) (*Session, error)
}

// SessionManager handles cookie-backed sessions and acts as the SessionOracle.
type SessionManager struct {
	store        SessionStore
	logger       *slog.Logger
	metrics      *Metrics
	ttl          time.Duration
	checkTimeout time.Duration
	secure       bool
	cookieDomain string
	now          func() time.Time
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store SessionStore, metrics *Metrics, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		store:        store,
		logger:       logger,
		metrics:      metrics,
		ttl:          cfg.Sessions.TTL,
		checkTimeout: cfg.Sessions.CheckTimeout,
		secure:       !cfg.Server.DevMode,
		cookieDomain: cfg.Server.CookieDomain,
		now:          time.Now,
	}
}

// CurrentSession returns the live session named by the request cookie.
// Store errors and timeouts are wrapped in ErrSessionCheckFailed.
func (sm *SessionManager) CurrentSession(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, sm.checkTimeout)
	defer cancel()

	start := time.Now()
	sess, ok, err := sm.store.Get(ctx, cookie.Value)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	sm.metrics.ObserveSessionCheck(time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionCheckFailed, err)
	}
	if !ok {
		return nil, nil
	}
	if sess.Expired(sm.now()) {
		if err := sm.store.Delete(ctx, sess.ID); err != nil {
			sm.logger.Warn("expired session delete failed", "error", err)
		}
		return nil, nil
	}
	if sess.Artifact == "" {
		return nil, nil
	}
	return &sess, nil
}

// Create stores a session for a freshly verified identity and sets the cookie.
func (sm *SessionManager) Create(ctx context.Context, w http.ResponseWriter, ident Identity) (*Session, error) {
	now := sm.now()
	expires := now.Add(sm.ttl)
	if !ident.ExpiresAt.IsZero() && ident.ExpiresAt.Before(expires) {
		expires = ident.ExpiresAt
	}
	sess := Session{
		ID:        NewID(),
		Artifact:  ident.Artifact,
		Subject:   ident.Subject,
		Email:     ident.Email,
		CreatedAt: now,
		ExpiresAt: expires,
	}

	ctx, cancel := context.WithTimeout(ctx, sm.checkTimeout)
	defer cancel()
	if err := sm.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	http.SetCookie(w, sm.cookie(sess.ID, int(expires.Sub(now).Seconds())))
	return &sess, nil
}

// Clear removes the stored session and expires the cookie.
func (sm *SessionManager) Clear(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		ctx, cancel := context.WithTimeout(ctx, sm.checkTimeout)
		defer cancel()
		if err := sm.store.Delete(ctx, cookie.Value); err != nil {
			sm.logger.Warn("session delete failed", "error", err)
		}
	}
	http.SetCookie(w, sm.cookie("", -1))
}

// cookie uses SameSite=Lax so top-level navigations from products to
// /authorize still carry it.
func (sm *SessionManager) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     sessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
}
