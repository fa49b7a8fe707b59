package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	registerPath      = "/register"
	dashboardPath     = "/dashboard"
	minPasswordLength = 6
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Store     SessionStore
	Sessions  *SessionManager
	Oracle    SessionOracle
	Clients   *ClientRegistry
	Validator *Validator
	Composer  *Composer
	Codes     CodeIssuer
	JWKS      *JWKSManager
	Identity  IdentityProvider
	Metrics   *Metrics
}

// Deps are the collaborators NewApp would otherwise build from config.
// Oracle defaults to the SessionManager when nil.
type Deps struct {
	Store    SessionStore
	Identity IdentityProvider
	Oracle   SessionOracle
	Metrics  *Metrics
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	store, err := NewSessionStore(cfg.Sessions)
	if err != nil {
		return nil, err
	}
	return newAppWithStore(ctx, cfg, logger, store)
}

// newAppWithStore owns store and closes it when the app cannot be built.
func newAppWithStore(ctx context.Context, cfg Config, logger *slog.Logger, store SessionStore) (app *App, err error) {
	defer func() {
		if err != nil {
			_ = store.Close()
		}
	}()

	idp, err := BuildIdentityProvider(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var metrics *Metrics
	if cfg.Server.Metrics {
		if metrics, err = NewMetrics(); err != nil {
			return nil, err
		}
	}

	return NewAppWithDeps(cfg, logger, Deps{Store: store, Identity: idp, Metrics: metrics})
}

// NewAppWithDeps builds the App around already constructed collaborators.
func NewAppWithDeps(cfg Config, logger *slog.Logger, deps Deps) (*App, error) {
	if deps.Store == nil || deps.Identity == nil {
		return nil, errors.New("session store and identity provider are required")
	}

	clients, err := NewClientRegistry(cfg.Clients)
	if err != nil {
		return nil, err
	}

	var jwks *JWKSManager
	if cfg.Codes.Mode == CodeModeSigned {
		jwks, err = NewJWKSManager(cfg.Server.SecretsPath, cfg.Codes.KeyRotation, logger)
		if err != nil {
			return nil, err
		}
	}

	codes, err := NewCodeIssuer(cfg, jwks)
	if err != nil {
		return nil, err
	}

	loginPath := cfg.Server.LoginPath
	if loginPath == "" {
		loginPath = DefaultLoginPath
		cfg.Server.LoginPath = loginPath
	}

	sessions := NewSessionManager(cfg, deps.Store, deps.Metrics, logger)
	oracle := deps.Oracle
	if oracle == nil {
		oracle = sessions
	}

	return &App{
		Config:    cfg,
		Logger:    logger,
		Store:     deps.Store,
		Sessions:  sessions,
		Oracle:    oracle,
		Clients:   clients,
		Validator: NewValidator(clients, cfg.Server.StrictResponseType, logger),
		Composer:  NewComposer(loginPath, codes),
		Codes:     codes,
		JWKS:      jwks,
		Identity:  deps.Identity,
		Metrics:   deps.Metrics,
	}, nil
}

// Close releases the session store.
func (a *App) Close() error {
	return a.Store.Close()
}

// Authorize runs validation, the session check and composition for one
// /authorize request. A validation failure is an OutcomeError with a nil
// error; a non-nil error means the decision itself could not be made.
func (a *App) Authorize(ctx context.Context, r *http.Request) (RedirectOutcome, error) {
	req, err := a.Validator.Validate(r.URL.Query())
	if err != nil {
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			return RedirectOutcome{}, err
		}
		if authErr.SecurityEvent() {
			a.Logger.Warn("authorize rejected",
				"error", authErr.Code,
				"client_id", r.URL.Query().Get("client_id"),
				"redirect_uri", r.URL.Query().Get("redirect_uri"),
				"request_id", RequestIDFromContext(ctx),
			)
		}
		return RedirectOutcome{Kind: OutcomeError, Err: authErr}, nil
	}

	sess, err := a.Oracle.CurrentSession(ctx, r)
	if err != nil {
		return RedirectOutcome{}, err
	}
	return a.Composer.Compose(ctx, req, sess)
}

func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	out, err := a.Authorize(r.Context(), r)
	if err != nil {
		a.writeDecisionError(w, r, err)
		return
	}

	a.Metrics.RecordOutcome(out)
	if out.Kind == OutcomeError {
		writeError(w, out.Err)
		return
	}
	http.Redirect(w, r, out.Target, http.StatusFound)
}

// writeDecisionError reports a failed session check as 503 and anything
// else as 500. Neither is ever turned into a login redirect.
func (a *App) writeDecisionError(w http.ResponseWriter, r *http.Request, err error) {
	reqID := RequestIDFromContext(r.Context())
	if errors.Is(err, ErrSessionCheckFailed) {
		a.Logger.Error("session check failed", "error", err, "request_id", reqID)
		a.Metrics.RecordCheckFailure()
		w.Header().Set("Retry-After", "1")
		writeError(w, &AuthError{
			Code:        ErrCodeTemporarilyUnavailable,
			Description: "session check unavailable, retry shortly",
			Status:      http.StatusServiceUnavailable,
		})
		return
	}
	a.Logger.Error("authorize failed", "error", err, "request_id", reqID)
	writeError(w, &AuthError{
		Code:        ErrCodeServerError,
		Description: "failed to issue code",
		Status:      http.StatusInternalServerError,
	})
}

func (a *App) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	a.renderPage(w, http.StatusOK, pageView{
		Title:      "Sign in",
		Action:     a.Config.Server.LoginPath,
		Register:   true,
		Error:      r.URL.Query().Get("error"),
		Notice:     r.URL.Query().Get("notice"),
		Handoff:    handoffFields(r.URL.Query()),
		RedirectTo: redirectTarget(r.URL.Query()),
		AltLink:    registerPath + preservedQuery(r.URL.Query(), "", ""),
	})
}

func (a *App) handleRegisterPage(w http.ResponseWriter, r *http.Request) {
	a.renderPage(w, http.StatusOK, pageView{
		Title:      "Create account",
		Action:     registerPath,
		Confirm:    true,
		Error:      r.URL.Query().Get("error"),
		Handoff:    handoffFields(r.URL.Query()),
		RedirectTo: redirectTarget(r.URL.Query()),
		AltLink:    a.Config.Server.LoginPath + preservedQuery(r.URL.Query(), "", ""),
	})
}

func (a *App) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	form := r.PostForm
	loginPath := a.Config.Server.LoginPath

	email := strings.TrimSpace(form.Get("email"))
	password := form.Get("password")
	if email == "" || password == "" {
		a.backToForm(w, r, loginPath, form, "error", "Email and password are required.")
		return
	}

	ident, err := a.Identity.SignIn(r.Context(), email, password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			a.Metrics.RecordCredentials("sign_in", "rejected")
			a.backToForm(w, r, loginPath, form, "error", "Invalid email or password.")
			return
		}
		a.Metrics.RecordCredentials("sign_in", "error")
		a.Logger.Error("sign in failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		a.backToForm(w, r, loginPath, form, "error", "Sign-in is temporarily unavailable.")
		return
	}
	a.Metrics.RecordCredentials("sign_in", "ok")

	a.startSession(w, r, loginPath, form, ident)
}

func (a *App) handleRegisterSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	form := r.PostForm

	email := strings.TrimSpace(form.Get("email"))
	password := form.Get("password")
	switch {
	case email == "" || password == "":
		a.backToForm(w, r, registerPath, form, "error", "Email and password are required.")
		return
	case len(password) < minPasswordLength:
		a.backToForm(w, r, registerPath, form, "error",
			fmt.Sprintf("Password must be at least %d characters.", minPasswordLength))
		return
	case password != form.Get("confirm_password"):
		a.backToForm(w, r, registerPath, form, "error", "Passwords do not match.")
		return
	}

	ident, active, err := a.Identity.SignUp(r.Context(), email, password)
	if err != nil {
		var msg string
		switch {
		case errors.Is(err, ErrUserExists):
			msg = "An account with this email already exists."
		case errors.Is(err, ErrSignUpRejected):
			msg = "Registration was rejected."
		case errors.Is(err, ErrSignUpUnsupported):
			msg = "Registration is not available."
		default:
			a.Metrics.RecordCredentials("sign_up", "error")
			a.Logger.Error("sign up failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
			a.backToForm(w, r, registerPath, form, "error", "Registration is temporarily unavailable.")
			return
		}
		a.Metrics.RecordCredentials("sign_up", "rejected")
		a.backToForm(w, r, registerPath, form, "error", msg)
		return
	}

	if !active {
		a.Metrics.RecordCredentials("sign_up", "pending")
		a.backToForm(w, r, a.Config.Server.LoginPath, form, "notice", "Check your email to confirm your account, then sign in.")
		return
	}
	a.Metrics.RecordCredentials("sign_up", "ok")

	a.startSession(w, r, registerPath, form, ident)
}

// startSession stores the session, then either resumes the handoff through
// the Composer or lands on a local page.
func (a *App) startSession(w http.ResponseWriter, r *http.Request, formPath string, form url.Values, ident Identity) {
	sess, err := a.Sessions.Create(r.Context(), w, ident)
	if err != nil {
		a.Logger.Error("session create", "error", err, "request_id", RequestIDFromContext(r.Context()))
		a.backToForm(w, r, formPath, form, "error", "Sign-in is temporarily unavailable.")
		return
	}
	a.Logger.Info("session started", "subject", sess.Subject, "request_id", RequestIDFromContext(r.Context()))

	if !HasHandoff(form) {
		http.Redirect(w, r, safeLocalPath(form.Get("redirect_to"), dashboardPath), http.StatusSeeOther)
		return
	}

	req, err := a.Validator.Validate(form)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			if authErr.SecurityEvent() {
				a.Logger.Warn("handoff re-entry rejected",
					"error", authErr.Code,
					"client_id", form.Get("client_id"),
					"redirect_uri", form.Get("redirect_uri"),
				)
			}
			a.Metrics.RecordOutcome(RedirectOutcome{Kind: OutcomeError, Err: authErr})
			writeError(w, authErr)
			return
		}
		a.writeDecisionError(w, r, err)
		return
	}

	out, err := a.Composer.Authorized(r.Context(), req, *sess)
	if err != nil {
		a.writeDecisionError(w, r, err)
		return
	}
	a.Metrics.RecordOutcome(out)
	http.Redirect(w, r, out.Target, http.StatusSeeOther)
}

// backToForm sends the visitor back to path with a message and the
// handoff fields they arrived with.
func (a *App) backToForm(w http.ResponseWriter, r *http.Request, path string, form url.Values, key, msg string) {
	http.Redirect(w, r, path+preservedQuery(form, key, msg), http.StatusSeeOther)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Sessions.Clear(r.Context(), w, r)
	http.Redirect(w, r, a.Config.Server.LoginPath, http.StatusSeeOther)
}

func (a *App) handleDashboard(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Oracle.CurrentSession(r.Context(), r)
	if err != nil {
		a.writeDecisionError(w, r, err)
		return
	}
	if sess == nil {
		target := a.Config.Server.LoginPath + "?" + encodeOrdered([][2]string{{"redirectedFrom", dashboardPath}})
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	a.renderPage(w, http.StatusOK, pageView{
		Title:     "Dashboard",
		Dashboard: true,
		Email:     sess.Email,
		ExpiresAt: sess.ExpiresAt.UTC().Format(time.RFC1123),
	})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.Store.Ping(ctx); err != nil {
		a.Logger.Warn("health check failed", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, a.JWKS.PublicJWKS())
}

// handoffFields keeps only the parameters that resume a handoff.
func handoffFields(params url.Values) [][2]string {
	var out [][2]string
	for _, key := range []string{"client_id", "redirect_uri", "state", "response_type"} {
		if v := params.Get(key); v != "" {
			out = append(out, [2]string{key, v})
		}
	}
	return out
}

// redirectTarget is the post-login destination. The dashboard gate sends
// redirectedFrom; the login and register forms post redirect_to.
func redirectTarget(params url.Values) string {
	if to := params.Get("redirect_to"); to != "" {
		return to
	}
	return params.Get("redirectedFrom")
}

// preservedQuery renders "?key=msg&<handoff fields>&redirect_to=..." with
// empty parts dropped. It returns "" when nothing is left.
func preservedQuery(params url.Values, key, msg string) string {
	var pairs [][2]string
	if key != "" && msg != "" {
		pairs = append(pairs, [2]string{key, msg})
	}
	pairs = append(pairs, handoffFields(params)...)
	if to := redirectTarget(params); to != "" {
		pairs = append(pairs, [2]string{"redirect_to", to})
	}
	if len(pairs) == 0 {
		return ""
	}
	return "?" + encodeOrdered(pairs)
}

// safeLocalPath returns p when it is a path on this host, fallback otherwise.
func safeLocalPath(p, fallback string) string {
	if p == "" || !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return fallback
	}
	u, err := url.Parse(p)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return fallback
	}
	return p
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the {error, error_description} body with e.Status.
func writeError(w http.ResponseWriter, e *AuthError) {
	status := e.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e)
}
