package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the handoff and credential endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))

	r.Get("/authorize", a.handleAuthorize)

	r.Get(a.Config.Server.LoginPath, a.handleLoginPage)
	r.Post(a.Config.Server.LoginPath, a.handleLoginSubmit)
	r.Get(registerPath, a.handleRegisterPage)
	r.Post(registerPath, a.handleRegisterSubmit)
	r.Post(logoutPath, a.handleLogout)
	r.Get(dashboardPath, a.handleDashboard)

	r.Get("/healthz", a.handleHealth)
	if a.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())
	}
	if a.JWKS != nil {
		r.Get("/.well-known/jwks.json", a.handleJWKS)
	}

	return r
}
