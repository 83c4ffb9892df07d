package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router for the gateway.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(SecurityHeadersMiddleware(31536000))
	r.Use(IdentityMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.CORS))

	r.Get("/login/start", a.handleLoginStart)
	r.Get("/login/callback", a.handleLoginCallback)
	r.Get("/login/logout", a.handleLogout)

	r.Get(a.Config.Gateway.HealthPath, a.handleHealth)

	prefix := strings.TrimSuffix(a.Config.Gateway.ProtectedPrefix, "/")
	r.With(a.RequireRole).Handle(prefix+"/*", a.protectedHandler())

	return r
}
