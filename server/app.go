package server

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"kcgate/keycloak"
	"kcgate/users"
)

// App bundles runtime dependencies for the gateway.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Keycloak  keycloak.Config
	Validator *keycloak.Validator
	Sessions  *SessionManager
	Users     users.Store
	OAuth     *oauth2.Config
	Upstream  *UpstreamProxy
}

// NewApp wires together the gateway state from configuration. A nil
// store falls back to the in-memory user store.
func NewApp(cfg Config, logger *slog.Logger, store users.Store) (*App, error) {
	if store == nil {
		store = users.NewMemoryStore()
	}

	kc := cfg.Provider()
	validator := keycloak.NewValidator(kc, keycloak.NewKeyCache(kc.JWKSCacheTTL, nil))
	sessions := NewSessionManager(cfg, NewSessionStore(), logger)

	endpoint := oauth2.Endpoint{
		AuthURL:  kc.AuthEndpoint(),
		TokenURL: kc.TokenEndpoint(),
	}
	if kc.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	oauthCfg := &oauth2.Config{
		ClientID:     kc.ClientID,
		ClientSecret: kc.ClientSecret,
		RedirectURL:  strings.TrimSuffix(cfg.Server.PublicURL, "/") + "/login/callback",
		Endpoint:     endpoint,
		Scopes:       cfg.Keycloak.Scopes,
	}

	app := &App{
		Config:    cfg,
		Logger:    logger,
		Keycloak:  kc,
		Validator: validator,
		Sessions:  sessions,
		Users:     store,
		OAuth:     oauthCfg,
	}

	if cfg.Gateway.UpstreamURL != "" {
		upstream, err := NewUpstreamProxy(cfg.Gateway.UpstreamURL, logger)
		if err != nil {
			return nil, err
		}
		app.Upstream = upstream
	}

	return app, nil
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONStatus(w, http.StatusOK, map[string]string{"status": "ok"})
}

// protectedHandler serves requests that passed authorization: proxy
// to the upstream when one is configured, 404 otherwise.
func (a *App) protectedHandler() http.Handler {
	if a.Upstream != nil {
		return a.Upstream
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONStatus(w, http.StatusNotFound, map[string]string{"detail": "Not Found"})
	})
}
