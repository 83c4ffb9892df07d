package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"

	"kcgate/keycloak"
	"kcgate/users"
)

const testEnvKID = "gateway-test-key"

// testEnv wires a gateway App against a stub Keycloak token endpoint
// and a deterministic JWKS cache.
type testEnv struct {
	t       *testing.T
	app     *App
	store   *users.MemoryStore
	key     *rsa.PrivateKey
	idp     *httptest.Server
	handler http.Handler

	// tokenClaims mints the access token returned by the stub token
	// endpoint; tokenStatus forces an error response instead.
	tokenClaims func() jwt.MapClaims
	tokenStatus int
}

func newTestEnv(t *testing.T, modify func(*Config)) *testEnv {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	env := &testEnv{t: t, key: key, tokenStatus: http.StatusOK}

	mux := http.NewServeMux()
	env.idp = httptest.NewServer(mux)
	t.Cleanup(env.idp.Close)

	cfg := DefaultConfig()
	cfg.Server.PublicURL = "http://gateway.test"
	cfg.Keycloak.URL = env.idp.URL + "/auth"
	cfg.Keycloak.Realm = "portal"
	cfg.Keycloak.ClientID = "geoportal"
	cfg.Keycloak.RequiredRole = "mcp"
	if modify != nil {
		modify(&cfg)
	}

	mux.HandleFunc("/auth/realms/portal/protocol/openid-connect/token", env.handleToken)

	env.store = users.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	app, err := NewApp(cfg, logger, env.store)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}

	// Replace the validator's key cache so no JWKS endpoint is needed.
	kc := cfg.Provider()
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key: &key.PublicKey, KeyID: testEnvKID, Algorithm: "RS256", Use: "sig",
	}}}
	cache := keycloak.NewKeyCache(kc.JWKSCacheTTL, nil)
	cache.Fetch = func(ctx context.Context, url string) (jose.JSONWebKeySet, error) {
		return set, nil
	}
	app.Validator = keycloak.NewValidator(kc, cache)

	env.app = app
	env.handler = app.Routes()
	env.tokenClaims = env.claims
	return env
}

func (e *testEnv) claims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":                e.app.Keycloak.Issuer(),
		"sub":                "user-123",
		"aud":                e.app.Keycloak.ClientID,
		"exp":                now.Add(5 * time.Minute).Unix(),
		"iat":                now.Unix(),
		"preferred_username": "maria",
		"email":              "maria@example.com",
		"given_name":         "Maria",
		"family_name":        "Curie",
		"realm_access":       map[string]any{"roles": []any{"mcp"}},
	}
}

func (e *testEnv) signToken(claims jwt.MapClaims) string {
	e.t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = testEnvKID
	signed, err := tok.SignedString(e.key)
	if err != nil {
		e.t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (e *testEnv) bearer(claims jwt.MapClaims) string {
	return "Bearer " + e.signToken(claims)
}

func (e *testEnv) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if e.tokenStatus != http.StatusOK {
		w.WriteHeader(e.tokenStatus)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"code expired"}`))
		return
	}
	if r.FormValue("grant_type") != "authorization_code" ||
		r.FormValue("code") == "" ||
		r.FormValue("code_verifier") == "" {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_request"}`))
		return
	}
	writeJSONStatus(w, http.StatusOK, map[string]any{
		"access_token": e.signToken(e.tokenClaims()),
		"token_type":   "Bearer",
		"expires_in":   300,
	})
}

// startLogin drives /login/start and returns the session cookie plus
// the query Keycloak would receive on its authorization endpoint.
func (e *testEnv) startLogin(next string) (*http.Cookie, url.Values) {
	e.t.Helper()

	target := "/login/start"
	if next != "" {
		target += "?next=" + url.QueryEscape(next)
	}
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		e.t.Fatalf("login start status = %d, body %q", w.Code, w.Body.String())
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		e.t.Fatalf("parse redirect: %v", err)
	}

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == sessionCookieName {
			cookie = c
		}
	}
	if cookie == nil {
		e.t.Fatal("login start did not set a session cookie")
	}
	return cookie, loc.Query()
}

func (e *testEnv) callback(cookie *http.Cookie, query url.Values) *httptest.ResponseRecorder {
	e.t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/login/callback?"+query.Encode(), nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

// session resolves the current session for cookie, nil when expired or
// destroyed.
func (e *testEnv) session(cookie *http.Cookie) *Session {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	return e.app.Sessions.Fetch(req)
}

// provisionStaff pre-creates a local user with the staff flag, the out
// of band grant the login flow requires.
func (e *testEnv) provisionStaff(username string) {
	e.t.Helper()
	if _, err := e.store.Upsert(context.Background(), &keycloak.Claims{PreferredUsername: username}); err != nil {
		e.t.Fatalf("provision %s: %v", username, err)
	}
	e.store.SetStaff(username, true)
}

// login runs the complete PKCE flow and returns the authenticated
// session cookie.
func (e *testEnv) login() *http.Cookie {
	e.t.Helper()
	cookie, q := e.startLogin("")
	w := e.callback(cookie, url.Values{"code": {"test-code"}, "state": {q.Get("state")}})
	if w.Code != http.StatusFound {
		e.t.Fatalf("callback status = %d, body %q", w.Code, w.Body.String())
	}
	return cookie
}
