package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"kcgate/keycloak"
	"kcgate/users"
)

// failingStore always errors, for exercising fail-open provisioning.
type failingStore struct{}

func (failingStore) Upsert(context.Context, *keycloak.Claims) (*users.User, error) {
	return nil, errors.New("database down")
}

func decodeJSONBody(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return body
}

func TestProtectedRequiresToken(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/things/", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	body := decodeJSONBody(t, w)
	if body["detail"] != "Unauthorized" || body["error"] == "" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestProtectedRejectsBadToken(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, header := range []string{
		"Bearer garbage",
		"Basic dXNlcjpwYXNz",
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/things/", nil)
		req.Header.Set("Authorization", header)
		w := httptest.NewRecorder()
		env.handler.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: status = %d, want 401", header, w.Code)
		}
		if body := decodeJSONBody(t, w); body["detail"] != "Unauthorized" {
			t.Fatalf("header %q: unexpected body %v", header, body)
		}
	}
}

func TestProtectedValidTokenPassesAndProvisions(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/things/", nil)
	req.Header.Set("Authorization", env.bearer(env.claims()))
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	// No upstream configured: authorized requests reach the 404 handler.
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}

	u, ok := env.store.Lookup("maria")
	if !ok {
		t.Fatal("request did not provision the user")
	}
	if u.Email != "maria@example.com" || u.Staff {
		t.Fatalf("unexpected provisioned record: %+v", u)
	}
}

func TestProtectedMissingRole(t *testing.T) {
	env := newTestEnv(t, nil)

	claims := env.claims()
	delete(claims, "realm_access")
	req := httptest.NewRequest(http.MethodGet, "/api/things/", nil)
	req.Header.Set("Authorization", env.bearer(claims))
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	body := decodeJSONBody(t, w)
	if body["detail"] != "Forbidden" || body["error"] != "Missing required role" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestHealthBypassesAuthorization(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health/", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body := decodeJSONBody(t, w); body["status"] != "ok" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestOptionsBypassesAuthorization(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Server.CORS.AllowedOrigins = []string{"http://app.test"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/things/", nil)
	req.Header.Set("Origin", "http://app.test")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://app.test" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestCORSUnknownOriginGetsNoHeaders(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Server.CORS.AllowedOrigins = []string{"http://app.test"}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/health/", nil)
	req.Header.Set("Origin", "http://evil.test")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected Access-Control-Allow-Origin %q for unknown origin", got)
	}
}

func TestStaffSessionBypassesToken(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provisionStaff("maria")
	cookie := env.login()

	req := httptest.NewRequest(http.MethodGet, "/api/things/", nil)
	req.AddCookie(cookie)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	// Authorized without a bearer token; 404 is the no-upstream handler.
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestRequireRoleAttachesClaims(t *testing.T) {
	env := newTestEnv(t, nil)

	var got *keycloak.Claims
	handler := env.app.RequireRole(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/things/", nil)
	req.Header.Set("Authorization", env.bearer(env.claims()))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got == nil {
		t.Fatal("claims not attached to request context")
	}
	if got.Subject != "user-123" || got.PreferredUsername != "maria" {
		t.Fatalf("unexpected claims: %+v", got)
	}
}

func TestRequireRoleIgnoresUnprotectedPaths(t *testing.T) {
	env := newTestEnv(t, nil)

	handler := env.app.RequireRole(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want pass-through for paths outside the prefix", w.Code)
	}
}

func TestProvisioningFailureIsFailOpen(t *testing.T) {
	env := newTestEnv(t, nil)
	env.app.Users = failingStore{}

	req := httptest.NewRequest(http.MethodGet, "/api/things/", nil)
	req.Header.Set("Authorization", env.bearer(env.claims()))
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	// Authorization rests on the token; a broken store must not 401.
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestUpstreamProxyForwardsIdentityHeaders(t *testing.T) {
	var gotSubject, gotUsername, gotSpoofed string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject = r.Header.Get("X-Auth-Subject")
		gotUsername = r.Header.Get("X-Auth-Username")
		gotSpoofed = r.Header.Get("X-Auth-Spoofed")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("backend says hi"))
	}))
	defer backend.Close()

	env := newTestEnv(t, func(cfg *Config) {
		cfg.Gateway.UpstreamURL = backend.URL
	})

	req := httptest.NewRequest(http.MethodGet, "/api/things/", nil)
	req.Header.Set("Authorization", env.bearer(env.claims()))
	// A client-supplied identity header must be replaced, not forwarded.
	req.Header.Set("X-Auth-Subject", "spoofed-subject")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", w.Code, w.Body.String())
	}
	if w.Body.String() != "backend says hi" {
		t.Fatalf("body = %q", w.Body.String())
	}
	if gotSubject != "user-123" || gotUsername != "maria" {
		t.Fatalf("identity headers = %q / %q", gotSubject, gotUsername)
	}
	if gotSpoofed != "" {
		t.Fatalf("unexpected header leak: %q", gotSpoofed)
	}
}

func TestUpstreamProxyBadGateway(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	backend.Close() // nothing listening any more

	env := newTestEnv(t, func(cfg *Config) {
		cfg.Gateway.UpstreamURL = backend.URL
	})

	req := httptest.NewRequest(http.MethodGet, "/api/things/", nil)
	req.Header.Set("Authorization", env.bearer(env.claims()))
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
}

func TestExpiredTokenErrorSurfaced(t *testing.T) {
	env := newTestEnv(t, nil)

	claims := env.claims()
	claims["exp"] = claims["iat"].(int64) - 3600
	req := httptest.NewRequest(http.MethodGet, "/api/things/", nil)
	req.Header.Set("Authorization", env.bearer(claims))
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if body := decodeJSONBody(t, w); body["error"] == "" {
		t.Fatal("expected the rejection reason in the error field")
	}
}
