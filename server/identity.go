package server

import (
	"context"
	"net/http"
	"strings"

	"kcgate/keycloak"
)

// identityHeader lets the frontend attribute requests in access logs
// even when authentication fails. Lowest-priority identity source.
const identityHeader = "X-Preferred-Username"

type identityKey struct{}
type claimsKey struct{}

// Identity is the per-request holder of the resolved display name
// used for logging. It stays readable after the response is written,
// since the access log is emitted post-response.
type Identity struct {
	name string
}

// Set records name unless empty. Callers run in resolution order, so
// a later non-empty value is always the higher-priority one.
func (i *Identity) Set(name string) {
	if i != nil && strings.TrimSpace(name) != "" {
		i.name = strings.TrimSpace(name)
	}
}

// Name returns the resolved display name, possibly empty.
func (i *Identity) Name() string {
	if i == nil {
		return ""
	}
	return i.name
}

// IdentityMiddleware installs a fresh Identity holder at the start of
// every request, seeded from the client-supplied fallback header.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident := &Identity{}
		ident.Set(r.Header.Get(identityHeader))
		r = r.WithContext(context.WithValue(r.Context(), identityKey{}, ident))
		next.ServeHTTP(w, r)
	})
}

// IdentityFromContext returns the request's identity holder, or nil
// outside the middleware chain.
func IdentityFromContext(ctx context.Context) *Identity {
	ident, _ := ctx.Value(identityKey{}).(*Identity)
	return ident
}

// SetIdentity records the display name on the request's holder.
func SetIdentity(ctx context.Context, name string) {
	IdentityFromContext(ctx).Set(name)
}

// ContextWithClaims attaches validated claims for downstream handlers.
func ContextWithClaims(ctx context.Context, claims *keycloak.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFromContext retrieves claims attached by the authorizer.
// Downstream handlers must not re-validate the token.
func ClaimsFromContext(ctx context.Context) (*keycloak.Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*keycloak.Claims)
	return claims, ok
}
