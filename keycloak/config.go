package keycloak

import (
	"strings"
	"time"
)

// Config captures the Keycloak deployment the gateway trusts.
type Config struct {
	URL          string
	Realm        string
	ClientID     string
	ClientSecret string
	RequiredRole string
	ClockSkew    time.Duration
	JWKSCacheTTL time.Duration
}

func (c Config) base() string {
	return strings.TrimSuffix(c.URL, "/")
}

// Issuer returns the issuer URL derived from the configured base URL.
func (c Config) Issuer() string {
	return c.base() + "/realms/" + c.Realm
}

// JWKSURL returns the JWKS endpoint for the configured realm.
func (c Config) JWKSURL() string {
	return c.Issuer() + "/protocol/openid-connect/certs"
}

// AuthEndpoint returns the authorization endpoint for the realm.
func (c Config) AuthEndpoint() string {
	return c.Issuer() + "/protocol/openid-connect/auth"
}

// TokenEndpoint returns the token endpoint for the realm.
func (c Config) TokenEndpoint() string {
	return c.Issuer() + "/protocol/openid-connect/token"
}

// altBase strips the legacy /auth path segment older Keycloak
// deployments expose. Returns "" when the base has no such segment.
func altBase(base string) string {
	if strings.HasSuffix(base, "/auth") {
		return strings.TrimSuffix(base, "/auth")
	}
	return ""
}

// Issuers returns the ordered list of acceptable issuer URLs: the
// configured issuer first, then the legacy-path alternate when it
// differs. Tokens minted before or after a Keycloak upgrade can carry
// either form.
func (c Config) Issuers() []string {
	issuers := []string{c.Issuer()}
	if alt := altBase(c.base()); alt != "" {
		altIssuer := alt + "/realms/" + c.Realm
		if altIssuer != issuers[0] {
			issuers = append(issuers, altIssuer)
		}
	}
	return issuers
}

// JWKSURLs returns the JWKS endpoints matching Issuers, in the same
// order.
func (c Config) JWKSURLs() []string {
	urls := make([]string, 0, 2)
	for _, iss := range c.Issuers() {
		urls = append(urls, iss+"/protocol/openid-connect/certs")
	}
	return urls
}
