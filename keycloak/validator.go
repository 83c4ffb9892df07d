package keycloak

import (
	"context"
	"crypto/rsa"
	"errors"
	"slices"
	"strings"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Validator verifies Keycloak-issued bearer tokens against the cached
// JWKS and extracts claims plus required-role membership.
type Validator struct {
	cfg  Config
	keys *KeyCache
}

// NewValidator constructs a validator over the given key cache.
func NewValidator(cfg Config, keys *KeyCache) *Validator {
	if keys == nil {
		keys = NewKeyCache(cfg.JWKSCacheTTL, nil)
	}
	return &Validator{cfg: cfg, keys: keys}
}

// Validate checks an Authorization header value and returns the
// decoded claims along with whether the configured required role is
// present. Rejecting on a false role result is the caller's job.
//
// Every failure is a *TokenError; the kind says which check failed.
func (v *Validator) Validate(ctx context.Context, authorization string) (*Claims, bool, error) {
	raw, err := bearerToken(authorization)
	if err != nil {
		return nil, false, err
	}

	kid, err := unverifiedKID(raw)
	if err != nil {
		return nil, false, err
	}

	key, err := v.lookupKey(ctx, kid)
	if err != nil {
		return nil, false, err
	}

	pub, ok := key.Key.(*rsa.PublicKey)
	if !ok || !key.Valid() {
		return nil, false, newTokenError(ErrMalformedKey, "failed to build public key for kid %q", kid)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(v.cfg.ClockSkew),
	)
	mc := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(raw, mc, func(*jwt.Token) (any, error) {
		return pub, nil
	}); err != nil {
		return nil, false, mapParseError(err)
	}

	claims := newClaims(mc)

	issuers := v.cfg.Issuers()
	if !slices.Contains(issuers, claims.Issuer) {
		return nil, false, newTokenError(ErrInvalidIssuer,
			"invalid issuer %q, expected one of %s", claims.Issuer, strings.Join(issuers, ", "))
	}

	if !claims.AudienceMatches(v.cfg.ClientID) {
		return nil, false, newTokenError(ErrInvalidAudience, "invalid audience")
	}

	return claims, claims.HasRole(v.cfg.ClientID, v.cfg.RequiredRole), nil
}

// lookupKey finds the signing key for kid, consulting the primary
// JWKS first and then the legacy-path alternate when one exists.
func (v *Validator) lookupKey(ctx context.Context, kid string) (*jose.JSONWebKey, error) {
	for _, url := range v.cfg.JWKSURLs() {
		set, err := v.keys.Get(ctx, url)
		if err != nil {
			return nil, err
		}
		if key := findKey(set, kid); key != nil {
			return key, nil
		}
	}
	return nil, newTokenError(ErrSigningKeyNotFound, "signing key not found for kid %q", kid)
}

func bearerToken(authorization string) (string, error) {
	parts := strings.Fields(authorization)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", newTokenError(ErrMissingToken, "missing bearer token")
	}
	return parts[1], nil
}

func unverifiedKID(raw string) (string, error) {
	tok, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return "", newTokenError(ErrMalformedToken, "invalid token header")
	}
	kid, _ := tok.Header["kid"].(string)
	if kid == "" {
		return "", newTokenError(ErrMalformedToken, "missing kid")
	}
	return kid, nil
}

func mapParseError(err error) *TokenError {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return newTokenError(ErrTokenExpired, "token expired")
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return newTokenError(ErrTokenNotYetValid, "token not yet valid")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return newTokenError(ErrInvalidSignature, "invalid token signature")
	default:
		return newTokenError(ErrMalformedToken, "token validation failed: %v", err)
	}
}
