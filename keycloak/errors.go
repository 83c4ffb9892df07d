package keycloak

import (
	"errors"
	"fmt"
)

// ErrorKind discriminates the validator failure modes. Distinct kinds
// matter for diagnostics; every kind still surfaces as a 401 upstream.
type ErrorKind string

const (
	ErrMissingToken       ErrorKind = "missing_token"
	ErrMalformedToken     ErrorKind = "malformed_token"
	ErrSigningKeyNotFound ErrorKind = "signing_key_not_found"
	ErrMalformedKey       ErrorKind = "malformed_key"
	ErrTokenExpired       ErrorKind = "token_expired"
	ErrTokenNotYetValid   ErrorKind = "token_not_yet_valid"
	ErrInvalidSignature   ErrorKind = "invalid_signature"
	ErrInvalidIssuer      ErrorKind = "invalid_issuer"
	ErrInvalidAudience    ErrorKind = "invalid_audience"
	ErrKeySetUnavailable  ErrorKind = "keyset_unavailable"
)

// TokenError is the single error type returned by token validation.
// The reason is safe to echo in a 401 response body.
type TokenError struct {
	Kind   ErrorKind
	Reason string
}

func (e *TokenError) Error() string {
	return e.Reason
}

func newTokenError(kind ErrorKind, format string, args ...any) *TokenError {
	return &TokenError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// AsTokenError unwraps err into a TokenError if it is one.
func AsTokenError(err error) (*TokenError, bool) {
	var te *TokenError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
