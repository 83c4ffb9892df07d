// Package users provisions local user records from verified Keycloak
// claims. Records exist for admin visibility and the local staff
// gate; they never grant access by themselves.
package users

import (
	"context"
	"strings"
	"time"

	"kcgate/keycloak"
)

// User is the persisted local identity record.
type User struct {
	Username  string
	Email     string
	FirstName string
	LastName  string
	Active    bool
	Staff     bool
	LastSeen  time.Time
}

// Store upserts local users from verified claims. Upsert must be
// idempotent and returns (nil, nil) when no usable username can be
// derived from the claims.
type Store interface {
	Upsert(ctx context.Context, claims *keycloak.Claims) (*User, error)
}

// usernameFromClaims derives the stable username key. First non-empty
// wins: preferred_username, username, email, subject.
func usernameFromClaims(c *keycloak.Claims) string {
	for _, v := range []string{c.PreferredUsername, c.Username, c.Email, c.Subject} {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// nameFromClaims resolves first/last name, falling back to splitting
// the composite name claim when the parts are absent.
func nameFromClaims(c *keycloak.Claims) (first, last string) {
	first, last = c.GivenName, c.FamilyName
	if first == "" && last == "" && c.Name != "" {
		first, last = splitName(c.Name)
	}
	return first, last
}

func splitName(full string) (string, string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}
