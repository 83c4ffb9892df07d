package keycloak

import (
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the decoded payload of a validated access token. It is
// never persisted; the user store receives it to derive a local
// record.
type Claims struct {
	Subject           string
	Issuer            string
	Audiences         []string
	AuthorizedParty   string
	PreferredUsername string
	Username          string
	Email             string
	GivenName         string
	FamilyName        string
	Name              string
	RealmRoles        []string
	ClientRoles       map[string][]string
	ExpiresAt         time.Time
	IssuedAt          time.Time
	Raw               map[string]any
}

func newClaims(mc jwt.MapClaims) *Claims {
	raw := make(map[string]any, len(mc))
	for k, v := range mc {
		raw[k] = v
	}

	c := &Claims{
		Subject:           stringClaim(mc, "sub"),
		Issuer:            stringClaim(mc, "iss"),
		Audiences:         normalizeAudience(mc["aud"]),
		AuthorizedParty:   stringClaim(mc, "azp"),
		PreferredUsername: stringClaim(mc, "preferred_username"),
		Username:          stringClaim(mc, "username"),
		Email:             stringClaim(mc, "email"),
		GivenName:         stringClaim(mc, "given_name"),
		FamilyName:        stringClaim(mc, "family_name"),
		Name:              stringClaim(mc, "name"),
		RealmRoles:        rolesIn(mc["realm_access"]),
		ClientRoles:       clientRoles(mc["resource_access"]),
		ExpiresAt:         parseUnix(mc["exp"]),
		IssuedAt:          parseUnix(mc["iat"]),
		Raw:               raw,
	}
	return c
}

// HasRole reports whether role appears in the realm role list or in
// the per-client role list for clientID.
func (c *Claims) HasRole(clientID, role string) bool {
	if slices.Contains(c.RealmRoles, role) {
		return true
	}
	return slices.Contains(c.ClientRoles[clientID], role)
}

// AudienceMatches accepts tokens whose aud contains clientID or whose
// azp equals it. Keycloak public clients routinely omit themselves
// from aud and rely on azp.
func (c *Claims) AudienceMatches(clientID string) bool {
	if slices.Contains(c.Audiences, clientID) {
		return true
	}
	return c.AuthorizedParty != "" && c.AuthorizedParty == clientID
}

func stringClaim(mc jwt.MapClaims, key string) string {
	v, _ := mc[key].(string)
	return v
}

func rolesIn(access any) []string {
	m, ok := access.(map[string]any)
	if !ok {
		return nil
	}
	return stringList(m["roles"])
}

func clientRoles(access any) map[string][]string {
	m, ok := access.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string][]string, len(m))
	for client, v := range m {
		if roles := rolesIn(v); roles != nil {
			out[client] = roles
		}
	}
	return out
}

func stringList(val any) []string {
	items, ok := val.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func normalizeAudience(val any) []string {
	switch v := val.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		return stringList(v)
	case []string:
		return v
	default:
		return nil
	}
}

func parseUnix(val any) time.Time {
	switch v := val.(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case int64:
		return time.Unix(v, 0)
	default:
		return time.Time{}
	}
}
