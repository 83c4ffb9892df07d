package users

import (
	"context"
	"sync"
	"time"

	"kcgate/keycloak"
)

// MemoryStore keeps user records in process memory. It backs the
// gateway when no database is configured and the test suites.
type MemoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	users map[string]*User
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, users: make(map[string]*User)}
}

// Upsert creates or refreshes the record for the claims' username.
// New users are active but not staff; staff is only ever granted out
// of band.
func (s *MemoryStore) Upsert(_ context.Context, claims *keycloak.Claims) (*User, error) {
	username := usernameFromClaims(claims)
	if username == "" {
		return nil, nil
	}
	first, last := nameFromClaims(claims)

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		u = &User{
			Username:  username,
			Email:     claims.Email,
			FirstName: first,
			LastName:  last,
			Active:    true,
			Staff:     false,
		}
		s.users[username] = u
	} else {
		if claims.Email != "" {
			u.Email = claims.Email
		}
		if first != "" {
			u.FirstName = first
		}
		if last != "" {
			u.LastName = last
		}
	}
	u.LastSeen = s.now()

	out := *u
	return &out, nil
}

// SetStaff flips the local administrative flag for a username. Test
// and bootstrap helper; the gateway itself never grants staff.
func (s *MemoryStore) SetStaff(username string, staff bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[username]; ok {
		u.Staff = staff
	}
}

// Lookup returns a copy of the stored record, if any.
func (s *MemoryStore) Lookup(username string) (*User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return nil, false
	}
	out := *u
	return &out, true
}
