package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const sessionCookieName = "gw_session"

// LoginSession holds the pending PKCE exchange. Single-use: the
// callback consumes every field before exchanging the code.
type LoginSession struct {
	State    string
	Nonce    string
	Verifier string
	Next     string
}

// Session captures a browser session bound to a cookie. Only sessions
// with Authenticated and Staff set bypass bearer-token authorization.
type Session struct {
	ID            string
	Username      string
	Authenticated bool
	Staff         bool
	AuthTime      time.Time
	ExpiresAt     time.Time
	Login         LoginSession
}

// SessionStore keeps sessions in process memory.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewSessionStore constructs the store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]Session)}
}

// NewID generates a random session identifier.
func (s *SessionStore) NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte("fallbackid"))
	}
	return hex.EncodeToString(buf)
}

// Save stores or replaces a session.
func (s *SessionStore) Save(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Delete removes a session.
func (s *SessionStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// SessionManager handles cookie-backed sessions.
type SessionManager struct {
	store        *SessionStore
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
}

// NewSessionManager constructs a session manager honouring config.
// SameSite stays Lax: the login callback arrives as a cross-site
// top-level redirect from Keycloak and Strict would withhold the
// cookie there.
func NewSessionManager(cfg Config, store *SessionStore, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		store:        store,
		logger:       logger,
		ttl:          cfg.Sessions.TTLOrDefault(),
		secure:       !cfg.Server.DevMode,
		sameSite:     http.SameSiteLaxMode,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// Fetch returns the session associated with the request cookie if
// present and not expired. Activity slides the expiry.
func (sm *SessionManager) Fetch(r *http.Request) *Session {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil
	}
	sess, ok := sm.store.Get(cookie.Value)
	if !ok {
		return nil
	}
	if time.Now().After(sess.ExpiresAt) {
		sm.store.Delete(sess.ID)
		return nil
	}

	sess.ExpiresAt = time.Now().Add(sm.ttl)
	sm.store.Save(sess)
	return &sess
}

// Create establishes a new anonymous session and sets the cookie.
func (sm *SessionManager) Create(w http.ResponseWriter) *Session {
	sess := Session{
		ID:        sm.store.NewID(),
		ExpiresAt: time.Now().Add(sm.ttl),
	}
	sm.store.Save(sess)

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})

	return &sess
}

// Save persists session mutations.
func (sm *SessionManager) Save(sess Session) {
	sm.store.Save(sess)
}

// Destroy removes the session and clears the cookie.
func (sm *SessionManager) Destroy(w http.ResponseWriter, id string) {
	if id != "" {
		sm.store.Delete(id)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}
