package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const exchangeTimeout = 15 * time.Second

// handleLoginStart begins the PKCE authorization-code flow for the
// local admin session and redirects the browser to Keycloak.
func (a *App) handleLoginStart(w http.ResponseWriter, r *http.Request) {
	next := safeNextPath(r.URL.Query().Get("next"))

	sess := a.Sessions.Fetch(r)
	if sess != nil && sess.Authenticated && sess.Staff {
		http.Redirect(w, r, a.landing(next), http.StatusFound)
		return
	}
	if sess == nil {
		sess = a.Sessions.Create(w)
	}

	state := randomToken(32)
	nonce := randomToken(32)
	verifier := randomToken(64)
	challenge := sha256.Sum256([]byte(verifier))

	sess.Login = LoginSession{State: state, Nonce: nonce, Verifier: verifier, Next: next}
	a.Sessions.Save(*sess)

	authURL := a.OAuth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("nonce", nonce),
		oauth2.SetAuthURLParam("code_challenge", base64.RawURLEncoding.EncodeToString(challenge[:])),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleLoginCallback finishes the flow: state check, code exchange,
// token validation, provisioning, and session promotion. The stored
// login fields are consumed before the exchange, so a replayed state
// always fails.
func (a *App) handleLoginCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if errCode := q.Get("error"); errCode != "" {
		if desc := q.Get("error_description"); desc != "" {
			http.Error(w, fmt.Sprintf("Keycloak error: %s (%s)", errCode, desc), http.StatusBadRequest)
			return
		}
		http.Error(w, fmt.Sprintf("Keycloak error: %s", errCode), http.StatusBadRequest)
		return
	}

	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		http.Error(w, "Missing code/state", http.StatusBadRequest)
		return
	}

	sess := a.Sessions.Fetch(r)
	if sess == nil || sess.Login.State == "" ||
		subtle.ConstantTimeCompare([]byte(state), []byte(sess.Login.State)) != 1 {
		http.Error(w, "Invalid state", http.StatusBadRequest)
		return
	}
	login := sess.Login
	if login.Verifier == "" {
		http.Error(w, "Missing PKCE verifier", http.StatusBadRequest)
		return
	}

	// Single use: consume the pending login before talking to the
	// token endpoint.
	sess.Login = LoginSession{}
	a.Sessions.Save(*sess)

	ctx, cancel := context.WithTimeout(r.Context(), exchangeTimeout)
	defer cancel()

	tok, err := a.OAuth.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", login.Verifier))
	if err != nil {
		a.Logger.Warn("token exchange failed", "error", err)
		http.Error(w, "Token exchange failed: "+exchangeErrorDetail(err), http.StatusBadRequest)
		return
	}
	if tok.AccessToken == "" {
		http.Error(w, "Missing access_token", http.StatusBadRequest)
		return
	}

	claims, hasRole, err := a.Validator.Validate(ctx, "Bearer "+tok.AccessToken)
	if err != nil {
		a.Logger.Warn("callback token rejected", "error", err)
		http.Error(w, "Token validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !hasRole {
		a.Sessions.Destroy(w, sess.ID)
		http.Error(w, fmt.Sprintf("Missing required role (%s)", a.Keycloak.RequiredRole), http.StatusForbidden)
		return
	}

	user, err := a.Users.Upsert(ctx, claims)
	if err != nil {
		a.Logger.Error("callback provisioning failed", "error", err, "sub", claims.Subject)
		http.Error(w, "Failed to map Keycloak user", http.StatusBadRequest)
		return
	}
	if user == nil {
		http.Error(w, "Failed to map Keycloak user", http.StatusBadRequest)
		return
	}
	if !user.Staff {
		a.Sessions.Destroy(w, sess.ID)
		http.Error(w, "Staff permission required for admin access", http.StatusForbidden)
		return
	}

	sess.Username = user.Username
	sess.Authenticated = true
	sess.Staff = true
	sess.AuthTime = time.Now()
	a.Sessions.Save(*sess)
	SetIdentity(r.Context(), user.Username)

	http.Redirect(w, r, a.landing(login.Next), http.StatusFound)
}

// handleLogout clears the admin session.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sess := a.Sessions.Fetch(r); sess != nil {
		a.Sessions.Destroy(w, sess.ID)
	} else {
		a.Sessions.Destroy(w, "")
	}
	http.Redirect(w, r, a.Config.Gateway.LandingPath, http.StatusFound)
}

func (a *App) landing(next string) string {
	if next != "" {
		return next
	}
	return a.Config.Gateway.LandingPath
}

// safeNextPath accepts only same-origin relative paths, preventing
// open redirects through the next parameter.
func safeNextPath(next string) string {
	if strings.HasPrefix(next, "/") && !strings.HasPrefix(next, "//") {
		return next
	}
	return ""
}

// randomToken returns a URL-safe token with n bytes of entropy.
func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func exchangeErrorDetail(err error) string {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) && len(retrieve.Body) > 0 {
		return string(retrieve.Body)
	}
	return err.Error()
}
