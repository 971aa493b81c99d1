// Package auth guards admin routes. Mechanisms implement Authenticator;
// zero configured mechanisms means the admin surface is open (the
// operator opted out by leaving the token empty).
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Authenticator approves or rejects a request.
type Authenticator interface {
	Name() string
	Authenticate(r *http.Request) bool
}

// TokenAuthenticator checks a bearer token.
type TokenAuthenticator struct {
	token string
}

// NewTokenAuthenticator creates a bearer-token authenticator.
func NewTokenAuthenticator(token string) *TokenAuthenticator {
	return &TokenAuthenticator{token: token}
}

// Name identifies the mechanism.
func (a *TokenAuthenticator) Name() string { return "bearer-token" }

// Authenticate checks the Authorization header in constant time.
func (a *TokenAuthenticator) Authenticate(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	presented, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(a.token)) == 1
}

// FromConfig assembles the configured mechanisms. An empty token yields
// none, which disables auth.
func FromConfig(adminToken string) []Authenticator {
	if adminToken == "" {
		return nil
	}
	return []Authenticator{NewTokenAuthenticator(adminToken)}
}

// Middleware lets a request through when any mechanism approves it, or
// when no mechanisms are configured.
func Middleware(authenticators []Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(authenticators) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		for _, a := range authenticators {
			if a.Authenticate(r) {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}
