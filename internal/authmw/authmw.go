// Package authmw provides HTTP middleware for bearer token authentication.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/linnemanlabs/medwatch/internal/identity"
)

// Session returns middleware that validates the Authorization header carries
// the session's own bearer token. The presentation layer holds the same token
// it handed the agent, so anything else reaching the port is rejected.
// Comparison uses constant-time equality to prevent timing side-channel attacks.
func Session(cred *identity.Credential) func(http.Handler) http.Handler {
	expected := []byte(cred.Token())
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}

			got := []byte(auth[len("Bearer "):])

			if subtle.ConstantTimeCompare(got, expected) != 1 {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
