package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/edgeflare/topicstore/pkg/httputil"
)

// BasicAuthConfig holds the accepted username-password pairs.
type BasicAuthConfig struct {
	Credentials map[string]string
	Realm       string
}

// BasicAuthCreds returns a BasicAuthConfig for the given pairs.
func BasicAuthCreds(credentials map[string]string) *BasicAuthConfig {
	return &BasicAuthConfig{Credentials: credentials, Realm: "topicstore"}
}

// VerifyBasicAuth rejects requests without valid basic auth credentials and
// stores the username in the context.
func VerifyBasicAuth(config *BasicAuthConfig) func(http.Handler) http.Handler {
	challenge := `Basic realm="` + config.Realm + `"`

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, password, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", challenge)
				httputil.Error(w, http.StatusUnauthorized, "Unauthorized", "missing or malformed basic auth credentials")
				return
			}

			want, known := config.Credentials[username]
			if !known || subtle.ConstantTimeCompare([]byte(want), []byte(password)) != 1 {
				w.Header().Set("WWW-Authenticate", challenge)
				httputil.Error(w, http.StatusUnauthorized, "Unauthorized", "invalid credentials")
				return
			}

			ctx := context.WithValue(r.Context(), httputil.BasicAuthCtxKey, username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
