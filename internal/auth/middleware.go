package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/shardforge/syncengine/internal/httpserver"
)

// Middleware authenticates the bearer token on every request. A match
// against adminKey resolves to an admin identity without touching the
// database; anything else is checked against the persisted API key store.
// Requests that fail authentication proceed unauthenticated — routes that
// require an identity must be wrapped in RequireAuth.
func Middleware(store *Store, adminKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			if adminKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(adminKey)) == 1 {
				next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), &Identity{IsAdmin: true, Name: "admin"})))
				return
			}

			id, err := store.Authenticate(r.Context(), token)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), id)))
		})
	}
}

// RequireAuth rejects requests that did not resolve to an identity.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) == nil {
			httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin rejects requests whose identity is not an admin key.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := FromContext(r.Context())
		if id == nil || !id.IsAdmin {
			httpserver.RespondError(w, http.StatusForbidden, "forbidden", "admin API key required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, prefix))
}
