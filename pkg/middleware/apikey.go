package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

// CallerContextKey holds the name of the authenticated API key.
const CallerContextKey contextKey = "caller"

// Verifier resolves an API key to the name it was issued under.
type Verifier interface {
	Verify(apiKey string) (string, error)
}

// RequireAPIKey rejects requests without a valid bearer key and records
// the caller's key name on the request context.
func RequireAPIKey(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="hopscotch"`)
				http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
				return
			}
			key, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				http.Error(w, "Authorization must use the Bearer scheme", http.StatusUnauthorized)
				return
			}
			name, err := v.Verify(strings.TrimSpace(key))
			if err != nil {
				http.Error(w, "Invalid API key", http.StatusForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), CallerContextKey, name)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Caller returns the authenticated key name, or "" outside RequireAPIKey.
func Caller(r *http.Request) string {
	if name, ok := r.Context().Value(CallerContextKey).(string); ok {
		return name
	}
	return ""
}
