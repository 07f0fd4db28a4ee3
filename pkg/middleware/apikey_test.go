package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type staticVerifier map[string]string

func (s staticVerifier) Verify(key string) (string, error) {
	if name, ok := s[key]; ok {
		return name, nil
	}
	return "", errors.New("invalid")
}

func TestRequireAPIKey(t *testing.T) {
	var caller string
	h := RequireAPIKey(staticVerifier{"s3cret": "ops"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller = Caller(r)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic s3cret", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusForbidden},
		{"valid", "Bearer s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/rollback", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
	assert.Equal(t, "ops", caller)
}

func TestCallerOutsideMiddleware(t *testing.T) {
	assert.Empty(t, Caller(httptest.NewRequest("GET", "/", nil)))
}
