package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLimiter(t *testing.T) {
	limiter := NewLimiter(10, 2)

	if !limiter.Allow("test-key") {
		t.Error("First request should be allowed")
	}
	if !limiter.Allow("test-key") {
		t.Error("Second request should be allowed")
	}
	if limiter.Allow("test-key") {
		t.Error("Third request should be rate limited")
	}
	if !limiter.Allow("other-key") {
		t.Error("Keys must not share a bucket")
	}

	time.Sleep(150 * time.Millisecond)

	if !limiter.Allow("test-key") {
		t.Error("Request after waiting should be allowed")
	}
}

func TestMiddleware(t *testing.T) {
	limiter := NewLimiter(1, 1)
	handler := limiter.Middleware(IPKeyFunc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/status", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("first request status %d", rr.Code)
	}

	req.RemoteAddr = "10.0.0.1:6666"
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("second request from same host should be limited, got %d", rr.Code)
	}
}

func TestCleanupOldLimiters(t *testing.T) {
	limiter := NewLimiter(1, 1)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	limiter.Allow("stale")
	now = now.Add(10 * time.Minute)
	limiter.Allow("fresh")

	limiter.CleanupOldLimiters(5 * time.Minute)
	if limiter.Len() != 1 {
		t.Errorf("expected 1 tracked key after cleanup, got %d", limiter.Len())
	}
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.168.1.9:1234"
	if got := IPKeyFunc(req); got != "192.168.1.9" {
		t.Errorf("IPKeyFunc = %q", got)
	}
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	if got := IPKeyFunc(req); got != "192.168.1.9" {
		t.Errorf("IPKeyFunc must ignore X-Forwarded-For, got %q", got)
	}
}

func TestProxyKeyFunc(t *testing.T) {
	keyFunc := ProxyKeyFunc("127.0.0.1", "10.0.0.1")

	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"untrusted peer ignores header", "203.0.113.7:5000", "1.2.3.4", "203.0.113.7"},
		{"trusted peer uses forwarded client", "127.0.0.1:5000", "1.2.3.4", "1.2.3.4"},
		{"spoofed leading hop is skipped", "127.0.0.1:5000", "6.6.6.6, 1.2.3.4", "1.2.3.4"},
		{"chained trusted proxies", "127.0.0.1:5000", "1.2.3.4, 10.0.0.1", "1.2.3.4"},
		{"trusted peer without header", "127.0.0.1:5000", "", "127.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/rollback", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := keyFunc(req); got != tt.want {
				t.Errorf("key = %q, want %q", got, tt.want)
			}
		})
	}
}
