package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter hands out one token bucket per client key.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*entry
	rps     rate.Limit
	burst   int
	now     func() time.Time
}

// NewLimiter creates a new rate limiter
// rps: requests per second
// burst: maximum burst size
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		clients: make(map[string]*entry),
		rps:     rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
	}
}

// Allow reports whether a request for key may proceed now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	e, ok := l.clients[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[key] = e
	}
	e.lastSeen = l.now()
	l.mu.Unlock()
	return e.limiter.Allow()
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// CleanupOldLimiters forgets keys not seen within maxAge.
func (l *Limiter) CleanupOldLimiters(maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-maxAge)
	for key, e := range l.clients {
		if e.lastSeen.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}

// Middleware creates an HTTP middleware for rate limiting
func (l *Limiter) Middleware(keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(keyFunc(r)) {
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IPKeyFunc keys requests by the connecting address. Client-supplied
// headers are ignored.
func IPKeyFunc(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// ProxyKeyFunc keys requests like IPKeyFunc, except that a request arriving
// from one of trusted is keyed by the rightmost X-Forwarded-For hop that is
// not itself a trusted proxy.
func ProxyKeyFunc(trusted ...string) func(*http.Request) string {
	proxies := make(map[string]struct{}, len(trusted))
	for _, p := range trusted {
		proxies[p] = struct{}{}
	}
	return func(r *http.Request) string {
		peer := IPKeyFunc(r)
		if _, ok := proxies[peer]; !ok {
			return peer
		}
		hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if _, ok := proxies[hop]; !ok {
				return hop
			}
		}
		return peer
	}
}
