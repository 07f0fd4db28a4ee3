package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSupervisorMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSupervisor(reg)

	m.Poll()
	m.Poll()
	m.Restart("crash")
	m.Restart("abuse")
	m.Restart("crash")
	m.Abuse("cpu")
	m.CrashWindow(3)
	m.SetState("TRIPPED")
	m.BreakerOpen()
	m.Error("transient", "enumerate")
	m.Error("transient", "enumerate")

	if got := testutil.ToFloat64(m.polls); got != 2 {
		t.Errorf("polls = %v", got)
	}
	if got := testutil.ToFloat64(m.restarts.WithLabelValues("crash")); got != 2 {
		t.Errorf("crash restarts = %v", got)
	}
	if got := testutil.ToFloat64(m.abuse.WithLabelValues("cpu")); got != 1 {
		t.Errorf("cpu abuse = %v", got)
	}
	if got := testutil.ToFloat64(m.crashesInWindow); got != 3 {
		t.Errorf("crash window = %v", got)
	}
	if got := testutil.ToFloat64(m.state.WithLabelValues("TRIPPED")); got != 1 {
		t.Errorf("TRIPPED gauge = %v", got)
	}
	if got := testutil.ToFloat64(m.state.WithLabelValues("WATCHING")); got != 0 {
		t.Errorf("WATCHING gauge = %v", got)
	}
	if got := testutil.ToFloat64(m.breakerOpen); got != 1 {
		t.Errorf("breaker gauge = %v", got)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues("transient", "enumerate")); got != 2 {
		t.Errorf("transient errors = %v", got)
	}
}

func TestHTTPMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := NewHTTP(reg)

	handler := h.Middleware(func(r *http.Request) string { return r.URL.Path })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/missing" {
				http.NotFound(w, r)
				return
			}
			w.Write([]byte("Hello, World!"))
		}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/hello", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/missing", nil))

	if got := testutil.ToFloat64(h.requests.WithLabelValues("GET", "/hello", "200")); got != 1 {
		t.Errorf("hello requests = %v", got)
	}
	if got := testutil.ToFloat64(h.requests.WithLabelValues("GET", "/missing", "404")); got != 1 {
		t.Errorf("404 requests = %v", got)
	}
	if got := testutil.ToFloat64(h.bytes.WithLabelValues("/hello")); got != 13 {
		t.Errorf("hello bytes = %v", got)
	}
}
