package status

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/hopscotch/internal/bootstrap"
	"github.com/psantana5/hopscotch/internal/metrics"
	"github.com/psantana5/hopscotch/pkg/logging"
	"github.com/psantana5/hopscotch/pkg/ratelimit"
)

type staticReporter Report

func (s staticReporter) Collect(context.Context) Report { return Report(s) }

func newTestServer(t *testing.T, limiter *ratelimit.Limiter) (http.Handler, *prometheus.Registry, *bytes.Buffer) {
	t.Helper()
	reg := prometheus.NewRegistry()
	var access bytes.Buffer
	h := NewHandler(ServerConfig{
		Reporter:  staticReporter{Branch: "main", Supervisor: Process{Name: "supervisor"}, Runner: Process{Name: "runner"}},
		Gatherer:  reg,
		Metrics:   metrics.NewHTTP(reg),
		Limiter:   limiter,
		AccessLog: logging.NewWriterLogger(&access, logging.INFO, false),
	})
	return h.Router(), reg, &access
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	req.RemoteAddr = "192.0.2.1:5555"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestEndpoints(t *testing.T) {
	h, reg, access := newTestServer(t, nil)

	t.Run("hello", func(t *testing.T) {
		w := get(h, "/hello")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "Hello, World!", w.Body.String())
	})

	t.Run("health", func(t *testing.T) {
		w := get(h, "/health")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())
	})

	t.Run("status", func(t *testing.T) {
		w := get(h, "/status")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "Branch: main\n")
		assert.Contains(t, w.Body.String(), "runner: not running\n")
	})

	t.Run("metrics", func(t *testing.T) {
		w := get(h, "/metrics")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "hopscotch_http_requests_total")
	})

	t.Run("unknown", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, get(h, "/nope").Code)
	})

	n, err := testutil.GatherAndCount(reg, "hopscotch_http_requests_total")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 3)
	assert.Contains(t, access.String(), "path=/hello")
	assert.Contains(t, access.String(), "remote=192.0.2.1")
}

func TestRateLimit(t *testing.T) {
	h, _, _ := newTestServer(t, ratelimit.NewLimiter(1, 2))

	assert.Equal(t, http.StatusOK, get(h, "/hello").Code)
	assert.Equal(t, http.StatusOK, get(h, "/hello").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(h, "/hello").Code)
}

func TestRateLimitIgnoresForwardedForFromUntrustedPeers(t *testing.T) {
	h, _, _ := newTestServer(t, ratelimit.NewLimiter(1, 2))

	codes := make([]int, 0, 3)
	for _, hop := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"} {
		req := httptest.NewRequest("GET", "/hello", nil)
		req.RemoteAddr = "192.0.2.1:5555"
		req.Header.Set("X-Forwarded-For", hop)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

type keyVerifier map[string]string

func (k keyVerifier) Verify(key string) (string, error) {
	if name, ok := k[key]; ok {
		return name, nil
	}
	return "", errors.New("invalid API key")
}

func TestControlRoutes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootstrap.request")
	h := NewHandler(ServerConfig{
		Reporter:    staticReporter{},
		Gatherer:    prometheus.NewRegistry(),
		Auth:        keyVerifier{"s3cret": "ops"},
		RequestPath: path,
		Baseline:    "main",
	}).Router()

	post := func(target, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", target, nil)
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusUnauthorized, post("/bootstrap/feature-x", "").Code)
	assert.Equal(t, http.StatusForbidden, post("/bootstrap/feature-x", "nope").Code)
	assert.Equal(t, http.StatusBadRequest, post("/bootstrap/-rf", "s3cret").Code)
	_, ok, err := bootstrap.TakeRequest(path)
	require.NoError(t, err)
	assert.False(t, ok, "rejected requests are not queued")

	w := post("/bootstrap/feature/x", "s3cret")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"status":"queued","target":"feature/x","requested_by":"api:ops"}`, w.Body.String())
	req, ok, err := bootstrap.TakeRequest(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "feature/x", req.Branch)
	assert.False(t, req.Rollback)

	w = post("/rollback", "s3cret")
	assert.Equal(t, http.StatusAccepted, w.Code)
	req, ok, err = bootstrap.TakeRequest(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, req.Rollback)
}

func TestControlRoutesDisabledWithoutKeys(t *testing.T) {
	h, _, _ := newTestServer(t, nil)
	req := httptest.NewRequest("POST", "/rollback", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
