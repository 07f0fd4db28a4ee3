package status

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psantana5/hopscotch/internal/bootstrap"
	"github.com/psantana5/hopscotch/internal/gitops"
	"github.com/psantana5/hopscotch/internal/metrics"
	"github.com/psantana5/hopscotch/pkg/logging"
	"github.com/psantana5/hopscotch/pkg/middleware"
	"github.com/psantana5/hopscotch/pkg/ratelimit"
)

// Reporter produces a status report. *Collector is the production
// implementation.
type Reporter interface {
	Collect(ctx context.Context) Report
}

// ServerConfig wires the HTTP status server.
type ServerConfig struct {
	Reporter  Reporter
	Gatherer  prometheus.Gatherer
	Metrics   *metrics.HTTP      // optional
	Limiter   *ratelimit.Limiter // optional
	AccessLog *logging.Logger    // optional

	// TrustedProxies may set X-Forwarded-For; everyone else is keyed by
	// the connecting address.
	TrustedProxies []string

	// Control routes are only registered when both are set.
	Auth        middleware.Verifier
	RequestPath string
	Baseline    string
}

// Handler serves the status endpoints.
type Handler struct {
	cfg ServerConfig
}

// NewHandler returns the status handler.
func NewHandler(cfg ServerConfig) *Handler {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	return &Handler{cfg: cfg}
}

// RegisterRoutes registers the status routes on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/status", h.Status).Methods("GET")
	r.HandleFunc("/hello", h.Hello).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(h.cfg.Gatherer, promhttp.HandlerOpts{})).Methods("GET")

	if h.cfg.Auth != nil && h.cfg.RequestPath != "" {
		control := r.NewRoute().Subrouter()
		control.Use(middleware.RequireAPIKey(h.cfg.Auth))
		control.HandleFunc("/bootstrap/{branch:.+}", h.Bootstrap).Methods("POST")
		control.HandleFunc("/rollback", h.Rollback).Methods("POST")
	}
}

// Router returns a router with every route and middleware installed.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	clientKey := ratelimit.ProxyKeyFunc(h.cfg.TrustedProxies...)
	if h.cfg.AccessLog != nil {
		r.Use(accessLog(h.cfg.AccessLog, clientKey))
	}
	if h.cfg.Metrics != nil {
		r.Use(h.cfg.Metrics.Middleware(routeName))
	}
	if h.cfg.Limiter != nil {
		r.Use(h.cfg.Limiter.Middleware(clientKey))
	}
	return r
}

// Status renders the plain-text report.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	rep := h.cfg.Reporter.Collect(r.Context())
	var buf bytes.Buffer
	if err := WriteText(&buf, rep); err != nil {
		http.Error(w, "Failed to render status", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(buf.Bytes())
}

// Hello is a liveness probe for humans.
func (h *Handler) Hello(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("Hello, World!"))
}

// Health is a liveness probe for load balancers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// Bootstrap queues a hand-over to the branch in the path.
func (h *Handler) Bootstrap(w http.ResponseWriter, r *http.Request) {
	branch := mux.Vars(r)["branch"]
	if !gitops.ValidBranch(branch) {
		http.Error(w, "Invalid branch name", http.StatusBadRequest)
		return
	}
	h.queue(w, r, bootstrap.Request{Branch: branch}, branch)
}

// Rollback queues a hand-over to the baseline branch.
func (h *Handler) Rollback(w http.ResponseWriter, r *http.Request) {
	h.queue(w, r, bootstrap.Request{Rollback: true}, h.cfg.Baseline)
}

func (h *Handler) queue(w http.ResponseWriter, r *http.Request, req bootstrap.Request, target string) {
	req.RequestedAt = time.Now().UTC()
	req.RequestedBy = "api:" + middleware.Caller(r)
	if err := bootstrap.WriteRequest(h.cfg.RequestPath, req); err != nil {
		http.Error(w, "Failed to queue request", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"status":       "queued",
		"target":       target,
		"requested_by": req.RequestedBy,
	})
}

func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func accessLog(logger *logging.Logger, clientKey func(*http.Request) string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.Info("request", logging.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   sw.status,
				"remote":   clientKey(r),
				"duration": time.Since(start).Round(time.Microsecond).String(),
			})
		})
	}
}
