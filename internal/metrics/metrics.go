package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Supervisor holds the watchdog's Prometheus collectors.
type Supervisor struct {
	polls           prometheus.Counter
	restarts        *prometheus.CounterVec
	abuse           *prometheus.CounterVec
	fallbacks       prometheus.Counter
	errors          *prometheus.CounterVec
	alerts          prometheus.Counter
	crashesInWindow prometheus.Gauge
	breakerOpen     prometheus.Gauge
	state           *prometheus.GaugeVec
	runnerUp        prometheus.Gauge
}

// States lists every supervisor state label, so exactly one is 1 at a time.
var States = []string{"WATCHING", "SUPPRESSED", "TRIPPED"}

// NewSupervisor creates the collectors and registers them on reg.
func NewSupervisor(reg prometheus.Registerer) *Supervisor {
	m := &Supervisor{
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hopscotch_supervisor_polls_total",
			Help: "Number of completed supervisor polls",
		}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hopscotch_supervisor_restarts_total",
			Help: "Baseline restarts issued by the supervisor",
		}, []string{"reason"}), // crash, abuse, fallback
		abuse: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hopscotch_supervisor_abuse_total",
			Help: "Resource abuse detections by kind",
		}, []string{"kind"}), // cpu, error_log
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hopscotch_supervisor_fallbacks_total",
			Help: "Failed transitions rolled back to the baseline",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hopscotch_supervisor_errors_total",
			Help: "Poll errors by fault kind and failing operation",
		}, []string{"kind", "op"}),
		alerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hopscotch_supervisor_alerts_total",
			Help: "Alerts sent to the communication channel",
		}),
		crashesInWindow: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hopscotch_supervisor_crash_window_size",
			Help: "Crashes currently inside the crash window",
		}),
		breakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hopscotch_supervisor_breaker_open",
			Help: "1 once the crash circuit breaker has tripped",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hopscotch_supervisor_state",
			Help: "Current supervisor state (1 for the active state)",
		}, []string{"state"}),
		runnerUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hopscotch_runner_up",
			Help: "1 if a runner process was found on the last poll",
		}),
	}

	reg.MustRegister(
		m.polls, m.restarts, m.abuse, m.fallbacks, m.errors,
		m.alerts, m.crashesInWindow, m.breakerOpen, m.state, m.runnerUp,
	)
	m.SetState("WATCHING")
	return m
}

// Poll counts a completed poll.
func (m *Supervisor) Poll() { m.polls.Inc() }

// Restart counts a baseline restart for reason.
func (m *Supervisor) Restart(reason string) { m.restarts.WithLabelValues(reason).Inc() }

// Abuse counts an abuse detection of kind.
func (m *Supervisor) Abuse(kind string) { m.abuse.WithLabelValues(kind).Inc() }

// Fallback counts a rolled-back transition.
func (m *Supervisor) Fallback() { m.fallbacks.Inc() }

// Error counts a poll error of kind raised by op.
func (m *Supervisor) Error(kind, op string) { m.errors.WithLabelValues(kind, op).Inc() }

// Alert counts a delivered alert.
func (m *Supervisor) Alert() { m.alerts.Inc() }

// CrashWindow records the current crash window size.
func (m *Supervisor) CrashWindow(n int) { m.crashesInWindow.Set(float64(n)) }

// BreakerOpen flags the breaker as tripped.
func (m *Supervisor) BreakerOpen() { m.breakerOpen.Set(1) }

// RunnerUp records whether a runner was seen.
func (m *Supervisor) RunnerUp(up bool) {
	if up {
		m.runnerUp.Set(1)
	} else {
		m.runnerUp.Set(0)
	}
}

// SetState marks state as active and every other state as inactive.
func (m *Supervisor) SetState(state string) {
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
}

// HTTP counts status server requests.
type HTTP struct {
	requests *prometheus.CounterVec
	bytes    *prometheus.CounterVec
}

// NewHTTP creates the request collectors and registers them on reg.
func NewHTTP(reg prometheus.Registerer) *HTTP {
	h := &HTTP{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hopscotch_http_requests_total",
			Help: "Status server requests by route and status code",
		}, []string{"method", "route", "status"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hopscotch_http_response_bytes_total",
			Help: "Bytes written by the status server",
		}, []string{"route"}),
	}
	reg.MustRegister(h.requests, h.bytes)
	return h
}

type recorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *recorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(p []byte) (int, error) {
	n, err := r.ResponseWriter.Write(p)
	r.bytes += n
	return n, err
}

// Middleware records every request under route, as named by routeFunc.
func (h *HTTP) Middleware(routeFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			route := routeFunc(r)
			h.requests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
			h.bytes.WithLabelValues(route).Add(float64(rec.bytes))
		})
	}
}
