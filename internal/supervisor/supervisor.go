package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/hopscotch/internal/alert"
	"github.com/psantana5/hopscotch/internal/bootlog"
	"github.com/psantana5/hopscotch/internal/breaker"
	"github.com/psantana5/hopscotch/internal/faults"
	"github.com/psantana5/hopscotch/internal/metrics"
	"github.com/psantana5/hopscotch/internal/procrepo"
	"github.com/psantana5/hopscotch/pkg/logging"
	"github.com/psantana5/hopscotch/pkg/retry"
	"github.com/psantana5/hopscotch/pkg/tracing"
)

// Config holds the supervisor's thresholds.
type Config struct {
	Baseline         string // branch every restart runs from
	Pattern          procrepo.Pattern
	PollInterval     time.Duration
	GracePeriod      time.Duration
	CPUThreshold     float64 // percent
	CPUDuration      time.Duration
	CPUSample        time.Duration
	ErrorLogPath     string
	ErrorLogLimit    int64 // bytes
	Policy           breaker.Policy
	PostLaunchDelay  time.Duration
	TerminateTimeout time.Duration
	MaxBackoff       time.Duration
	SnapshotPath     string // optional; written after every poll
}

// DefaultConfig returns the standard thresholds for baseline.
func DefaultConfig(baseline string) Config {
	return Config{
		Baseline:         baseline,
		Pattern:          procrepo.Pattern{Match: "hopscotch run", Exclude: []string{"hopscotch supervise"}},
		PollInterval:     5 * time.Second,
		GracePeriod:      60 * time.Second,
		CPUThreshold:     95,
		CPUDuration:      60 * time.Second,
		CPUSample:        time.Second,
		ErrorLogLimit:    1048576,
		Policy:           breaker.DefaultPolicy(),
		PostLaunchDelay:  10 * time.Second,
		TerminateTimeout: 10 * time.Second,
		MaxBackoff:       time.Minute,
	}
}

// Deps are the collaborators a supervisor drives.
type Deps struct {
	Procs     procrepo.Repository
	Log       *bootlog.Log
	Marker    *bootlog.Marker
	Launcher  Launcher
	Validator Validator // optional
	Alerts    alert.Sink
	Logger    *logging.Logger
	Metrics   *metrics.Supervisor // optional
	Tracer    *tracing.Provider   // optional
	Now       func() time.Time    // optional
	FileSize  func(string) (int64, error)
}

// Supervisor watches the runner and restores the baseline when it fails.
// All state is owned by the instance; Poll must not be called concurrently.
type Supervisor struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	breaker *breaker.Breaker

	mu           sync.Mutex
	state        State
	startedAt    time.Time
	lastPoll     time.Time
	runnerPID    int32
	settleUntil  time.Time
	alerted      bool
	restarts     int64
	fallbacks    int64
	lastFailure  string
	lastErrorMsg string

	// high CPU tracking, reset on pid change or a reading below threshold
	cpuPID   int32
	cpuSince time.Time

	// the transition currently being timed and when this process first saw it
	watchKey   string
	watchSince time.Time

	consecutiveTransient int
}

// New validates cfg and returns a supervisor in the WATCHING state.
func New(cfg Config, deps Deps) (*Supervisor, error) {
	if cfg.Baseline == "" {
		return nil, errors.New("baseline branch is required")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if deps.Procs == nil || deps.Log == nil || deps.Marker == nil || deps.Launcher == nil {
		return nil, errors.New("process repository, bootstrap log, marker and launcher are required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewLogger(logging.INFO, false)
	}
	if deps.Alerts == nil {
		deps.Alerts = alert.LogSink{Logger: deps.Logger}
	}
	if deps.FileSize == nil {
		deps.FileSize = procrepo.FileSize
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Supervisor{
		cfg:       cfg,
		deps:      deps,
		now:       now,
		breaker:   breaker.New(cfg.Policy),
		state:     StateWatching,
		startedAt: now(),
	}, nil
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the current view for reporting.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		PID:          os.Getpid(),
		State:        s.state,
		StartedAt:    s.startedAt,
		LastPollAt:   s.lastPoll,
		RunnerPID:    s.runnerPID,
		Crashes:      s.breaker.Crashes(s.now()),
		Restarts:     s.restarts,
		Fallbacks:    s.fallbacks,
		LastFailure:  s.lastFailure,
		LastErrorMsg: s.lastErrorMsg,
	}
	if t := s.breaker.TrippedAt(); !t.IsZero() {
		snap.TrippedAt = &t
	}
	return snap
}

// Run recovers from any interrupted transition, then polls until ctx is
// cancelled. Poll errors never stop the loop.
func (s *Supervisor) Run(ctx context.Context) error {
	s.deps.Logger.Info("supervisor started", logging.Fields{
		"baseline":      s.cfg.Baseline,
		"pattern":       s.cfg.Pattern.Match,
		"poll_interval": s.cfg.PollInterval.String(),
	})

	if err := s.Recover(ctx); err != nil {
		s.recordError(err)
	}

	delay := time.Duration(0)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.deps.Logger.Info("supervisor stopping", logging.Fields{"state": string(s.State())})
			return nil
		case <-timer.C:
		}

		err := s.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			s.recordError(err)
		}
		delay = s.nextDelay(err)
		timer.Reset(delay)
	}
}

// nextDelay stretches the poll interval while transient errors persist.
func (s *Supervisor) nextDelay(err error) time.Duration {
	if err == nil || !faults.IsTransient(err) {
		s.consecutiveTransient = 0
		return s.cfg.PollInterval
	}
	s.consecutiveTransient++
	delay := s.cfg.PollInterval
	for i := 1; i < s.consecutiveTransient; i++ {
		delay = retry.Next(delay, 2, s.cfg.MaxBackoff)
	}
	return delay
}

func (s *Supervisor) recordError(err error) {
	var fe *faults.Error
	op := "poll"
	if errors.As(err, &fe) {
		op = fe.Op
	}
	kind := faults.KindOf(err)
	fields := logging.Fields{"error": err.Error(), "kind": kind.String()}

	s.mu.Lock()
	s.lastErrorMsg = err.Error()
	s.mu.Unlock()
	if s.deps.Metrics != nil {
		s.deps.Metrics.Error(kind.String(), op)
	}

	switch kind {
	case faults.KindTransient:
		s.deps.Logger.Warn("poll failed; retrying", fields)
	case faults.KindPolicyTrip:
		// reported with the alert when the breaker opened
	default:
		s.deps.Logger.Error("poll failed", fields)
	}
}

// Recover replays the bootstrap log once at startup. An unconfirmed
// transition that is already past the grace period is rolled back
// immediately; anything else is left to the poll loop.
func (s *Supervisor) Recover(ctx context.Context) error {
	now := s.now()
	entries, err := s.deps.Log.Entries()
	if err != nil {
		if faults.IsStructural(err) {
			s.deps.Logger.Error("bootstrap log unreadable; skipping recovery", logging.Fields{"error": err.Error()})
			return nil
		}
		return err
	}

	in := bootlog.Interpret(entries)
	fields := logging.Fields{"verdict": in.Verdict.String()}
	if in.Verdict != bootlog.NoTransition {
		fields["branch"] = in.Transition.Branch
		fields["age"] = in.Age(now).Round(time.Second).String()
	}

	switch {
	case in.Pending() && in.Age(now) >= s.cfg.GracePeriod:
		s.deps.Logger.Warn("unconfirmed transition found at startup", fields)
		return s.fallback(ctx, now, in, "unconfirmed at startup")
	case in.Pending():
		s.deps.Logger.Info("transition in progress at startup", fields)
	default:
		s.deps.Logger.Info("bootstrap history replayed; trusting current runner", fields)
	}
	return nil
}

// Poll performs one supervision step.
func (s *Supervisor) Poll(ctx context.Context) error {
	ctx, span := s.deps.Tracer.StartSpan(ctx, "supervisor.poll",
		attribute.String("state", string(s.State())))
	err := s.poll(ctx)
	tracing.End(span, err)

	s.mu.Lock()
	s.lastPoll = s.now()
	s.mu.Unlock()
	if s.deps.Metrics != nil {
		s.deps.Metrics.Poll()
	}
	if s.cfg.SnapshotPath != "" {
		if serr := SaveSnapshot(s.cfg.SnapshotPath, s.Snapshot()); serr != nil {
			s.deps.Logger.Warn("failed to save supervisor state", logging.Fields{"error": serr.Error()})
		}
	}
	return err
}

func (s *Supervisor) poll(ctx context.Context) error {
	now := s.now()

	if IsTerminal(s.State()) {
		s.deps.Logger.Debug("circuit breaker open; automatic recovery halted")
		return nil
	}

	info, marked, err := s.deps.Marker.Read()
	if err != nil {
		return err
	}
	if marked {
		key := fmt.Sprintf("marker %s %d", info.Branch, info.CreatedAt.UnixNano())
		age := s.observedAge(key, now.Sub(info.CreatedAt), now)
		if age < s.cfg.GracePeriod {
			s.transition(StateSuppressed, "transition marker present")
			return nil
		}
		return s.resolveStaleMarker(ctx, now, age)
	}

	if now.Before(s.settle()) {
		return nil
	}

	var in bootlog.Interpretation
	entries, lerr := s.deps.Log.Entries()
	if lerr != nil {
		s.deps.Logger.Warn("cannot read bootstrap log; judging runner by liveness only",
			logging.Fields{"error": lerr.Error()})
	} else {
		in = bootlog.Interpret(entries)
	}
	if in.Pending() {
		key := "log " + in.Transition.String()
		if s.observedAge(key, in.Age(now), now) >= s.cfg.GracePeriod {
			return s.fallback(ctx, now, in, fmt.Sprintf("no confirmation within %s", s.cfg.GracePeriod))
		}
	} else if s.State() == StateSuppressed {
		s.transition(StateWatching, "no transition in flight")
	}

	runners, err := s.deps.Procs.Find(ctx, s.cfg.Pattern)
	if err != nil {
		return err
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RunnerUp(len(runners) > 0)
	}

	if len(runners) == 0 {
		s.setRunner(0)
		if in.Pending() {
			s.transition(StateSuppressed, "awaiting transition confirmation")
			return nil
		}
		return s.fail(ctx, now, faults.Structuralf("crash", "runner process not found"), 0)
	}

	runner := runners[0]
	if len(runners) > 1 {
		pids := make([]int32, 0, len(runners))
		for _, r := range runners {
			pids = append(pids, r.PID)
		}
		s.deps.Logger.Warn("multiple runner processes found; monitoring the oldest",
			logging.Fields{"pids": pids, "monitored": runner.PID})
	}
	s.setRunner(runner.PID)

	abuse := s.checkAbuse(ctx, now, runner)
	if faults.KindOf(abuse) != faults.KindResourceAbuse {
		return abuse
	}

	var fe *faults.Error
	errors.As(abuse, &fe)
	if s.deps.Metrics != nil {
		s.deps.Metrics.Abuse(fe.Op)
	}
	s.deps.Logger.Warn("resource abuse detected; terminating runner", logging.Fields{
		"event": "abuse", "kind": fe.Op, "detail": fe.Err.Error(), "pid": runner.PID,
	})
	if err := s.deps.Procs.Terminate(ctx, runner.PID, s.cfg.TerminateTimeout); err != nil {
		s.deps.Logger.Error("failed to terminate abusive runner", logging.Fields{"pid": runner.PID, "error": err.Error()})
		return faults.Transient("terminate", err)
	}
	s.resetCPU()
	if in.Pending() {
		return s.fallback(ctx, now, in, "resource abuse before confirming: "+fe.Err.Error())
	}
	return s.fail(ctx, now, abuse, runner.PID)
}

// observedAge returns the larger of recorded and the time this supervisor
// has been watching the transition identified by key, so a timestamp from
// the future cannot hold off the grace period forever.
func (s *Supervisor) observedAge(key string, recorded time.Duration, now time.Time) time.Duration {
	if key != s.watchKey {
		s.watchKey = key
		s.watchSince = now
	}
	if seen := now.Sub(s.watchSince); seen > recorded {
		return seen
	}
	return recorded
}

// checkAbuse returns a resource-abuse error when runner breached a limit,
// a probe error, or nil.
func (s *Supervisor) checkAbuse(ctx context.Context, now time.Time, runner procrepo.Snapshot) error {
	if runner.PID != s.cpuPID {
		s.cpuPID = runner.PID
		s.cpuSince = time.Time{}
	}

	pct, err := s.deps.Procs.CPUPercent(ctx, runner.PID, s.cfg.CPUSample)
	switch {
	case errors.Is(err, procrepo.ErrNotFound):
		// exited between enumeration and sampling; next poll sees it gone
		s.resetCPU()
		return nil
	case err != nil:
		return err
	}

	if pct >= s.cfg.CPUThreshold {
		if s.cpuSince.IsZero() {
			s.cpuSince = now
			s.deps.Logger.Info("runner CPU above threshold", logging.Fields{"pid": runner.PID, "cpu": pct})
		}
		if held := now.Sub(s.cpuSince); held >= s.cfg.CPUDuration {
			return faults.Abuse("cpu", fmt.Errorf("CPU %.1f%% for %s", pct, held.Round(time.Second)))
		}
	} else {
		s.cpuSince = time.Time{}
	}

	if s.cfg.ErrorLogPath != "" {
		size, err := s.deps.FileSize(s.cfg.ErrorLogPath)
		if err != nil {
			return err
		}
		if size >= s.cfg.ErrorLogLimit {
			return faults.Abuse("error_log", fmt.Errorf("error log %d bytes", size))
		}
	}
	return nil
}

// fail records a crash or abuse event, then restarts or trips. Tripping
// returns a PolicyTrip error.
func (s *Supervisor) fail(ctx context.Context, now time.Time, cause error, pid int32) error {
	reason, detail := "crash", cause.Error()
	var fe *faults.Error
	if errors.As(cause, &fe) && fe.Err != nil {
		detail = fe.Err.Error()
	}
	if faults.KindOf(cause) == faults.KindResourceAbuse {
		reason = "abuse"
	}

	state, count := s.breaker.Record(now)
	if s.deps.Metrics != nil {
		s.deps.Metrics.CrashWindow(count)
	}
	s.mu.Lock()
	s.lastFailure = fmt.Sprintf("%s: %s", reason, detail)
	s.mu.Unlock()

	fields := logging.Fields{
		"event":     reason,
		"detail":    detail,
		"crashes":   count,
		"threshold": s.cfg.Policy.Threshold,
		"window":    s.cfg.Policy.Window.String(),
	}
	if pid != 0 {
		fields["pid"] = pid
	}

	if state == breaker.Open {
		s.transition(StateTripped, "crash threshold reached")
		if s.deps.Metrics != nil {
			s.deps.Metrics.BreakerOpen()
		}
		s.deps.Logger.Error("circuit breaker tripped; automatic restarts halted", fields)
		s.alertOnce(ctx, fmt.Sprintf(
			"Runner failed %d times within %s (last: %s: %s). Automatic restarts are halted; restart the supervisor after fixing the baseline branch %q.",
			count, s.cfg.Policy.Window, reason, detail, s.cfg.Baseline))
		return faults.Trip("breaker", fmt.Errorf("%d failures within %s: %w", count, s.cfg.Policy.Window, cause))
	}

	s.deps.Logger.Warn("runner failure; restarting from baseline", fields)
	return s.restart(ctx, now, reason)
}

// fallback abandons a failed transition. It is not a crash-window event.
// Every runner is terminated before anything is recorded, so a failure to
// kill one leaves the transition pending for the next poll to retry.
func (s *Supervisor) fallback(ctx context.Context, now time.Time, in bootlog.Interpretation, reason string) error {
	s.deps.Logger.Warn("transition failed; falling back to baseline", logging.Fields{
		"event":  "fallback",
		"branch": in.Transition.Branch,
		"reason": reason,
	})

	runners, err := s.deps.Procs.Find(ctx, s.cfg.Pattern)
	if err != nil {
		s.deps.Logger.Warn("could not enumerate runners before fallback", logging.Fields{"error": err.Error()})
		if !faults.IsTransient(err) {
			err = faults.Transient("fallback", err)
		}
		return err
	}
	var termErr error
	for _, r := range runners {
		if err := s.deps.Procs.Terminate(ctx, r.PID, s.cfg.TerminateTimeout); err != nil {
			s.deps.Logger.Error("failed to terminate runner", logging.Fields{"pid": r.PID, "error": err.Error()})
			termErr = err
		}
	}
	if termErr != nil {
		return faults.Transient("terminate", termErr)
	}
	s.resetCPU()

	entry := bootlog.Entry{Status: bootlog.StatusFallback, Timestamp: now, Branch: s.cfg.Baseline}
	if err := s.deps.Log.Append(entry); err != nil {
		s.deps.Logger.Error("failed to record fallback", logging.Fields{"error": err.Error()})
	}
	if err := s.deps.Marker.Clear(); err != nil {
		s.deps.Logger.Error("failed to clear transition marker", logging.Fields{"error": err.Error()})
	}

	if s.State() == StateSuppressed {
		s.transition(StateWatching, "transition rolled back")
	}
	s.mu.Lock()
	s.fallbacks++
	s.mu.Unlock()
	if s.deps.Metrics != nil {
		s.deps.Metrics.Fallback()
	}
	return s.restart(ctx, now, "fallback")
}

// resolveStaleMarker handles a marker older than the grace period.
func (s *Supervisor) resolveStaleMarker(ctx context.Context, now time.Time, age time.Duration) error {
	entries, err := s.deps.Log.Entries()
	if err != nil && !faults.IsStructural(err) {
		return err
	}
	if err != nil {
		s.deps.Logger.Error("bootstrap log unreadable with stale marker", logging.Fields{"error": err.Error()})
		return s.fallback(ctx, now, bootlog.Interpretation{Verdict: bootlog.Failed}, "stale marker, unreadable log")
	}

	in := bootlog.Interpret(entries)
	if in.Pending() {
		return s.fallback(ctx, now, in, fmt.Sprintf("no confirmation within %s", s.cfg.GracePeriod))
	}

	s.deps.Logger.Warn("clearing stale transition marker", logging.Fields{
		"age":     age.Round(time.Second).String(),
		"verdict": in.Verdict.String(),
	})
	if err := s.deps.Marker.Clear(); err != nil {
		return err
	}
	if s.State() == StateSuppressed {
		s.transition(StateWatching, "stale marker cleared")
	}
	return nil
}

// restart validates the baseline and launches a fresh runner from it.
func (s *Supervisor) restart(ctx context.Context, now time.Time, reason string) (err error) {
	ctx, span := s.deps.Tracer.StartSpan(ctx, "supervisor.restart",
		attribute.String("reason", reason), attribute.String("branch", s.cfg.Baseline))
	defer func() { tracing.End(span, err) }()

	if s.deps.Validator != nil {
		if err := s.deps.Validator.Validate(ctx); err != nil {
			s.deps.Logger.Error("baseline validation failed; runner not launched", logging.Fields{
				"reason": reason, "error": err.Error(),
			})
			return err
		}
	}

	pid, err := s.deps.Launcher.Launch(ctx)
	if err != nil {
		s.deps.Logger.Error("failed to launch runner", logging.Fields{"reason": reason, "error": err.Error()})
		return err
	}

	s.mu.Lock()
	s.settleUntil = now.Add(s.cfg.PostLaunchDelay)
	s.runnerPID = pid
	s.restarts++
	s.mu.Unlock()
	if s.deps.Metrics != nil {
		s.deps.Metrics.Restart(reason)
	}
	s.deps.Logger.Info("runner restarted from baseline", logging.Fields{
		"reason": reason, "pid": pid, "branch": s.cfg.Baseline,
	})
	return nil
}

func (s *Supervisor) alertOnce(ctx context.Context, msg string) {
	s.mu.Lock()
	if s.alerted {
		s.mu.Unlock()
		return
	}
	s.alerted = true
	s.mu.Unlock()

	if err := s.deps.Alerts.Alert(ctx, msg); err != nil {
		s.deps.Logger.Error("failed to deliver alert", logging.Fields{"error": err.Error()})
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.Alert()
	}
}

func (s *Supervisor) transition(to State, reason string) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	if err := ValidateTransition(from, to); err != nil {
		s.mu.Unlock()
		s.deps.Logger.Error("refusing state change", logging.Fields{"error": err.Error(), "reason": reason})
		return
	}
	s.state = to
	s.mu.Unlock()

	if s.deps.Metrics != nil {
		s.deps.Metrics.SetState(string(to))
	}
	s.deps.Logger.Info("state change", logging.Fields{"from": string(from), "to": string(to), "reason": reason})
}

func (s *Supervisor) settle() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settleUntil
}

func (s *Supervisor) setRunner(pid int32) {
	s.mu.Lock()
	s.runnerPID = pid
	s.mu.Unlock()
}

func (s *Supervisor) resetCPU() {
	s.cpuPID = 0
	s.cpuSince = time.Time{}
}
