// Package runner is the long-lived workload process the supervisor
// watches. It confirms its own transition, performs periodic work and
// serves bootstrap requests.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/psantana5/hopscotch/internal/bootstrap"
	"github.com/psantana5/hopscotch/pkg/logging"
)

// Coordinator is the slice of bootstrap.Coordinator the runner drives.
type Coordinator interface {
	Bootstrap(ctx context.Context, target string) error
	Rollback(ctx context.Context) error
	Confirm(ctx context.Context, branch string) (bool, error)
}

// StepFunc runs one work step.
type StepFunc func(ctx context.Context, shell, command string, timeout time.Duration) StepResult

// Config tunes the runner loop.
type Config struct {
	Branch       string
	RequestPath  string
	WorkInterval time.Duration
	StepCommand  string // empty disables work steps
	StepTimeout  time.Duration
	RequestPoll  time.Duration
	Shell        string
	LogMaxSize   int64
}

// Runner owns the work loop.
type Runner struct {
	cfg    Config
	coord  Coordinator
	logger *logging.Logger
	step   StepFunc
	now    func() time.Time
	stderr io.Writer

	steps    int
	failures int
}

// New creates a runner. logger may be a file logger, in which case it is
// rotated once it exceeds cfg.LogMaxSize.
func New(cfg Config, coord Coordinator, logger *logging.Logger) *Runner {
	if cfg.WorkInterval <= 0 {
		cfg.WorkInterval = 5 * time.Minute
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 5 * time.Minute
	}
	if cfg.RequestPoll <= 0 {
		cfg.RequestPoll = 2 * time.Second
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &Runner{
		cfg:    cfg,
		coord:  coord,
		logger: logger.WithField("branch", cfg.Branch),
		step:   RunStep,
		now:    time.Now,
		stderr: os.Stderr,
	}
}

// Run confirms the transition into this branch and then loops until ctx is
// cancelled or a bootstrap attempt fails in a way that leaves the process
// unusable.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("runner started", logging.Fields{"pid": os.Getpid()})

	confirmed, err := r.coord.Confirm(ctx, r.cfg.Branch)
	switch {
	case err != nil:
		// The supervisor rolls back an unconfirmed transition after its
		// grace period, so keep working.
		r.logger.Error("transition confirmation failed", logging.Fields{"error": err.Error()})
	case confirmed:
		r.logger.Info("transition confirmed")
	}

	poll := time.NewTicker(r.cfg.RequestPoll)
	defer poll.Stop()
	work := time.NewTimer(r.untilNextStep())
	defer work.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("runner stopping", logging.Fields{"steps": r.steps, "failures": r.failures})
			return nil
		case <-poll.C:
			if err := r.handleRequest(ctx); err != nil {
				return err
			}
		case <-work.C:
			r.runStep(ctx)
			r.rotate()
			work.Reset(r.untilNextStep())
		}
	}
}

func (r *Runner) untilNextStep() time.Duration {
	now := r.now()
	return nextAligned(now, r.cfg.WorkInterval).Sub(now)
}

// nextAligned returns the first multiple of interval after now, so steps
// land on wall-clock minute boundaries.
func nextAligned(now time.Time, interval time.Duration) time.Time {
	if interval < time.Minute {
		return now.Add(interval)
	}
	return now.Truncate(interval).Add(interval)
}

func (r *Runner) runStep(ctx context.Context) {
	if r.cfg.StepCommand == "" {
		r.logger.Debug("no step command configured")
		return
	}
	r.steps++
	res := r.step(ctx, r.cfg.Shell, r.cfg.StepCommand, r.cfg.StepTimeout)
	fields := logging.Fields{
		"step":     r.steps,
		"duration": res.Duration.Round(time.Millisecond).String(),
		"exit":     res.ExitCode,
		"output":   truncateForDisplay(res.Output, 80),
	}
	if res.OK() {
		r.logger.Info("step completed", fields)
		return
	}

	r.failures++
	reason := fmt.Sprintf("exit status %d", res.ExitCode)
	switch {
	case res.TimedOut:
		reason = fmt.Sprintf("timed out after %s", r.cfg.StepTimeout)
	case res.Err != nil:
		reason = res.Err.Error()
	}
	fields["reason"] = reason
	r.logger.Error("step failed", fields)
	fmt.Fprintf(r.stderr, "%s step %d failed: %s: %s\n",
		r.now().UTC().Format(time.RFC3339), r.steps, reason, truncateForDisplay(res.Output, 80))
}

// handleRequest consumes a pending bootstrap request. It only returns an
// error when the hand-over failed after the process committed to it.
func (r *Runner) handleRequest(ctx context.Context) error {
	req, ok, err := bootstrap.TakeRequest(r.cfg.RequestPath)
	if err != nil {
		r.logger.Warn("discarding bootstrap request", logging.Fields{"error": err.Error()})
		return nil
	}
	if !ok {
		return nil
	}

	fields := logging.Fields{"requested_by": req.RequestedBy}
	if req.Rollback {
		r.logger.Info("rollback requested", fields)
		err = r.coord.Rollback(ctx)
	} else {
		fields["target"] = req.Branch
		r.logger.Info("bootstrap requested", fields)
		err = r.coord.Bootstrap(ctx, req.Branch)
	}
	if errors.Is(err, bootstrap.ErrSelfBootstrap) {
		r.logger.Warn("ignoring bootstrap request", logging.Fields{"error": err.Error()})
		return nil
	}
	if err != nil {
		r.logger.Error("bootstrap failed", logging.Fields{"error": err.Error()})
		return err
	}
	return nil
}

func (r *Runner) rotate() {
	if r.cfg.LogMaxSize <= 0 {
		return
	}
	if err := r.logger.RotateIfNeeded(r.cfg.LogMaxSize); err != nil {
		r.logger.Warn("log rotation failed", logging.Fields{"error": err.Error()})
	}
}
