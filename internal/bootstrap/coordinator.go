package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sys/unix"

	"github.com/psantana5/hopscotch/internal/bootlog"
	"github.com/psantana5/hopscotch/internal/faults"
	"github.com/psantana5/hopscotch/pkg/logging"
	"github.com/psantana5/hopscotch/pkg/retry"
	"github.com/psantana5/hopscotch/pkg/tracing"
)

// Environment variables handed to the successor image.
const (
	EnvBranch  = "HOPSCOTCH_BRANCH"
	EnvEpoch   = "HOPSCOTCH_EPOCH"
	EnvLogsDir = "HOPSCOTCH_LOGS_DIR"
)

// ErrSelfBootstrap is returned when asked to bootstrap the branch that is
// already running. It is not fatal.
var ErrSelfBootstrap = errors.New("target branch is already running")

// Provisioner materializes a branch working copy.
type Provisioner interface {
	EnsureBranch(ctx context.Context, branch string) (string, error)
}

// ExecFunc replaces the current process image. It only returns on failure.
type ExecFunc func(argv0 string, argv []string, envv []string) error

// Config describes the running branch and how successors are started.
type Config struct {
	Current    string // branch this process runs from
	Baseline   string
	Entrypoint string // relative to the working copy, e.g. bootstrap.sh
	Shell      string // interpreter for the entrypoint, e.g. /bin/sh
	LogsDir    string // shared logs dir exported to the successor
}

// Deps are the coordinator's collaborators.
type Deps struct {
	Provisioner Provisioner
	Log         *bootlog.Log
	Marker      *bootlog.Marker
	Logger      *logging.Logger
	Tracer      *tracing.Provider // optional
	Retry       retry.Config      // for transient log and marker writes
	Exec        ExecFunc          // optional, defaults to execve(2)
	Chdir       func(string) error
	Now         func() time.Time
	NewEpoch    func() string
	// BeforeExec runs just before the image is replaced, e.g. to flush logs.
	BeforeExec func()
}

// Coordinator performs the exec-based hand-over from one branch to
// another. It runs inside the runner process.
type Coordinator struct {
	cfg  Config
	deps Deps
}

// New returns a coordinator for the branch in cfg.Current.
func New(cfg Config, deps Deps) *Coordinator {
	if deps.Exec == nil {
		deps.Exec = unix.Exec
	}
	if deps.Chdir == nil {
		deps.Chdir = os.Chdir
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewEpoch == nil {
		deps.NewEpoch = func() string { return uuid.NewString() }
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewLogger(logging.INFO, false)
	}
	if deps.Retry.MaxRetries == 0 && deps.Retry.InitialBackoff == 0 {
		deps.Retry = retry.Config{MaxRetries: 3, InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}
	}
	deps.Retry.ShouldRetry = faults.IsTransient
	return &Coordinator{cfg: cfg, deps: deps}
}

// Current returns the branch the caller runs from.
func (c *Coordinator) Current() string {
	return c.cfg.Current
}

// Bootstrap hands the process over to target. On success it does not
// return. A returned error other than ErrSelfBootstrap leaves the process
// unusable and the caller should exit non-zero.
func (c *Coordinator) Bootstrap(ctx context.Context, target string) (err error) {
	ctx, span := c.deps.Tracer.StartSpan(ctx, "bootstrap",
		attribute.String("from", c.cfg.Current), attribute.String("to", target))
	defer func() { tracing.End(span, err) }()

	if target == c.cfg.Current {
		return fmt.Errorf("bootstrap %s: %w", target, ErrSelfBootstrap)
	}
	logger := c.deps.Logger.WithField("target", target)
	logger.Info("bootstrapping", logging.Fields{"from": c.cfg.Current})

	dir, err := c.deps.Provisioner.EnsureBranch(ctx, target)
	if err != nil {
		return faults.Structural("bootstrap", fmt.Errorf("prepare %s: %w", target, err))
	}
	entry := filepath.Join(dir, c.cfg.Entrypoint)
	if _, err := os.Stat(entry); err != nil {
		return faults.Structural("bootstrap", fmt.Errorf("entry point: %w", err))
	}

	now := c.deps.Now()
	record := bootlog.Entry{Status: bootlog.StatusBootstrapping, Timestamp: now, Branch: target}
	if err := retry.Do(ctx, c.deps.Retry, func() error { return c.deps.Log.Append(record) }); err != nil {
		return faults.Structural("bootstrap", fmt.Errorf("record transition: %w", err))
	}

	epoch := c.deps.NewEpoch()
	info := bootlog.MarkerInfo{Branch: target, Epoch: epoch, PID: os.Getpid(), CreatedAt: now}
	if err := retry.Do(ctx, c.deps.Retry, func() error { return c.deps.Marker.Create(info) }); err != nil {
		return faults.Structural("bootstrap", fmt.Errorf("create marker: %w", err))
	}

	if err := c.deps.Chdir(dir); err != nil {
		return faults.Structural("bootstrap", fmt.Errorf("chdir %s: %w", dir, err))
	}

	argv := []string{c.cfg.Shell, entry}
	env := withEnv(os.Environ(), map[string]string{
		EnvBranch:  target,
		EnvEpoch:   epoch,
		EnvLogsDir: c.cfg.LogsDir,
	})
	logger.Info("replacing process image", logging.Fields{"entrypoint": entry, "epoch": epoch})
	if c.deps.BeforeExec != nil {
		c.deps.BeforeExec()
	}

	if err := c.deps.Exec(c.cfg.Shell, argv, env); err != nil {
		return faults.Structural("bootstrap", fmt.Errorf("exec %s: %w", entry, err))
	}
	return faults.Structuralf("bootstrap", "exec %s returned without error", entry)
}

// Rollback bootstraps the baseline branch.
func (c *Coordinator) Rollback(ctx context.Context) error {
	return c.Bootstrap(ctx, c.cfg.Baseline)
}

// Confirm is called by a successor once it is up. If the log's last entry
// is the BOOTSTRAPPING that started branch, SUCCESS is recorded and the
// marker cleared. It reports whether a transition was confirmed.
func (c *Coordinator) Confirm(ctx context.Context, branch string) (bool, error) {
	last, ok, err := c.deps.Log.Last()
	if err != nil {
		return false, err
	}
	if !ok || last.Status != bootlog.StatusBootstrapping || last.Branch != branch {
		return false, nil
	}

	record := bootlog.Entry{Status: bootlog.StatusSuccess, Timestamp: c.deps.Now(), Branch: branch}
	if err := retry.Do(ctx, c.deps.Retry, func() error { return c.deps.Log.Append(record) }); err != nil {
		return false, err
	}
	if err := c.deps.Marker.Clear(); err != nil {
		return true, err
	}
	c.deps.Logger.Info("transition confirmed", logging.Fields{
		"branch":  branch,
		"elapsed": record.Timestamp.Sub(last.Timestamp).Round(time.Millisecond).String(),
	})
	return true, nil
}

// withEnv returns env with vars set, replacing existing definitions.
func withEnv(env []string, vars map[string]string) []string {
	out := make([]string, 0, len(env)+len(vars))
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		if _, override := vars[key]; override {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range vars {
		if v != "" {
			out = append(out, k+"="+v)
		}
	}
	return out
}
