package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/psantana5/hopscotch/internal/bootlog"
	"github.com/psantana5/hopscotch/internal/bootstrap"
	"github.com/psantana5/hopscotch/internal/config"
	"github.com/psantana5/hopscotch/internal/gitops"
	"github.com/psantana5/hopscotch/internal/runner"
	"github.com/psantana5/hopscotch/pkg/logging"
	"github.com/psantana5/hopscotch/pkg/shutdown"
	"github.com/psantana5/hopscotch/pkg/tracing"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the workload",
	Long: `Starts the runner: confirms a pending transition into this branch, runs
the configured work step on a fixed schedule and serves bootstrap requests
queued with "hopscotch bootstrap" or "hopscotch rollback".

Stderr is redirected into errors.log, which the supervisor watches.`,
	RunE: runRunner,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// resolveBranch prefers the branch handed over by a bootstrap and falls
// back to the checkout in the working directory.
func resolveBranch(ctx context.Context, git *gitops.Git) (string, error) {
	if b := os.Getenv(bootstrap.EnvBranch); b != "" {
		return b, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return git.CurrentBranch(ctx, wd)
}

func runRunner(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	errLog, err := runner.RedirectStderr(cfg.ErrorLogPath())
	if err != nil {
		return err
	}
	defer errLog.Close()

	logger, err := newLogger(cfg, "runner")
	if err != nil {
		return err
	}

	ctx, stop := shutdown.SignalContext(context.Background())
	defer stop()

	git := newGit(cfg)
	branch, err := resolveBranch(ctx, git)
	if err != nil {
		logger.Error("cannot determine branch", logging.Fields{"error": err.Error()})
		return err
	}
	logger = logger.WithField("branch", branch)

	sm := shutdown.New(shutdownTimeout)
	sm.Register("logger", shutdown.CloseResource(logger))

	tp, err := tracing.InitTracer(ctx, tracingConfig(cfg))
	if err != nil {
		logger.Warn("tracing disabled", logging.Fields{"error": err.Error()})
		tp = tracing.Noop(cfg.Tracing.ServiceName)
	}
	sm.Register("tracer", tp.Shutdown)

	coord := bootstrap.New(coordinatorConfig(cfg, branch), bootstrap.Deps{
		Provisioner: git,
		Log:         bootlog.Open(cfg.BootstrapLogPath()),
		Marker:      bootlog.NewMarker(cfg.MarkerPath()),
		Logger:      logger,
		Tracer:      tp,
		BeforeExec: func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			tp.Shutdown(flushCtx)
		},
	})

	r := runner.New(runner.Config{
		Branch:       branch,
		RequestPath:  cfg.RequestPath(),
		WorkInterval: cfg.Runner.WorkInterval,
		StepCommand:  cfg.Runner.StepCommand,
		StepTimeout:  cfg.Runner.StepTimeout,
		RequestPoll:  cfg.Runner.RequestPoll,
		Shell:        cfg.Bootstrap.Shell,
		LogMaxSize:   cfg.Log.MaxSize,
	}, coord, logger)

	runErr := r.Run(ctx)
	if err := sm.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func coordinatorConfig(cfg *config.Config, branch string) bootstrap.Config {
	return bootstrap.Config{
		Current:    branch,
		Baseline:   cfg.Workspace.BaselineBranch,
		Entrypoint: cfg.Bootstrap.Entrypoint,
		Shell:      cfg.Bootstrap.Shell,
		LogsDir:    cfg.Paths.LogsDir,
	}
}
