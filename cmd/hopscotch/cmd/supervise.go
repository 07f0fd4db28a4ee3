package cmd

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/psantana5/hopscotch/internal/alert"
	"github.com/psantana5/hopscotch/internal/bootlog"
	"github.com/psantana5/hopscotch/internal/bootstrap"
	"github.com/psantana5/hopscotch/internal/breaker"
	"github.com/psantana5/hopscotch/internal/cgroups"
	"github.com/psantana5/hopscotch/internal/config"
	"github.com/psantana5/hopscotch/internal/metrics"
	"github.com/psantana5/hopscotch/internal/procrepo"
	"github.com/psantana5/hopscotch/internal/supervisor"
	"github.com/psantana5/hopscotch/pkg/logging"
	"github.com/psantana5/hopscotch/pkg/retry"
	"github.com/psantana5/hopscotch/pkg/shutdown"
	"github.com/psantana5/hopscotch/pkg/tracing"
)

var superviseCmd = &cobra.Command{
	Use:   "supervise",
	Short: "Watch the runner and restore the baseline on failure",
	Long: `Polls the process table and the bootstrap log. A crashed or abusive runner
is restarted from the baseline branch; a transition that does not confirm
within the grace period is rolled back. After too many crashes in the crash
window the supervisor trips and stops restarting.`,
	RunE: runSupervise,
}

func init() {
	rootCmd.AddCommand(superviseCmd)
}

// snapshotPath is where the supervisor publishes its state for status.
func snapshotPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.LogsDir, "supervisor.json")
}

func supervisorPattern() procrepo.Pattern {
	return procrepo.Pattern{Match: "hopscotch supervise"}
}

func runnerPattern(cfg *config.Config) procrepo.Pattern {
	return procrepo.Pattern{Match: cfg.Supervisor.ProcessPattern, Exclude: cfg.Supervisor.ExcludePatterns}
}

func supervisorConfig(cfg *config.Config) supervisor.Config {
	s := cfg.Supervisor
	return supervisor.Config{
		Baseline:         cfg.Workspace.BaselineBranch,
		Pattern:          runnerPattern(cfg),
		PollInterval:     s.PollInterval,
		GracePeriod:      s.GracePeriod,
		CPUThreshold:     s.CPUThreshold,
		CPUDuration:      s.CPUDuration,
		CPUSample:        s.CPUSample,
		ErrorLogPath:     cfg.ErrorLogPath(),
		ErrorLogLimit:    s.ErrorLogLimit,
		Policy:           breaker.Policy{Window: s.CrashWindow, Threshold: s.CrashLimit},
		PostLaunchDelay:  s.PostLaunchDelay,
		TerminateTimeout: s.TerminateTimeout,
		MaxBackoff:       s.MaxBackoff,
		SnapshotPath:     snapshotPath(cfg),
	}
}

func runSupervise(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, "supervisor")
	if err != nil {
		return err
	}

	ctx, stop := shutdown.SignalContext(context.Background())
	defer stop()

	sm := shutdown.New(shutdownTimeout)
	sm.Register("logger", shutdown.CloseResource(logger))

	tp, err := tracing.InitTracer(ctx, tracingConfig(cfg))
	if err != nil {
		logger.Warn("tracing disabled", logging.Fields{"error": err.Error()})
		tp = tracing.Noop(cfg.Tracing.ServiceName)
	}
	sm.Register("tracer", tp.Shutdown)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewSupervisor(reg)

	if addr := cfg.Supervisor.MetricsAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics listener started", logging.Fields{"addr": addr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener failed", logging.Fields{"error": err.Error()})
			}
		}()
		sm.Register("metrics server", shutdown.StopHTTPServer(srv))
	}

	git := newGit(cfg)
	baseline := cfg.BaselineDir()
	launcher := &supervisor.ExecLauncher{
		Dir:     baseline,
		Command: cfg.Runner.Command,
		Env: []string{
			bootstrap.EnvBranch + "=" + cfg.Workspace.BaselineBranch,
			bootstrap.EnvLogsDir + "=" + cfg.Paths.LogsDir,
		},
		Logger: logger,
	}
	if cg := cfg.Supervisor.Cgroup; cg.Name != "" {
		group, err := cgroups.New().Ensure(cg.Name, cgroups.Limits{
			CPUMax:    cg.CPUMax,
			CPUWeight: cg.CPUWeight,
			MemoryMax: cg.MemoryMax,
		})
		if err != nil {
			logger.Warn("runner confinement disabled", logging.Fields{"cgroup": cg.Name, "error": err.Error()})
		} else {
			launcher.Confiner = group
			logger.Info("runners will be confined", logging.Fields{"cgroup": group.Path})
		}
	}

	sup, err := supervisor.New(supervisorConfig(cfg), supervisor.Deps{
		Procs:    procrepo.NewSystem(),
		Log:      bootlog.Open(cfg.BootstrapLogPath()),
		Marker:   bootlog.NewMarker(cfg.MarkerPath()),
		Launcher: launcher,
		Validator: &supervisor.BaselineValidator{
			Dir:     baseline,
			Branch:  cfg.Workspace.BaselineBranch,
			Command: cfg.Runner.Command,
			Repo:    git,
		},
		Alerts: &alert.CommsFile{
			Path:      cfg.Paths.CommsFile,
			Committer: git,
			Retry:     retry.DefaultConfig(),
			Logger:    logger,
		},
		Logger:  logger.WithField("component", "supervisor"),
		Metrics: m,
		Tracer:  tp,
	})
	if err != nil {
		sm.Shutdown()
		return err
	}

	runErr := sup.Run(ctx)
	if err := sm.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
