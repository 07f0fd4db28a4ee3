package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/psantana5/hopscotch/internal/metrics"
	"github.com/psantana5/hopscotch/internal/status"
	"github.com/psantana5/hopscotch/pkg/auth"
	"github.com/psantana5/hopscotch/pkg/logging"
	"github.com/psantana5/hopscotch/pkg/ratelimit"
	"github.com/psantana5/hopscotch/pkg/shutdown"
	hstls "github.com/psantana5/hopscotch/pkg/tls"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve /status, /health, /hello and /metrics over HTTP",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default status.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr == "" {
		serveAddr = cfg.Status.Addr
	}

	logger, err := newLogger(cfg, "server")
	if err != nil {
		return err
	}
	access, err := logging.NewFileLogger(cfg.Paths.LogsDir, "access", logging.Options{
		Level:      logging.INFO,
		JSONFormat: cfg.Log.JSON,
		Echo:       io.Discard,
		Backups:    cfg.Log.Backups,
	})
	if err != nil {
		return err
	}

	ctx, stop := shutdown.SignalContext(context.Background())
	defer stop()

	sm := shutdown.New(shutdownTimeout)
	sm.Register("logger", shutdown.CloseResource(logger))
	sm.Register("access log", shutdown.CloseResource(access))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	limiter := ratelimit.NewLimiter(cfg.Status.RPS, cfg.Status.Burst)
	branch, _ := resolveBranch(ctx, newGit(cfg))
	serverCfg := status.ServerConfig{
		Reporter:    newCollector(cfg, branch),
		Gatherer:    reg,
		Metrics:     metrics.NewHTTP(reg),
		Limiter:     limiter,
		AccessLog:   access,
		RequestPath: cfg.RequestPath(),
		Baseline:    cfg.Workspace.BaselineBranch,

		TrustedProxies: cfg.Status.TrustedProxies,
	}
	if len(cfg.Status.APIKeys) > 0 {
		keys, err := auth.ParseKeyStore(cfg.Status.APIKeys)
		if err != nil {
			return fmt.Errorf("status.api_keys: %w", err)
		}
		serverCfg.Auth = keys
		logger.Info("control endpoints enabled", logging.Fields{"keys": keys.Len()})
	}
	handler := status.NewHandler(serverCfg)

	srv := &http.Server{
		Addr:              serveAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	sm.Register("http server", shutdown.StopHTTPServer(srv))

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.CleanupOldLimiters(10 * time.Minute)
				access.RotateIfNeeded(cfg.Log.MaxSize)
			}
		}
	}()

	if cfg.Status.TLSEnabled() {
		if cfg.Status.SelfSigned {
			created, err := hstls.EnsureSelfSigned(cfg.Status.TLSCert, cfg.Status.TLSKey, "hopscotch", 365*24*time.Hour)
			if err != nil {
				return err
			}
			if created {
				logger.Info("generated self-signed certificate", logging.Fields{"cert": cfg.Status.TLSCert})
			}
		}
		tlsConfig, err := hstls.ServerConfig(cfg.Status.TLSCert, cfg.Status.TLSKey, cfg.Status.ClientCA)
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsConfig
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("status server listening", logging.Fields{"addr": serveAddr, "tls": srv.TLSConfig != nil})
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("status server stopping")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("status server failed", logging.Fields{"error": serveErr.Error()})
		}
	}
	if err := sm.Shutdown(); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}
