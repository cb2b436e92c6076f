package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/loykin/sessionwatch/internal/cron"
	"github.com/loykin/sessionwatch/internal/metrics"
	"github.com/loykin/sessionwatch/internal/server"
	itls "github.com/loykin/sessionwatch/internal/tls"
)

const shutdownTimeout = 5 * time.Second

func createServeCommand(global *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the session API and metrics, sweeping stale locks periodically",
		Long: `Serve exposes the lock directory over HTTP. It keeps no session state of
its own; every request reads the lock records on disk.

Endpoints (under serve.base_path, default /api):
  GET    /sessions, /sessions/:id
  POST   /sessions/:id   start
  DELETE /sessions/:id   stop
  POST   /sweep
  GET    /metrics        (root, Prometheus text format)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, global)
		},
	}
	cmd.Flags().String("addr", "", "listen address")
	return cmd
}

func runServe(cmd *cobra.Command, global *GlobalFlags) error {
	a, err := newApp(global, cmd.Flags())
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	log := a.log.With("component", "serve")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if err := reg.Register(metrics.NewSessionCollector(a.sv)); err != nil {
		return fmt.Errorf("register session collector: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.cfg.Serve.Sweep != "" {
		sched := cron.NewScheduler(a.log)
		if err := sched.Add(&cron.Job{
			Name:     "sweep",
			Schedule: a.cfg.Serve.Sweep,
			Run: func(ctx context.Context) error {
				removed, err := a.sv.Sweep(ctx)
				if len(removed) > 0 {
					log.Info("swept stale sessions", "count", len(removed))
				}
				return err
			},
		}); err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start sweep scheduler: %w", err)
		}
		defer sched.Stop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := server.NewRouter(a.sv, a.cfg.Serve.BasePath, reg, a.log)
	srv := server.NewServer(a.cfg.Serve.Addr, router.Handler())
	tlsCfg, err := itls.Setup(a.cfg.Serve.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	srv.TLSConfig = tlsCfg
	scheme := "http"
	if tlsCfg != nil {
		scheme = "https"
	}
	ln, err := net.Listen("tcp", a.cfg.Serve.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Serve.Addr, err)
	}
	errCh := make(chan error, 1)
	go func() {
		if tlsCfg != nil {
			errCh <- srv.ServeTLS(ln, "", "")
			return
		}
		errCh <- srv.Serve(ln)
	}()

	log.Info("serving", "addr", ln.Addr().String(), "base_path", a.cfg.Serve.BasePath, "scheme", scheme)
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "sessionwatch serving on %s://%s\n", scheme, ln.Addr())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
