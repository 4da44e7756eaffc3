package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/entitystore/internal/health"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Expose metrics and health endpoints until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt, err := newRuntime(opts, reg)
	if err != nil {
		return err
	}
	defer rt.Close()

	rt.logger.Info("Starting entity store",
		zap.String("backend", rt.cfg.Store.Backend),
		zap.Strings("tables", rt.cfg.Store.Tables),
		zap.Int("executor_workers", rt.cfg.Executor.Workers))

	var servers []*http.Server

	healthRouter := mux.NewRouter()
	health.NewHealthChecker(rt.store, rt.pool, rt.logger).Register(healthRouter)
	servers = append(servers, newServer(rt.cfg.Health.Port, healthRouter))

	if rt.cfg.Metrics.Enabled {
		metricsRouter := mux.NewRouter()
		metricsRouter.Handle(rt.cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		servers = append(servers, newServer(rt.cfg.Metrics.Port, metricsRouter))
	}

	serverErrors := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		rt.logger.Info("Starting HTTP server", zap.String("address", srv.Addr))
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrors <- fmt.Errorf("server %s: %w", srv.Addr, err)
			}
		}()
	}

	var runErr error
	select {
	case runErr = <-serverErrors:
		rt.logger.Error("Server error", zap.Error(runErr))
	case <-ctx.Done():
		rt.logger.Info("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			rt.logger.Warn("HTTP server shutdown failed", zap.String("address", srv.Addr), zap.Error(err))
		}
	}
	rt.logger.Info("Entity store stopped")
	return runErr
}

func newServer(port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
