package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/claim-bucketing/api"
	"github.com/warp/claim-bucketing/auth"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with generation workers and the sweeper",
		Long: `Run the HTTP API with generation workers and the sweeper.

Startup:
  1. Load configuration and open the store (migrating SQL backends)
  2. Load the rule catalog and build the engine
  3. Start generation workers and recover stranded requests
  4. Start the sweep scheduler
  5. Serve HTTP until SIGINT/SIGTERM

Shutdown stops accepting connections, waits for active requests up to
server.shutdown_timeout, then stops the sweeper and workers and closes
the store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	// Workers outlive the signal context so in-flight generations can finish
	// during shutdown.
	if err := a.engine.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer a.engine.Stop()

	scheduler := api.NewSweepScheduler(a.engine, a.cfg.Sweeper.Interval, a.logger)
	scheduler.Start(context.Background())
	defer scheduler.Stop()

	opts := api.RouterOptions{
		CORSOrigins: a.cfg.Server.CORSOrigins,
		Metrics:     a.metrics.Handler(),
	}
	if a.cfg.Auth.Enabled {
		opts.Auth = auth.NewMiddleware([]byte(a.cfg.Auth.Secret))
	} else {
		a.logger.Warn("authentication disabled, actors are taken from request bodies")
	}
	router := api.NewRouter(api.NewHandler(a.engine, a.logger), opts)

	server := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", "addr", a.cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("server stopped")
	return nil
}
