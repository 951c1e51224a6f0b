package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/minghsu/prodsync/internal/api"
	"github.com/minghsu/prodsync/internal/scheduler"
)

// shutdownTimeout bounds graceful HTTP drain on SIGTERM.
const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync service (HTTP API, WebSocket progress, scheduler)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := buildLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close()

	sched, err := scheduler.New(deps.engine, cfg.Schedule, logger)
	if err != nil {
		return err
	}

	server := api.New(cfg.ListenAddr, deps.engine, deps.store, deps.objects, sched, deps.bus, logger)

	errCh := make(chan error, 1)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sched.Start()

	logger.Info("prodsync service started",
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("db_path", cfg.DBPath),
	)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	sched.Stop()
	deps.engine.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("draining http server: %w", err)
	}

	return nil
}
