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

	"github.com/tonimelisma/filemirror-go/internal/config"
	"github.com/tonimelisma/filemirror-go/internal/server"
)

// shutdownTimeout is how long in-flight requests get to finish after a
// termination signal.
const shutdownTimeout = 30 * time.Second

// sessionSweepInterval is how often stale upload sessions are collected.
const sessionSweepInterval = time.Hour

// newServeCmd builds the `serve` subcommand.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the mirror sync server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

// runServe wires the server stack, starts the session GC sweep, and
// serves until SIGINT/SIGTERM, then drains gracefully.
func runServe(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := config.ValidateServer(&cfg.Server); err != nil {
		return err
	}

	logger := buildLogger()

	srv, err := server.New(cfg.Server, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweepSessions(ctx, srv, logger)

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		logger.Info("server listening",
			slog.String("addr", cfg.Server.ListenAddr),
			slog.String("inbound_root", cfg.Server.InboundRoot),
			slog.String("delete_strategy", cfg.Server.DeleteStrategy),
		)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}

		return nil

	case <-ctx.Done():
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}

		return nil
	}
}

// sweepSessions garbage-collects stale upload sessions on a fixed
// interval until the context is canceled.
func sweepSessions(ctx context.Context, srv *server.Server, logger *slog.Logger) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Debug("sweeping stale sessions")
			srv.Sessions().SweepStale(srv.SessionMaxAge())
		}
	}
}
