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

	"github.com/tonimelisma/filemirror-go/internal/client"
	"github.com/tonimelisma/filemirror-go/internal/config"
	"github.com/tonimelisma/filemirror-go/internal/state"
)

// httpClientTimeout bounds each HTTP request so a hung connection cannot
// stall a round indefinitely. Chunk PUTs of the default 8 MiB unit fit
// comfortably on slow links.
const httpClientTimeout = 10 * time.Minute

// newSyncCmd builds the `sync` subcommand: one client round, or a
// long-running watch loop with --watch.
func newSyncCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a sync round against the configured server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd.Context(), watch)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "keep running and sync on filesystem changes")

	return cmd
}

// runSync wires the client stack and executes one round (or the watch
// loop). A SIGINT/SIGTERM cancels at the next I/O boundary; cancellation
// is logged distinctly from failure.
func runSync(parent context.Context, watch bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := config.ValidateClient(&cfg.Client); err != nil {
		return err
	}

	logger := buildLogger()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	statePath := cfg.Client.StateFile
	if statePath == "" {
		statePath = config.DefaultStateFile()
	}

	store, err := state.Open(statePath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	api := client.NewAPI(
		cfg.Client.ServerBaseURL,
		cfg.Client.APIKey,
		cfg.Client.DatasetID,
		cfg.Client.ClientID,
		&http.Client{Timeout: httpClientTimeout},
		logger,
	)

	runner := client.NewRunner(cfg.Client, api, store, logger)

	start := time.Now()

	if watch {
		err = client.Watch(ctx, cfg.Client.RootPath, runner.Run, logger)
	} else {
		err = runner.Run(ctx)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("sync canceled", slog.Duration("elapsed", time.Since(start)))
			return fmt.Errorf("sync canceled")
		}

		return fmt.Errorf("sync failed: %w", err)
	}

	logger.Info("sync complete", slog.Duration("elapsed", time.Since(start)))

	return nil
}
