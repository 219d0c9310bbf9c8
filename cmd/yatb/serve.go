package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/yatb/yatb/internal/api"
	"github.com/yatb/yatb/internal/config"
	"github.com/yatb/yatb/internal/profiles"
	"github.com/yatb/yatb/internal/services/queue"
	"github.com/yatb/yatb/internal/services/runner"
	"github.com/yatb/yatb/internal/services/scheduler"
	"github.com/yatb/yatb/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the backup orchestration daemon",
	Long: `Run the orchestration daemon:
1. Open the state store (run history, last-run metadata, scheduler toggle)
2. Start the serialized run queue worker
3. Start the background scheduler
4. Serve the JSON status/trigger API`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return err
	}
	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return err
	}

	log.Info().
		Str("config", configFile).
		Int("profiles", len(cfg.Profiles)).
		Str("listen", cfg.Listen).
		Msg("configuration loaded")

	st, err := store.Open(cfg.StateDir, log.Logger)
	if err != nil {
		log.Error().Err(err).Str("dir", cfg.StateDir).Msg("failed to open state store")
		return err
	}
	defer func() { _ = st.Close() }()

	registry := profiles.NewRegistry(cfg, st)
	runnerSvc := runner.New(log.Logger, registry, st, cfg.Telegram)
	queueSvc := queue.New(log.Logger, registry, runnerSvc)
	schedulerSvc := scheduler.New(log.Logger, registry, st, queueSvc, cfg.Scheduler.Interval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queueSvc.Start(ctx)
	schedulerSvc.Start(ctx)

	server := api.NewServer(log.Logger, queueSvc, schedulerSvc, st, registry)
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Listen).Msg("API listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("API server failed")
		cancel()
		schedulerSvc.Stop()
		queueSvc.Stop()
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("API shutdown failed")
	}

	cancel()
	schedulerSvc.Stop()
	queueSvc.Stop()

	log.Info().Msg("shutdown complete")
	return nil
}
