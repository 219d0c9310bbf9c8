package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/yatb/yatb/internal/config"
	"github.com/yatb/yatb/internal/models"
	"github.com/yatb/yatb/internal/profiles"
	"github.com/yatb/yatb/internal/services/runner"
	"github.com/yatb/yatb/internal/store"
)

var runProfileID string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a single profile once and exit",
	Long: `Execute one backup profile immediately, bypassing the daemon:
transfer, verification, retention pruning, and a history record, exactly
as a queued run would. Useful with an external scheduler (cron, systemd
timers) or for troubleshooting a profile.`,
	RunE: runOnce,
}

func init() {
	runCmd.Flags().StringVar(&runProfileID, "profile", "", "profile id to run (required)")
}

func runOnce(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}
	if runProfileID == "" {
		log.Error().Msg("--profile is required")
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

	st, err := store.Open(cfg.StateDir, log.Logger)
	if err != nil {
		log.Error().Err(err).Str("dir", cfg.StateDir).Msg("failed to open state store")
		return err
	}
	defer func() { _ = st.Close() }()

	registry := profiles.NewRegistry(cfg, st)
	if _, err := registry.Get(runProfileID); err != nil {
		log.Error().Err(err).Str("profile", runProfileID).Msg("unknown profile")
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
		cancel()
	}()

	runnerSvc := runner.New(log.Logger, registry, st, cfg.Telegram)
	rec := runnerSvc.Execute(ctx, models.RunRequest{
		ProfileID:   runProfileID,
		Reason:      models.TriggerManual,
		SubmittedAt: time.Now(),
	})

	if rec.Outcome != models.OutcomeSuccess {
		return fmt.Errorf("run finished with outcome %s: %s", rec.Outcome, rec.Error)
	}

	log.Info().Str("run_id", rec.ID).Msg("run completed successfully")
	return nil
}
