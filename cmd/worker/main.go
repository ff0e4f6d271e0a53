package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"kiosk/internal/app"
	"kiosk/internal/config"
	"kiosk/internal/worker"
)

// Worker consumes registry and pickup messages published by the API.
func main() {
	cfg, err := config.Load()
	logger := app.SetupLogger(cfg.LogLevel, cfg.Production())
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.QueueBackend == "memory" {
		log.Fatal().Msg("QUEUE_BACKEND=memory is consumed inside the api process; the worker needs redis")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends, err := app.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("backends unavailable")
	}
	defer backends.Close()

	// Warm the snapshot so the first kiosk match does not hit the store.
	if cands, err := backends.Registry.RefreshSnapshot(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial snapshot failed")
	} else {
		logger.Info().Int("candidates", len(cands)).Msg("candidate snapshot warmed")
	}

	if err := worker.New(backends.Queue, backends.Registry, logger).Run(ctx); err != nil {
		logger.Error().Err(err).Msg("worker failed")
	}
}
