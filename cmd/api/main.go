package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"kiosk/internal/app"
	"kiosk/internal/config"
	"kiosk/internal/handler"
	"kiosk/internal/httpmiddleware"
	"kiosk/internal/kiosk"
	"kiosk/internal/matcher"
	"kiosk/internal/scanner"
	"kiosk/internal/worker"
)

func main() {
	cfg, err := config.Load()
	logger := app.SetupLogger(cfg.LogLevel, cfg.Production())
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		log.Fatal().Err(err).Msg("http server failed")
	}
}

func run(ctx context.Context, cfg config.App, logger zerolog.Logger) error {
	backends, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backends.Close()

	device := scanner.New(scanner.Options{
		BaseURL:        cfg.Scanner.URL,
		License:        cfg.Scanner.License,
		TemplateFormat: cfg.Scanner.TemplateFormat,
		QualityFloor:   cfg.Scanner.QualityFloor,
		WSQRate:        cfg.Scanner.WSQRate,
		ProbeTimeout:   cfg.Scanner.ProbeTimeout,
		InsecureTLS:    cfg.Scanner.InsecureTLS,
	})
	sessions := kiosk.NewManager(kiosk.Deps{
		Scanner:        device,
		Matcher:        matcher.New(device, logger),
		Credentials:    backends.Registry,
		Recorder:       backends.Pickups,
		CaptureTimeout: cfg.Scanner.CaptureTimeout,
		Logger:         logger,
	}, cfg.SessionTTL, func(t kiosk.Transition) {
		logger.Debug().Str("session_id", t.SessionID).Str("to", string(t.To)).Str("next", string(t.Next)).Msg("kiosk transition")
	})
	go sessions.Run(ctx)

	// The in-memory queue only reaches consumers in this process.
	if cfg.QueueBackend == "memory" {
		go func() {
			if err := worker.New(backends.Queue, backends.Registry, logger).Run(ctx); err != nil {
				logger.Error().Err(err).Msg("in-process worker stopped")
			}
		}()
	}

	h := handler.New(handler.Deps{
		Sessions: sessions,
		Registry: backends.Registry,
		Pickups:  backends.Pickups,
		Signer:   backends.Signer,
		Devices:  backends.Devices,
		AdminKey: cfg.AdminAPIKey,
		Checks:   backends.Checks(),
		Logger:   logger,
	})

	r := gin.New()
	r.Use(httpmiddleware.Recovery(logger))
	r.Use(httpmiddleware.RequestLogger(logger, "/healthz", "/metrics"))
	r.Use(httpmiddleware.SecurityHeaders())
	r.Use(httpmiddleware.CORS())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	h.Routes(r, httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).Middleware())

	// Capture holds a request open for up to CAPTURE_TIMEOUT.
	writeTimeout := cfg.Scanner.CaptureTimeout + 15*time.Second
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("scanner", cfg.Scanner.URL).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server forced shutdown")
	}
	logger.Info().Msg("server exited")
	return nil
}
