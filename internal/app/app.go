// Package app assembles the storage, queue and logging backends selected by
// configuration. Both binaries share it.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"kiosk/internal/auth"
	"kiosk/internal/config"
	"kiosk/internal/devices"
	"kiosk/internal/pickup"
	"kiosk/internal/queue"
	"kiosk/internal/registry"
	"kiosk/internal/store"
)

const (
	queueKey    = "kiosk:events"
	snapshotKey = "kiosk:candidates"
)

// SetupLogger configures the global zerolog logger: console output in dev,
// JSON in production.
func SetupLogger(level string, production bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if production {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return log.Logger
}

// Backends holds the stores and queue for one process.
type Backends struct {
	DB       *store.DB
	Redis    *store.Redis
	Queue    queue.Queue
	Registry *registry.Registry
	Pickups  *pickup.Service
	Signer   *auth.Signer
	Devices  *devices.Service
}

// Open connects the configured backends. With the memory backends nothing
// external is contacted.
func Open(ctx context.Context, cfg config.App, logger zerolog.Logger) (*Backends, error) {
	b := &Backends{}

	var (
		creds   registry.Store
		events  pickup.Store
		devs    devices.Store
		regOpts []registry.Option
	)
	switch cfg.StoreBackend {
	case "memory":
		creds = registry.NewMemoryStore()
		events = pickup.NewMemoryStore()
		devs = devices.NewMemoryStore()
	default:
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		b.DB = db
		creds = registry.NewPostgresStore(db.Client)
		events = pickup.NewPostgresStore(db.Client)
		devs = devices.NewPostgresStore(db.Client)
	}

	switch cfg.QueueBackend {
	case "memory":
		b.Queue = queue.NewInMemory(256)
	default:
		b.Redis = store.NewRedis(cfg.RedisAddr)
		if !b.Redis.Healthy(ctx) {
			logger.Warn().Str("addr", cfg.RedisAddr).Msg("redis not reachable yet")
		}
		b.Queue = queue.NewRedisQueue(b.Redis.Client, queueKey)
		regOpts = append(regOpts, registry.WithSnapshot(registry.NewRedisSnapshot(b.Redis.Client, snapshotKey, cfg.SnapshotTTL)))
	}
	regOpts = append(regOpts, registry.WithPublisher(b.Queue))

	b.Registry = registry.New(creds, logger, regOpts...)
	b.Pickups = pickup.NewService(events, b.Queue, logger)
	b.Signer = auth.NewSigner(cfg.JWTSigningKey, cfg.JWTIssuer, cfg.AccessTTL, cfg.RefreshTTL)
	b.Devices = devices.NewService(devs, b.Signer, logger)
	logger.Info().Str("store", cfg.StoreBackend).Str("queue", cfg.QueueBackend).Msg("backends ready")
	return b, nil
}

// Checks returns the health probes for the connected backends.
func (b *Backends) Checks() map[string]func(context.Context) bool {
	checks := map[string]func(context.Context) bool{}
	if b.DB != nil {
		checks["db"] = b.DB.Healthy
	}
	if b.Redis != nil {
		checks["redis"] = b.Redis.Healthy
	}
	return checks
}

// Close releases connections.
func (b *Backends) Close() {
	if err := b.DB.Close(); err != nil {
		log.Warn().Err(err).Msg("close db")
	}
	if err := b.Redis.Close(); err != nil {
		log.Warn().Err(err).Msg("close redis")
	}
}
