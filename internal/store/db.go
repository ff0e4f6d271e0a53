// Package store opens the Postgres and Redis connections shared by the
// registry, pickup log, candidate snapshot and event queue.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB wraps a pgx-backed sql.DB.
type DB struct {
	Client *sql.DB
}

// NewDB opens Postgres and pings it within ctx.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &DB{Client: db}, nil
}

// Healthy reports whether Postgres answers a ping.
func (d *DB) Healthy(ctx context.Context) bool {
	if d == nil || d.Client == nil {
		return false
	}
	return d.Client.PingContext(ctx) == nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

// schema is applied statement by statement; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS guardian_credentials (
		id             TEXT PRIMARY KEY,
		guardian_name  TEXT NOT NULL,
		relationship   TEXT NOT NULL,
		template       TEXT NOT NULL,
		approval_state TEXT NOT NULL DEFAULT 'pending',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		approved_at    TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS guardian_credentials_state_idx
		ON guardian_credentials (approval_state, created_at)`,
	`CREATE TABLE IF NOT EXISTS credential_students (
		credential_id TEXT NOT NULL REFERENCES guardian_credentials (id) ON DELETE CASCADE,
		student_id    TEXT NOT NULL,
		PRIMARY KEY (credential_id, student_id)
	)`,
	`CREATE TABLE IF NOT EXISTS pickup_events (
		id            TEXT PRIMARY KEY,
		credential_id TEXT REFERENCES guardian_credentials (id) ON DELETE SET NULL,
		student_id    TEXT NOT NULL,
		guardian_name TEXT NOT NULL,
		relationship  TEXT NOT NULL DEFAULT '',
		action_type   TEXT NOT NULL,
		approved      BOOLEAN NOT NULL DEFAULT false,
		match_score   INTEGER,
		device_id     TEXT NOT NULL DEFAULT '',
		occurred_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		approved_at   TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS pickup_events_student_idx
		ON pickup_events (student_id, occurred_at DESC)`,
	`CREATE TABLE IF NOT EXISTS kiosk_devices (
		device_id     TEXT PRIMARY KEY,
		registered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_seen_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		token_hash TEXT PRIMARY KEY,
		device_id  TEXT NOT NULL REFERENCES kiosk_devices (device_id) ON DELETE CASCADE,
		expires_at TIMESTAMPTZ NOT NULL,
		revoked    BOOLEAN NOT NULL DEFAULT false
	)`,
}

// Migrate creates the tables used by the registry, the pickup log and
// device enrollment.
func (d *DB) Migrate(ctx context.Context) error {
	tx, err := d.Client.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for i, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return tx.Commit()
}
