// Package devices enrolls kiosk devices and rotates their refresh tokens.
package devices

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrInvalidDevice = errors.New("device id required")
	ErrTokenRevoked  = errors.New("refresh token revoked or expired")
)

// Store persists devices and the hashes of their refresh tokens.
type Store interface {
	Upsert(ctx context.Context, deviceID string, at time.Time) error
	SaveRefreshToken(ctx context.Context, deviceID, tokenHash string, expiresAt time.Time) error
	// UseRefreshToken revokes a live token and returns its device. A token
	// can be used once.
	UseRefreshToken(ctx context.Context, tokenHash string, now time.Time) (string, error)
	RevokeDevice(ctx context.Context, deviceID string) error
}

// PostgresStore keeps devices in Postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Upsert(ctx context.Context, deviceID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kiosk_devices (device_id, registered_at, last_seen_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (device_id) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at
	`, deviceID, at)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshToken(ctx context.Context, deviceID, tokenHash string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token_hash, device_id, expires_at)
		VALUES ($1, $2, $3)
	`, tokenHash, deviceID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

func (s *PostgresStore) UseRefreshToken(ctx context.Context, tokenHash string, now time.Time) (string, error) {
	var deviceID string
	err := s.db.QueryRowContext(ctx, `
		UPDATE refresh_tokens SET revoked = TRUE
		WHERE token_hash = $1 AND NOT revoked AND expires_at > $2
		RETURNING device_id
	`, tokenHash, now).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrTokenRevoked
	}
	if err != nil {
		return "", fmt.Errorf("use refresh token: %w", err)
	}
	return deviceID, nil
}

func (s *PostgresStore) RevokeDevice(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE device_id = $1`, deviceID)
	return err
}

// MemoryStore keeps devices in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	devices map[string]time.Time
	tokens  map[string]*memToken
}

type memToken struct {
	deviceID  string
	expiresAt time.Time
	revoked   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: map[string]time.Time{}, tokens: map[string]*memToken{}}
}

func (s *MemoryStore) Upsert(_ context.Context, deviceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[deviceID] = at
	return nil
}

func (s *MemoryStore) SaveRefreshToken(_ context.Context, deviceID, tokenHash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tokenHash] = &memToken{deviceID: deviceID, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) UseRefreshToken(_ context.Context, tokenHash string, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenHash]
	if !ok || t.revoked || !t.expiresAt.After(now) {
		return "", ErrTokenRevoked
	}
	t.revoked = true
	return t.deviceID, nil
}

func (s *MemoryStore) RevokeDevice(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.deviceID == deviceID {
			t.revoked = true
		}
	}
	return nil
}
