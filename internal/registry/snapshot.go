package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"kiosk/internal/matcher"
)

// SnapshotCache holds a recent copy of the candidate list so a match does
// not have to read every template from the database. A stale snapshot only
// affects the next match attempt.
type SnapshotCache interface {
	Load(ctx context.Context) ([]matcher.Candidate, bool, error)
	Save(ctx context.Context, cands []matcher.Candidate) error
	Invalidate(ctx context.Context) error
}

// RedisSnapshot stores the candidate list as one JSON value with a TTL.
type RedisSnapshot struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisSnapshot creates a snapshot cache under key.
func NewRedisSnapshot(client *redis.Client, key string, ttl time.Duration) *RedisSnapshot {
	if key == "" {
		key = "kiosk:candidates"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisSnapshot{client: client, key: key, ttl: ttl}
}

func (s *RedisSnapshot) Load(ctx context.Context) ([]matcher.Candidate, bool, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load candidate snapshot: %w", err)
	}
	var cands []matcher.Candidate
	if err := json.Unmarshal(raw, &cands); err != nil {
		return nil, false, fmt.Errorf("decode candidate snapshot: %w", err)
	}
	return cands, true, nil
}

func (s *RedisSnapshot) Save(ctx context.Context, cands []matcher.Candidate) error {
	if cands == nil {
		cands = []matcher.Candidate{}
	}
	raw, err := json.Marshal(cands)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key, raw, s.ttl).Err()
}

func (s *RedisSnapshot) Invalidate(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}
