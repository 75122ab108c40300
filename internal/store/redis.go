package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuts-ae/support/internal/session"
)

const (
	// SnapshotPrefix is the Redis key prefix for stored snapshots.
	SnapshotPrefix = "console:snapshot:"

	// SnapshotTTL bounds how long a snapshot is trusted after the last save.
	SnapshotTTL = 24 * time.Hour
)

// RedisStore implements SnapshotStore in Redis, sharing snapshots between
// console instances of the same agent.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis creates a RedisStore connected to redisAddr.
func NewRedis(redisAddr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: redis connection failed: %w", err)
	}

	return &RedisStore{client: client, ttl: SnapshotTTL}, nil
}

// Save stores the snapshot for agentID and refreshes its TTL.
func (s *RedisStore) Save(ctx context.Context, agentID string, sessions []session.Session) error {
	if sessions == nil {
		sessions = []session.Session{}
	}
	data, err := json.Marshal(record{SavedAt: time.Now().UnixMilli(), Sessions: sessions})
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, SnapshotPrefix+agentID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store: save snapshot: %w", err)
	}
	return nil
}

// Load returns the snapshot stored for agentID.
func (s *RedisStore) Load(ctx context.Context, agentID string) ([]session.Session, time.Time, error) {
	data, err := s.client.Get(ctx, SnapshotPrefix+agentID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("store: load snapshot: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, time.Time{}, fmt.Errorf("store: decode snapshot: %w", err)
	}
	return rec.Sessions, time.UnixMilli(rec.SavedAt), nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
