package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cyberinferno/turnserver/model"
)

// KeyPrefix namespaces snapshot keys in Redis.
const KeyPrefix = "turnserver:snapshot:"

// RedisStore keeps snapshots as JSON strings in Redis so several server
// processes, or a restarted one, can share them.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed snapshot store.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	snapshots := NewRedisStore(client, 24*time.Hour)
//
// Parameters:
//   - client: Connected Redis client
//   - ttl: Expiry applied to every saved snapshot; zero keeps them forever
//
// Returns:
//   - A new RedisStore
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func key(id model.GameID) string {
	return KeyPrefix + string(id)
}

func (s *RedisStore) Save(ctx context.Context, snap *model.Snapshot) error {
	data, err := snap.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := s.client.Set(ctx, key(snap.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	return nil
}

func (s *RedisStore) Load(ctx context.Context, id model.GameID) (*model.Snapshot, error) {
	val, err := s.client.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", model.ErrSnapshotNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("redis get error: %w", err)
	}

	snap, err := model.UnmarshalSnapshot(val)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	return snap, nil
}

func (s *RedisStore) Delete(ctx context.Context, id model.GameID) error {
	if err := s.client.Del(ctx, key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}

	return nil
}

// List scans the snapshot key space. SCAN is used instead of KEYS so large
// stores do not block the server.
func (s *RedisStore) List(ctx context.Context) ([]model.GameID, error) {
	var ids []model.GameID

	iter := s.client.Scan(ctx, 0, KeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if k := iter.Val(); strings.HasPrefix(k, KeyPrefix) {
			ids = append(ids, model.GameID(strings.TrimPrefix(k, KeyPrefix)))
		}
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan snapshots: %w", err)
	}

	return ids, nil
}
