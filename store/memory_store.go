package store

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/cyberinferno/turnserver/model"
)

// MemoryStore keeps encoded snapshots in process memory using go-cache.
// Entries expire after the configured TTL. Values are stored encoded so a
// loaded snapshot never aliases one held by a caller.
type MemoryStore struct {
	cache *cache.Cache
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory snapshot store.
//
// Parameters:
//   - ttl: How long a snapshot is kept (use cache.NoExpiration to keep forever)
//   - cleanupInterval: Interval at which expired snapshots are removed
//
// Returns:
//   - A new MemoryStore
func NewMemoryStore(ttl, cleanupInterval time.Duration) *MemoryStore {
	return &MemoryStore{cache: cache.New(ttl, cleanupInterval)}
}

func (s *MemoryStore) Save(ctx context.Context, snap *model.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := snap.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	s.cache.SetDefault(string(snap.ID), data)
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, id model.GameID) (*model.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	val, found := s.cache.Get(string(id))
	if !found {
		return nil, fmt.Errorf("%w: %s", model.ErrSnapshotNotFound, id)
	}

	data, ok := val.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected type in store for %s", id)
	}

	snap, err := model.UnmarshalSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	return snap, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id model.GameID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.cache.Delete(string(id))
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]model.GameID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items := s.cache.Items()
	ids := make([]model.GameID, 0, len(items))
	for key := range items {
		ids = append(ids, model.GameID(key))
	}

	return ids, nil
}
