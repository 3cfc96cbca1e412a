package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cyberinferno/turnserver/logger"
	"github.com/cyberinferno/turnserver/model"
	"github.com/cyberinferno/turnserver/session"
)

func loggerFields(id model.GameID, conn model.ConnectionID, err error) []logger.Field {
	return []logger.Field{
		{Key: "game_id", Value: id},
		{Key: "conn_id", Value: conn},
		{Key: "error", Value: err},
	}
}

// reapable reports whether a committed view may be removed at now.
func (r *Registry) reapable(v model.SessionView, now time.Time) bool {
	switch v.Status {
	case model.StatusAbandoned, model.StatusCorrupted:
		return true
	case model.StatusFinished:
		return v.BoundCount() == 0 || !now.Before(v.EndedAt.Add(r.cfg.Retention))
	default:
		return false
	}
}

// Reap removes abandoned sessions, and finished sessions that are past the
// retention window or have no connected player. InProgress sessions are
// never removed.
//
// Returns:
//   - The number of sessions removed
func (r *Registry) Reap(ctx context.Context) int {
	now := r.clock.Now()

	r.mu.RLock()
	var candidates []*entry
	for _, e := range r.entries {
		if r.reapable(*e.view.Load(), now) {
			candidates = append(candidates, e)
		}
	}
	r.mu.RUnlock()

	var removed []model.GameID
	for _, e := range candidates {
		if err := e.gate.Acquire(ctx, gateWeight); err != nil {
			break
		}

		if !e.removed && r.reapable(e.session.View(), now) {
			r.evict(e)
			removed = append(removed, e.id)
		}
		e.gate.Release(gateWeight)
	}

	if r.store != nil {
		for _, id := range removed {
			if err := r.store.Delete(ctx, id); err != nil {
				r.logger.Warn("failed to delete snapshot", logger.Field{Key: "game_id", Value: id}, logger.Field{Key: "error", Value: err})
			}
		}
	}

	if len(removed) > 0 {
		r.logger.Info("reaped sessions", logger.Field{Key: "count", Value: len(removed)})
	}

	return len(removed)
}

// Run reaps every ReapInterval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	interval := r.cfg.ReapInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Reap(ctx)
		}
	}
}

func (r *Registry) snapshot(ctx context.Context, id model.GameID) (*model.Snapshot, error) {
	var snap *model.Snapshot
	err := r.ReadSession(ctx, id, func(s *session.Session) error {
		var err error
		snap, err = s.Snapshot(r.clock.Now())
		return err
	})

	return snap, err
}

// Snapshot serializes a session for persistence.
func (r *Registry) Snapshot(ctx context.Context, id model.GameID) ([]byte, error) {
	snap, err := r.snapshot(ctx, id)
	if err != nil {
		return nil, err
	}

	return snap.Marshal()
}

// Restore loads a serialized session. Its slots start disconnected with a
// fresh grace period.
//
// Parameters:
//   - ctx: Unused beyond cancellation of the initial commit
//   - data: Bytes produced by Snapshot
//
// Returns:
//   - The restored game ID
//   - An error if the snapshot is invalid, already loaded or over capacity
func (r *Registry) Restore(ctx context.Context, data []byte) (model.GameID, error) {
	snap, err := model.UnmarshalSnapshot(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrBadRequest, err)
	}

	return r.restore(snap)
}

func (r *Registry) restore(snap *model.Snapshot) (model.GameID, error) {
	engine, err := r.catalog.Lookup(snap.Type)
	if err != nil {
		return "", err
	}

	s, err := session.Restore(snap, engine, r.cfg.Session, r.clock.Now())
	if err != nil {
		return "", err
	}

	if err := r.insert(s); err != nil {
		return "", err
	}

	r.logger.Info("game restored",
		logger.Field{Key: "game_id", Value: s.ID()},
		logger.Field{Key: "status", Value: s.Status()},
		logger.Field{Key: "history_len", Value: s.HistoryLen()},
	)

	return s.ID(), nil
}

// Checkpoint writes the session's snapshot to the store.
func (r *Registry) Checkpoint(ctx context.Context, id model.GameID) error {
	if r.store == nil {
		return ErrNoStore
	}

	snap, err := r.snapshot(ctx, id)
	if err != nil {
		return err
	}

	if err := r.store.Save(ctx, snap); err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", id, err)
	}

	return nil
}

// Recover loads id from the store unless it is already live. Concurrent
// calls for the same id share one load.
func (r *Registry) Recover(ctx context.Context, id model.GameID) error {
	if r.store == nil {
		return ErrNoStore
	}

	_, err, _ := r.recovering.Do(string(id), func() (any, error) {
		if _, ok := r.lookup(id); ok {
			return nil, nil
		}

		snap, err := r.store.Load(ctx, id)
		if errors.Is(err, model.ErrSnapshotNotFound) {
			return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
		}
		if err != nil {
			return nil, err
		}

		if snap.Status.Terminal() {
			return nil, fmt.Errorf("%w: %s", model.ErrSessionFinished, id)
		}

		_, err = r.restore(snap)
		return nil, err
	})

	return err
}

// RecoverAll restores every snapshot in the store that is not already live.
//
// Returns:
//   - The number of sessions restored
//   - The joined errors of snapshots that could not be restored
func (r *Registry) RecoverAll(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, ErrNoStore
	}

	ids, err := r.store.List(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	var errs []error
	for _, id := range ids {
		if _, ok := r.lookup(id); ok {
			continue
		}

		if err := r.Recover(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("recover %s: %w", id, err))
			continue
		}
		restored++
	}

	return restored, errors.Join(errs...)
}

// Drain stops new sessions and all timers, then checkpoints every
// non-terminal session when a store is configured.
func (r *Registry) Drain(ctx context.Context) error {
	r.draining.Store(true)

	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var errs []error
	saved := 0
	for _, e := range entries {
		if err := e.gate.Acquire(ctx, gateWeight); err != nil {
			errs = append(errs, err)
			break
		}

		r.stopTimers(e)
		var snap *model.Snapshot
		var err error
		if r.store != nil && !e.removed && !e.session.Status().Terminal() {
			snap, err = e.session.Snapshot(r.clock.Now())
		}
		e.gate.Release(gateWeight)

		if err != nil {
			errs = append(errs, fmt.Errorf("snapshot %s: %w", e.id, err))
			continue
		}

		if snap != nil {
			if err := r.store.Save(ctx, snap); err != nil {
				errs = append(errs, fmt.Errorf("failed to save snapshot %s: %w", e.id, err))
				continue
			}
			saved++
		}
	}

	r.logger.Info("registry drained", logger.Field{Key: "sessions", Value: len(entries)}, logger.Field{Key: "checkpointed", Value: saved})
	return errors.Join(errs...)
}
