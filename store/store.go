// Package store persists session snapshots so games survive a restart.
package store

import (
	"context"

	"github.com/cyberinferno/turnserver/model"
)

// Store is a keyed collection of session snapshots. Implementations must be
// safe for concurrent use.
type Store interface {
	// Save writes snap, replacing any snapshot with the same game ID.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - snap: The snapshot to persist
	//
	// Returns:
	//   - An error if the snapshot could not be written
	Save(ctx context.Context, snap *model.Snapshot) error

	// Load returns the snapshot saved for id.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - id: The game to load
	//
	// Returns:
	//   - The snapshot
	//   - model.ErrSnapshotNotFound if nothing is stored for id
	Load(ctx context.Context, id model.GameID) (*model.Snapshot, error)

	// Delete removes the snapshot for id. Deleting a missing snapshot is not
	// an error.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - id: The game to delete
	Delete(ctx context.Context, id model.GameID) error

	// List returns the IDs of every stored snapshot in unspecified order.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//
	// Returns:
	//   - The stored game IDs
	//   - An error if the listing failed
	List(ctx context.Context) ([]model.GameID, error)
}
