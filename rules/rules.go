// Package rules defines the capability every game type implements and the
// catalog that selects an implementation by type tag. Engines are pure: they
// do no I/O, hold no locks and never mutate a Board in place.
package rules

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cyberinferno/turnserver/model"
)

// Board is a game-specific position. The session core treats it as opaque
// and never inspects it beyond the Engine methods.
type Board interface {
	// String renders the position for logs.
	String() string
}

// Engine validates and applies moves for one game type.
type Engine interface {
	// Type returns the tag sessions store to select this engine.
	Type() model.GameType

	// SlotRange returns the inclusive bounds on the number of player slots.
	SlotRange() (min, max int)

	// SlotLabel returns a display name for a slot, such as "white".
	SlotLabel(slot model.Slot) string

	// NewBoard returns the initial position for the given number of slots.
	NewBoard(slots int) (Board, error)

	// LegalMoves lists the moves available to slot. It is empty when slot is
	// not the player to move or when no legal move exists.
	LegalMoves(b Board, slot model.Slot) []model.Move

	// Apply returns the position after slot plays m. It fails with an error
	// wrapping model.ErrIllegalMove when m is not in LegalMoves(b, slot).
	// The returned board shares no mutable state with b.
	Apply(b Board, slot model.Slot, m model.Move) (Board, error)

	// Outcome evaluates whether the position has ended.
	Outcome(b Board) model.Outcome

	// Encode serializes the board for clients and snapshots.
	Encode(b Board) (json.RawMessage, error)

	// Decode restores a board produced by Encode.
	Decode(data json.RawMessage) (Board, error)
}

// Catalog maps game type tags to engines. It is immutable after construction
// and safe for concurrent use.
type Catalog struct {
	engines map[model.GameType]Engine
}

// NewCatalog builds a Catalog from the given engines. A later engine with the
// same type tag replaces an earlier one.
func NewCatalog(engines ...Engine) *Catalog {
	c := &Catalog{engines: make(map[model.GameType]Engine, len(engines))}
	for _, e := range engines {
		c.engines[e.Type()] = e
	}

	return c
}

// Lookup returns the engine registered for t.
func (c *Catalog) Lookup(t model.GameType) (Engine, error) {
	e, ok := c.engines[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownGameType, t)
	}

	return e, nil
}

// Types returns the registered type tags in sorted order.
func (c *Catalog) Types() []model.GameType {
	types := make([]model.GameType, 0, len(c.engines))
	for t := range c.engines {
		types = append(types, t)
	}

	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// ResolveSlots validates a requested slot count for t. Zero selects the
// engine's minimum.
func (c *Catalog) ResolveSlots(t model.GameType, slots int) (Engine, int, error) {
	e, err := c.Lookup(t)
	if err != nil {
		return nil, 0, err
	}

	lo, hi := e.SlotRange()
	if slots == 0 {
		slots = lo
	}

	if slots < lo || slots > hi {
		return nil, 0, fmt.Errorf("%w: %s supports %d to %d slots, got %d", model.ErrInvalidSlotCount, t, lo, hi, slots)
	}

	return e, slots, nil
}

// IsLegal reports whether m appears in moves.
func IsLegal(moves []model.Move, m model.Move) bool {
	for _, candidate := range moves {
		if candidate == m {
			return true
		}
	}

	return false
}
