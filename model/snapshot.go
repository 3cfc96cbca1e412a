package model

import (
	"encoding/json"
	"time"
)

// SnapshotVersion is bumped when the Snapshot layout changes incompatibly.
const SnapshotVersion = 1

// SlotRecord is the persisted form of a slot binding. Connections are not
// persisted; a restored slot is reserved and waits for a reconnect.
type SlotRecord struct {
	Reserved bool   `json:"reserved"`
	Token    string `json:"token,omitempty"`
}

// Snapshot is the serialized form of a session: board, history and the
// state machine fields needed to resume it.
type Snapshot struct {
	Version   int             `json:"version"`
	ID        GameID          `json:"game_id"`
	Type      GameType        `json:"game_type"`
	Slots     []SlotRecord    `json:"slots"`
	Board     json.RawMessage `json:"board"`
	Turn      Slot            `json:"turn"`
	History   []Move          `json:"history"`
	Status    Status          `json:"status"`
	Outcome   Outcome         `json:"outcome"`
	Reason    EndReason       `json:"reason,omitempty"`
	DrawVotes []Slot          `json:"draw_votes,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	StartedAt time.Time       `json:"started_at,omitzero"`
	EndedAt   time.Time       `json:"ended_at,omitzero"`
	SavedAt   time.Time       `json:"saved_at"`
}

// Marshal encodes the snapshot as JSON.
func (s *Snapshot) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSnapshot decodes a snapshot produced by Marshal.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}

	return &s, nil
}
