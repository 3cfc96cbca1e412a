package session

import (
	"fmt"
	"time"

	"github.com/cyberinferno/turnserver/model"
	"github.com/cyberinferno/turnserver/rules"
)

// Snapshot captures everything needed to resume the session. Connection
// bindings are not captured; slot tokens are.
func (s *Session) Snapshot(now time.Time) (*model.Snapshot, error) {
	board, err := s.engine.Encode(s.board)
	if err != nil {
		return nil, fmt.Errorf("encode board: %w", err)
	}

	slots := make([]model.SlotRecord, len(s.slots))
	for i, b := range s.slots {
		slots[i] = model.SlotRecord{Reserved: b.reserved, Token: b.token}
	}

	return &model.Snapshot{
		Version:   model.SnapshotVersion,
		ID:        s.id,
		Type:      s.engine.Type(),
		Slots:     slots,
		Board:     board,
		Turn:      s.turn,
		History:   s.History(),
		Status:    s.status,
		Outcome:   s.outcome,
		Reason:    s.reason,
		DrawVotes: s.drawAgreed(),
		CreatedAt: s.createdAt,
		StartedAt: s.startedAt,
		EndedAt:   s.endedAt,
		SavedAt:   now,
	}, nil
}

// Restore rebuilds a session from a snapshot. No connection is bound after
// restore: reserved slots of a game in progress count as disconnected from
// now and get a fresh grace period. Slots of a game still waiting for
// players are released.
func Restore(snap *model.Snapshot, engine rules.Engine, cfg Config, now time.Time) (*Session, error) {
	if snap.Version != model.SnapshotVersion {
		return nil, fmt.Errorf("%w: snapshot version %d", model.ErrBadRequest, snap.Version)
	}

	if snap.Type != engine.Type() {
		return nil, fmt.Errorf("%w: snapshot is %s, engine is %s", model.ErrUnknownGameType, snap.Type, engine.Type())
	}

	if snap.Status == model.StatusCorrupted {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionCorrupted, snap.ID)
	}

	board, err := engine.Decode(snap.Board)
	if err != nil {
		return nil, fmt.Errorf("decode board: %w", err)
	}

	s := &Session{
		id:        snap.ID,
		engine:    engine,
		cfg:       cfg,
		slots:     make([]binding, len(snap.Slots)),
		board:     board,
		turn:      snap.Turn,
		history:   append([]model.Move(nil), snap.History...),
		status:    snap.Status,
		outcome:   snap.Outcome,
		reason:    snap.Reason,
		drawVotes: make([]bool, len(snap.Slots)),
		createdAt: snap.CreatedAt,
		startedAt: snap.StartedAt,
		endedAt:   snap.EndedAt,
	}

	for i, rec := range snap.Slots {
		switch snap.Status {
		case model.StatusWaitingForPlayers:
		case model.StatusInProgress:
			s.slots[i] = binding{reserved: rec.Reserved, token: rec.Token, disconnectedAt: now}
		default:
			s.slots[i] = binding{reserved: rec.Reserved, token: rec.Token}
		}
	}

	for _, slot := range snap.DrawVotes {
		if slot < 0 || int(slot) >= len(s.drawVotes) {
			return nil, fmt.Errorf("%w: draw vote for slot %d", model.ErrSessionCorrupted, slot)
		}
		s.drawVotes[slot] = true
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return s, nil
}
