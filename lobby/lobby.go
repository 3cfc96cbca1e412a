// Package lobby pairs connections that ask to play a game type without
// naming a game.
package lobby

import (
	"context"
	"sync"

	"github.com/cyberinferno/turnserver/model"
)

// Sessions is the part of the registry the lobby needs.
type Sessions interface {
	Create(ctx context.Context, gameType model.GameType, slots int) (model.GameID, error)
	View(id model.GameID) (model.SessionView, error)
}

type queueKey struct {
	gameType model.GameType
	slots    int
}

// Lobby hands out the oldest waiting game of the requested type that the
// connection is not already in, creating one when none is open.
type Lobby struct {
	sessions Sessions

	mu     sync.Mutex
	queues map[queueKey][]model.GameID
}

// New creates a lobby over sessions.
func New(sessions Sessions) *Lobby {
	return &Lobby{sessions: sessions, queues: make(map[queueKey][]model.GameID)}
}

// AllocateSlot returns a game with an open slot for conn. The caller joins
// it; a join that loses the race for the last slot should simply allocate
// again.
func (l *Lobby) AllocateSlot(ctx context.Context, conn model.ConnectionID, gameType model.GameType, slots int) (model.GameID, error) {
	key := queueKey{gameType: gameType, slots: slots}

	l.mu.Lock()
	defer l.mu.Unlock()

	open := l.prune(key)
	for _, id := range open {
		if v, err := l.sessions.View(id); err == nil && !v.Has(conn) {
			return id, nil
		}
	}

	id, err := l.sessions.Create(ctx, gameType, slots)
	if err != nil {
		return "", err
	}

	l.queues[key] = append(open, id)
	return id, nil
}

// prune drops games that stopped waiting for players. Must be called with
// mu held.
func (l *Lobby) prune(key queueKey) []model.GameID {
	queue := l.queues[key]
	open := queue[:0]
	for _, id := range queue {
		v, err := l.sessions.View(id)
		if err == nil && v.Status == model.StatusWaitingForPlayers && v.OpenSlots > 0 {
			open = append(open, id)
		}
	}

	if len(open) == 0 {
		delete(l.queues, key)
		return nil
	}

	l.queues[key] = open
	return open
}

// Waiting returns how many matchmade games are still waiting, by game type.
func (l *Lobby) Waiting() map[model.GameType]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	waiting := make(map[model.GameType]int)
	for key := range l.queues {
		if open := l.prune(key); len(open) > 0 {
			waiting[key.gameType] += len(open)
		}
	}

	return waiting
}
