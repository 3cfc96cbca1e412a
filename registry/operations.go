package registry

import (
	"context"
	"fmt"

	"github.com/cyberinferno/turnserver/model"
	"github.com/cyberinferno/turnserver/session"
)

// Join binds conn to a slot of id. want selects a specific slot.
func (r *Registry) Join(ctx context.Context, conn model.ConnectionID, id model.GameID, want *model.Slot) (session.JoinResult, error) {
	if err := r.checkConnectionLimit(conn, id); err != nil {
		return session.JoinResult{}, err
	}

	var res session.JoinResult
	err := r.WithSession(ctx, id, func(s *session.Session) ([]session.Outbound, error) {
		var out []session.Outbound
		var err error
		res, out, err = s.Join(conn, want, r.clock.Now())
		return out, err
	})

	return res, err
}

func (r *Registry) checkConnectionLimit(conn model.ConnectionID, id model.GameID) error {
	limit := r.cfg.MaxSessionsPerConnection
	if limit <= 0 {
		return nil
	}

	live := 0
	for _, existing := range r.SessionsFor(conn) {
		if existing == id {
			return nil
		}

		view, err := r.View(existing)
		if err != nil || view.Status.Terminal() {
			continue
		}
		live++
	}

	if live >= limit {
		return fmt.Errorf("%w: connection is already in %d games", model.ErrServerBusy, live)
	}

	return nil
}

// Move submits a move for conn's slot in id.
func (r *Registry) Move(ctx context.Context, conn model.ConnectionID, id model.GameID, move model.Move) error {
	return r.WithSession(ctx, id, func(s *session.Session) ([]session.Outbound, error) {
		return s.SubmitMove(conn, move, r.clock.Now())
	})
}

// Reconnect rebinds conn to a disconnected slot using its token.
func (r *Registry) Reconnect(ctx context.Context, conn model.ConnectionID, id model.GameID, slot model.Slot, token string) error {
	return r.WithSession(ctx, id, func(s *session.Session) ([]session.Outbound, error) {
		return s.Reconnect(conn, slot, token, r.clock.Now())
	})
}

// Resign ends id in favour of the next slot after conn's.
func (r *Registry) Resign(ctx context.Context, conn model.ConnectionID, id model.GameID) error {
	return r.WithSession(ctx, id, func(s *session.Session) ([]session.Outbound, error) {
		return s.Resign(conn, r.clock.Now())
	})
}

// OfferDraw records conn's draw vote.
func (r *Registry) OfferDraw(ctx context.Context, conn model.ConnectionID, id model.GameID) error {
	return r.WithSession(ctx, id, func(s *session.Session) ([]session.Outbound, error) {
		return s.OfferDraw(conn, r.clock.Now())
	})
}

// AcceptDraw agrees to a pending draw offer.
func (r *Registry) AcceptDraw(ctx context.Context, conn model.ConnectionID, id model.GameID) error {
	return r.WithSession(ctx, id, func(s *session.Session) ([]session.Outbound, error) {
		return s.AcceptDraw(conn, r.clock.Now())
	})
}

// DeclineDraw clears pending draw offers.
func (r *Registry) DeclineDraw(ctx context.Context, conn model.ConnectionID, id model.GameID) error {
	return r.WithSession(ctx, id, func(s *session.Session) ([]session.Outbound, error) {
		return s.DeclineDraw(conn)
	})
}

// Watch adds conn as an observer of id.
func (r *Registry) Watch(ctx context.Context, conn model.ConnectionID, id model.GameID) error {
	if err := r.checkConnectionLimit(conn, id); err != nil {
		return err
	}

	return r.WithSession(ctx, id, func(s *session.Session) ([]session.Outbound, error) {
		return s.Watch(conn)
	})
}

// LegalMoves lists the moves available to conn in id. Engines may cache
// move generation inside the board, so this takes the exclusive gate.
func (r *Registry) LegalMoves(ctx context.Context, conn model.ConnectionID, id model.GameID) ([]model.Move, error) {
	var moves []model.Move
	err := r.WithSession(ctx, id, func(s *session.Session) ([]session.Outbound, error) {
		var err error
		moves, err = s.LegalMoves(conn)
		return nil, err
	})

	return moves, err
}

// State returns a full snapshot of id for clients.
func (r *Registry) State(ctx context.Context, id model.GameID) (model.GameState, error) {
	var state model.GameState
	err := r.ReadSession(ctx, id, func(s *session.Session) error {
		var err error
		state, err = s.State()
		return err
	})

	return state, err
}

// ActiveGame returns the only InProgress session conn plays in.
//
// Returns:
//   - The game ID
//   - model.ErrAmbiguousGame when conn plays in zero or several active games
func (r *Registry) ActiveGame(ctx context.Context, conn model.ConnectionID) (model.GameID, error) {
	var found []model.GameID
	for _, id := range r.SessionsFor(conn) {
		if v, err := r.View(id); err != nil || v.Status != model.StatusInProgress {
			continue
		}

		err := r.ReadSession(ctx, id, func(s *session.Session) error {
			if _, ok := s.SlotOf(conn); ok {
				found = append(found, id)
			}
			return nil
		})
		if err != nil {
			continue
		}
	}

	if len(found) != 1 {
		return "", model.ErrAmbiguousGame
	}

	return found[0], nil
}

// Disconnect unbinds conn from every session it belongs to and forgets it.
func (r *Registry) Disconnect(ctx context.Context, conn model.ConnectionID) {
	for _, id := range r.SessionsFor(conn) {
		err := r.mutate(ctx, id, false, func(e *entry) ([]session.Outbound, error) {
			return e.session.Disconnect(conn, r.clock.Now()), nil
		})
		if err != nil {
			r.logger.Debug("disconnect skipped", loggerFields(id, conn, err)...)
		}
	}

	r.byConn.Delete(conn)
}
