// Package dispatch turns decoded requests into registry and lobby calls and
// produces exactly one reply per request.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/cyberinferno/turnserver/clock"
	"github.com/cyberinferno/turnserver/lobby"
	"github.com/cyberinferno/turnserver/logger"
	"github.com/cyberinferno/turnserver/model"
	"github.com/cyberinferno/turnserver/perfmonitor"
	"github.com/cyberinferno/turnserver/protocol"
	"github.com/cyberinferno/turnserver/registry"
)

// matchmakeAttempts bounds how often a matchmade join is retried after
// losing the last slot to another connection.
const matchmakeAttempts = 3

// Dispatcher routes requests for every transport.
type Dispatcher struct {
	registry *registry.Registry
	lobby    *lobby.Lobby
	clock    clock.Clock
	logger   logger.Logger
	timings  *perfmonitor.Recorder
}

// New creates a dispatcher.
//
// Parameters:
//   - reg: The session registry
//   - lob: The matchmaking lobby
//   - clk: Clock for pong timestamps
//   - log: Logger for request outcomes
//   - timings: Receives the duration of every request by type
//
// Returns:
//   - A new Dispatcher
func New(reg *registry.Registry, lob *lobby.Lobby, clk clock.Clock, log logger.Logger, timings *perfmonitor.Recorder) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		lobby:    lob,
		clock:    clk,
		logger:   log.With(logger.Field{Key: "component", Value: "dispatch"}),
		timings:  timings,
	}
}

// HandleRaw decodes one frame and handles it.
func (d *Dispatcher) HandleRaw(ctx context.Context, conn model.ConnectionID, data []byte) model.Event {
	env, err := protocol.Decode(data)
	if err != nil {
		var replyTo string
		var gameID model.GameID
		if env != nil {
			replyTo, gameID = env.ID, env.GameID
		}
		d.logger.Debug("rejected request", logger.Field{Key: "conn_id", Value: conn}, logger.Field{Key: "error", Value: err})
		return model.NewErrorEvent(gameID, replyTo, err)
	}

	return d.Handle(ctx, conn, env)
}

// Handle executes env for conn and returns its reply. Broadcasts produced
// by the request have already been queued when Handle returns.
func (d *Dispatcher) Handle(ctx context.Context, conn model.ConnectionID, env *protocol.Envelope) model.Event {
	pm := perfmonitor.NewPerformanceMonitor()
	pm.Start()

	gameID, eventType, payload, err := d.route(ctx, conn, env)

	pm.Stop()
	if d.timings != nil {
		d.timings.Observe(string(env.Type), pm)
	}

	fields := []logger.Field{
		{Key: "conn_id", Value: conn},
		{Key: "type", Value: env.Type},
		{Key: "game_id", Value: gameID},
		{Key: "duration_ms", Value: pm.ElapsedMilliseconds()},
	}

	if err != nil {
		if model.CodeOf(err) == model.CodeInternalError {
			d.logger.Warn("request failed", append(fields, logger.Field{Key: "error", Value: err})...)
		} else {
			d.logger.Debug("request rejected", append(fields, logger.Field{Key: "error", Value: err})...)
		}
		return model.NewErrorEvent(gameID, env.ID, err)
	}

	d.logger.Debug("request handled", fields...)
	return model.Event{Type: eventType, GameID: gameID, ReplyTo: env.ID, Payload: payload}
}

// Disconnect releases everything conn holds.
func (d *Dispatcher) Disconnect(ctx context.Context, conn model.ConnectionID) {
	d.registry.Disconnect(ctx, conn)
}

func (d *Dispatcher) route(ctx context.Context, conn model.ConnectionID, env *protocol.Envelope) (model.GameID, model.EventType, any, error) {
	switch env.Type {
	case protocol.TypeCreate:
		return d.create(ctx, conn, env)
	case protocol.TypeJoin:
		return d.join(ctx, conn, env)
	case protocol.TypeReconnect:
		return d.reconnect(ctx, conn, env)
	case protocol.TypeMove:
		return d.move(ctx, conn, env)
	case protocol.TypeResign:
		return d.inGame(ctx, conn, env, model.EventResigned, d.registry.Resign)
	case protocol.TypeOfferDraw:
		return d.inGame(ctx, conn, env, model.EventDrawOffered, d.registry.OfferDraw)
	case protocol.TypeAcceptDraw:
		return d.inGame(ctx, conn, env, model.EventDrawOffered, d.registry.AcceptDraw)
	case protocol.TypeDeclineDraw:
		return d.inGame(ctx, conn, env, model.EventDrawDeclined, d.registry.DeclineDraw)
	case protocol.TypeLegalMoves:
		return d.legalMoves(ctx, conn, env)
	case protocol.TypeState:
		return d.state(ctx, env)
	case protocol.TypeWatch:
		return d.watch(ctx, conn, env)
	case protocol.TypeListGames:
		return d.listGames(env)
	case protocol.TypePing:
		return env.GameID, model.EventPong, protocol.Pong{Time: d.clock.Now()}, nil
	default:
		return env.GameID, "", nil, fmt.Errorf("%w: unknown request type %q", model.ErrBadRequest, env.Type)
	}
}

func requireGame(env *protocol.Envelope) error {
	if env.GameID == "" {
		return fmt.Errorf("%w: %s requires game_id", model.ErrBadRequest, env.Type)
	}
	return nil
}

// target picks the envelope's game or the sender's only active game.
func (d *Dispatcher) target(ctx context.Context, conn model.ConnectionID, env *protocol.Envelope) (model.GameID, error) {
	if env.GameID != "" {
		return env.GameID, nil
	}

	return d.registry.ActiveGame(ctx, conn)
}

func (d *Dispatcher) create(ctx context.Context, conn model.ConnectionID, env *protocol.Envelope) (model.GameID, model.EventType, any, error) {
	var req protocol.CreateRequest
	if err := env.Bind(&req); err != nil {
		return "", "", nil, err
	}

	id, err := d.registry.Create(ctx, req.GameType, req.Slots)
	if err != nil {
		return "", "", nil, err
	}

	reply := protocol.Created{}
	if req.Join {
		res, err := d.registry.Join(ctx, conn, id, req.Slot)
		if err != nil {
			return id, "", nil, err
		}
		reply.Slot, reply.Token = &res.Slot, res.Token
	}

	view, err := d.registry.View(id)
	if err != nil {
		return id, "", nil, err
	}
	reply.View = view

	return id, model.EventCreated, reply, nil
}

func (d *Dispatcher) join(ctx context.Context, conn model.ConnectionID, env *protocol.Envelope) (model.GameID, model.EventType, any, error) {
	var req protocol.JoinRequest
	if err := env.Bind(&req); err != nil {
		return env.GameID, "", nil, err
	}

	id := env.GameID
	var err error
	var res joinResult

	switch {
	case id != "":
		res, err = d.joinGame(ctx, conn, id, req.Slot)
	case req.GameType != "":
		for attempt := 0; attempt < matchmakeAttempts; attempt++ {
			id, err = d.lobby.AllocateSlot(ctx, conn, req.GameType, req.Slots)
			if err != nil {
				break
			}

			res, err = d.joinGame(ctx, conn, id, nil)
			if !errors.Is(err, model.ErrSlotOccupied) && !errors.Is(err, model.ErrSessionFinished) {
				break
			}
		}
	default:
		err = fmt.Errorf("%w: join requires game_id or game_type", model.ErrBadRequest)
	}

	if err != nil {
		return id, "", nil, err
	}

	return id, model.EventJoined, protocol.Joined{Slot: res.slot, Label: res.label, Token: res.token, View: res.view}, nil
}

type joinResult struct {
	slot  model.Slot
	label string
	token string
	view  model.SessionView
}

func (d *Dispatcher) joinGame(ctx context.Context, conn model.ConnectionID, id model.GameID, want *model.Slot) (joinResult, error) {
	res, err := d.registry.Join(ctx, conn, id, want)
	if err != nil {
		return joinResult{}, err
	}

	view, err := d.registry.View(id)
	if err != nil {
		return joinResult{}, err
	}

	out := joinResult{slot: res.Slot, token: res.Token, view: view}
	if int(res.Slot) < len(view.Slots) {
		out.label = view.Slots[res.Slot].Label
	}

	return out, nil
}

func (d *Dispatcher) reconnect(ctx context.Context, conn model.ConnectionID, env *protocol.Envelope) (model.GameID, model.EventType, any, error) {
	if err := requireGame(env); err != nil {
		return "", "", nil, err
	}

	var req protocol.ReconnectRequest
	if err := env.Bind(&req); err != nil {
		return env.GameID, "", nil, err
	}

	if err := d.registry.Reconnect(ctx, conn, env.GameID, req.Slot, req.Token); err != nil {
		return env.GameID, "", nil, err
	}

	return env.GameID, model.EventReconnected, protocol.Reconnected{Slot: req.Slot}, nil
}

func (d *Dispatcher) move(ctx context.Context, conn model.ConnectionID, env *protocol.Envelope) (model.GameID, model.EventType, any, error) {
	var req protocol.MoveRequest
	if err := env.Bind(&req); err != nil {
		return env.GameID, "", nil, err
	}

	id, err := d.target(ctx, conn, env)
	if err != nil {
		return env.GameID, "", nil, err
	}

	if err := d.registry.Move(ctx, conn, id, req.Move); err != nil {
		return id, "", nil, err
	}

	return id, model.EventMoveAccepted, protocol.MoveAccepted{Move: req.Move}, nil
}

type gameOp func(ctx context.Context, conn model.ConnectionID, id model.GameID) error

func (d *Dispatcher) inGame(ctx context.Context, conn model.ConnectionID, env *protocol.Envelope, reply model.EventType, op gameOp) (model.GameID, model.EventType, any, error) {
	id, err := d.target(ctx, conn, env)
	if err != nil {
		return env.GameID, "", nil, err
	}

	if err := op(ctx, conn, id); err != nil {
		return id, "", nil, err
	}

	return id, reply, struct{}{}, nil
}

func (d *Dispatcher) legalMoves(ctx context.Context, conn model.ConnectionID, env *protocol.Envelope) (model.GameID, model.EventType, any, error) {
	id, err := d.target(ctx, conn, env)
	if err != nil {
		return env.GameID, "", nil, err
	}

	moves, err := d.registry.LegalMoves(ctx, conn, id)
	if err != nil {
		return id, "", nil, err
	}

	if moves == nil {
		moves = []model.Move{}
	}

	return id, model.EventLegalMoves, protocol.LegalMoves{Moves: moves}, nil
}

func (d *Dispatcher) state(ctx context.Context, env *protocol.Envelope) (model.GameID, model.EventType, any, error) {
	if err := requireGame(env); err != nil {
		return "", "", nil, err
	}

	state, err := d.registry.State(ctx, env.GameID)
	if err != nil {
		return env.GameID, "", nil, err
	}

	return env.GameID, model.EventState, state, nil
}

func (d *Dispatcher) watch(ctx context.Context, conn model.ConnectionID, env *protocol.Envelope) (model.GameID, model.EventType, any, error) {
	if err := requireGame(env); err != nil {
		return "", "", nil, err
	}

	if err := d.registry.Watch(ctx, conn, env.GameID); err != nil {
		return env.GameID, "", nil, err
	}

	view, err := d.registry.View(env.GameID)
	if err != nil {
		return env.GameID, "", nil, err
	}

	return env.GameID, model.EventWatching, protocol.Watching{View: view}, nil
}

func (d *Dispatcher) listGames(env *protocol.Envelope) (model.GameID, model.EventType, any, error) {
	var req protocol.ListGamesRequest
	if err := env.Bind(&req); err != nil {
		return "", "", nil, err
	}

	games := d.registry.List(registry.Filter{Status: req.Status, Type: req.GameType})
	return "", model.EventGames, protocol.Games{Types: d.registry.Catalog().Types(), Games: games}, nil
}
