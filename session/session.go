// Package session implements the turn protocol state machine for one match.
//
// A Session is not safe for concurrent use. The registry serializes every
// call through its per-session gate; the session itself only validates,
// mutates and reports the events each transition produced.
package session

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cyberinferno/turnserver/model"
	"github.com/cyberinferno/turnserver/rules"
)

// Config holds the timing policy of a session.
type Config struct {
	// JoinTimeout abandons a session whose slots are not all bound in time.
	JoinTimeout time.Duration
	// GracePeriod is how long a disconnected player may take to reconnect
	// before forfeiting.
	GracePeriod time.Duration
	// AllowObservers lets non-players watch the session.
	AllowObservers bool
}

// Outbound is an event and the connections it must be delivered to.
type Outbound struct {
	To    []model.ConnectionID
	Event model.Event
}

// JoinResult is returned by a successful Join.
type JoinResult struct {
	Slot  model.Slot
	Token string
}

type binding struct {
	conn           model.ConnectionID
	bound          bool
	reserved       bool
	token          string
	disconnectedAt time.Time
}

// Session is one match: slot bindings, board, turn pointer, history and status.
type Session struct {
	id     model.GameID
	engine rules.Engine
	cfg    Config

	slots     []binding
	observers []model.ConnectionID

	board     rules.Board
	turn      model.Slot
	history   []model.Move
	status    model.Status
	outcome   model.Outcome
	reason    model.EndReason
	drawVotes []bool

	createdAt time.Time
	startedAt time.Time
	endedAt   time.Time
}

// New creates a session in WaitingForPlayers with the engine's initial board.
func New(id model.GameID, engine rules.Engine, slotCount int, cfg Config, now time.Time) (*Session, error) {
	lo, hi := engine.SlotRange()
	if slotCount < lo || slotCount > hi {
		return nil, fmt.Errorf("%w: %s supports %d to %d slots, got %d", model.ErrInvalidSlotCount, engine.Type(), lo, hi, slotCount)
	}

	board, err := engine.NewBoard(slotCount)
	if err != nil {
		return nil, err
	}

	return &Session{
		id:        id,
		engine:    engine,
		cfg:       cfg,
		slots:     make([]binding, slotCount),
		board:     board,
		status:    model.StatusWaitingForPlayers,
		outcome:   model.Ongoing(),
		drawVotes: make([]bool, slotCount),
		createdAt: now,
	}, nil
}

// ID returns the game ID.
func (s *Session) ID() model.GameID { return s.id }

// Type returns the game type tag of the session's engine.
func (s *Session) Type() model.GameType { return s.engine.Type() }

// Status returns the lifecycle status.
func (s *Session) Status() model.Status { return s.status }

// Turn returns the slot expected to move next.
func (s *Session) Turn() model.Slot { return s.turn }

// Outcome returns the current outcome, Ongoing until the game ends.
func (s *Session) Outcome() model.Outcome { return s.outcome }

// Board returns the current board.
func (s *Session) Board() rules.Board { return s.board }

// HistoryLen returns the number of applied moves.
func (s *Session) HistoryLen() int { return len(s.history) }

// SlotCount returns the number of player slots.
func (s *Session) SlotCount() int { return len(s.slots) }

// History returns a copy of the applied moves.
func (s *Session) History() []model.Move {
	return append([]model.Move(nil), s.history...)
}

// SlotOf returns the slot conn is bound to.
func (s *Session) SlotOf(conn model.ConnectionID) (model.Slot, bool) {
	for i, b := range s.slots {
		if b.bound && b.conn == conn {
			return model.Slot(i), true
		}
	}

	return 0, false
}

// Members returns every bound connection followed by the observers.
func (s *Session) Members() []model.ConnectionID {
	members := make([]model.ConnectionID, 0, len(s.slots)+len(s.observers))
	for _, b := range s.slots {
		if b.bound {
			members = append(members, b.conn)
		}
	}

	return append(members, s.observers...)
}

func (s *Session) membersExcept(conn model.ConnectionID) []model.ConnectionID {
	all := s.Members()
	out := all[:0]
	for _, c := range all {
		if c != conn {
			out = append(out, c)
		}
	}

	return out
}

func (s *Session) broadcast(t model.EventType, payload any) Outbound {
	return Outbound{To: s.Members(), Event: model.Event{Type: t, GameID: s.id, Payload: payload}}
}

// Join binds conn to an unoccupied slot, or to want when given. Binding the
// last free slot starts the game. Joining again from an already bound
// connection returns its existing slot.
func (s *Session) Join(conn model.ConnectionID, want *model.Slot, now time.Time) (JoinResult, []Outbound, error) {
	if s.status.Terminal() {
		return JoinResult{}, nil, model.ErrSessionFinished
	}

	if slot, ok := s.SlotOf(conn); ok {
		return JoinResult{Slot: slot, Token: s.slots[slot].token}, nil, nil
	}

	switch s.status {
	case model.StatusWaitingForPlayers:
	case model.StatusInProgress:
		return JoinResult{}, nil, fmt.Errorf("%w: game already started", model.ErrSlotOccupied)
	default:
		return JoinResult{}, nil, model.ErrSessionFinished
	}

	slot, err := s.pickSlot(want)
	if err != nil {
		return JoinResult{}, nil, err
	}

	s.removeObserver(conn)
	s.slots[slot] = binding{conn: conn, bound: true, reserved: true, token: uuid.NewString()}
	result := JoinResult{Slot: slot, Token: s.slots[slot].token}

	var out []Outbound
	if others := s.membersExcept(conn); len(others) > 0 {
		out = append(out, Outbound{To: others, Event: model.Event{
			Type:    model.EventPlayerStatus,
			GameID:  s.id,
			Payload: model.PlayerStatus{Slot: slot, Connected: true},
		}})
	}

	if s.allReserved() {
		started, err := s.start(now)
		if err != nil {
			s.slots[slot] = binding{}
			return JoinResult{}, nil, err
		}
		out = append(out, started)
	}

	return result, out, nil
}

func (s *Session) pickSlot(want *model.Slot) (model.Slot, error) {
	if want != nil {
		if *want < 0 || int(*want) >= len(s.slots) {
			return 0, fmt.Errorf("%w: no slot %d", model.ErrBadRequest, *want)
		}

		if s.slots[*want].reserved {
			return 0, fmt.Errorf("%w: slot %d", model.ErrSlotOccupied, *want)
		}

		return *want, nil
	}

	for i, b := range s.slots {
		if !b.reserved {
			return model.Slot(i), nil
		}
	}

	return 0, fmt.Errorf("%w: no free slot", model.ErrSlotOccupied)
}

func (s *Session) allReserved() bool {
	for _, b := range s.slots {
		if !b.reserved {
			return false
		}
	}

	return true
}

func (s *Session) start(now time.Time) (Outbound, error) {
	board, err := s.engine.Encode(s.board)
	if err != nil {
		return Outbound{}, fmt.Errorf("encode board: %w", err)
	}

	s.status = model.StatusInProgress
	s.startedAt = now

	return s.broadcast(model.EventGameStarted, model.GameStarted{
		Slots: s.slotInfo(),
		Board: board,
		Turn:  s.turn,
	}), nil
}

// SubmitMove applies move for conn's slot. A rejected move leaves the
// session unchanged.
func (s *Session) SubmitMove(conn model.ConnectionID, move model.Move, now time.Time) ([]Outbound, error) {
	slot, ok := s.SlotOf(conn)
	if !ok {
		return nil, model.ErrNotParticipant
	}

	if s.status != model.StatusInProgress {
		return nil, fmt.Errorf("%w: status is %s", model.ErrGameNotInProgress, s.status)
	}

	if slot != s.turn {
		return nil, fmt.Errorf("%w: %s to move", model.ErrNotYourTurn, s.engine.SlotLabel(s.turn))
	}

	// Notations are case-insensitive; history keeps the canonical form.
	move = model.Move(strings.ToLower(strings.TrimSpace(string(move))))

	next, err := s.engine.Apply(s.board, slot, move)
	if err != nil {
		return nil, err
	}

	encoded, err := s.engine.Encode(next)
	if err != nil {
		return nil, fmt.Errorf("encode board: %w", err)
	}

	outcome := s.engine.Outcome(next)

	s.board = next
	s.history = append(s.history, move)
	s.turn = model.Slot((int(s.turn) + 1) % len(s.slots))
	s.clearDrawVotes()

	applied := model.MoveApplied{Slot: slot, Move: move, Board: encoded, HistoryLen: len(s.history)}
	if !outcome.Terminal() {
		turn := s.turn
		applied.Turn = &turn
		return []Outbound{s.broadcast(model.EventMoveApplied, applied)}, nil
	}

	applied.Outcome = &outcome
	out := []Outbound{s.broadcast(model.EventMoveApplied, applied)}
	return append(out, s.finish(outcome, model.ReasonCompleted, now)), nil
}

func (s *Session) finish(outcome model.Outcome, reason model.EndReason, now time.Time) Outbound {
	s.status = model.StatusFinished
	s.outcome = outcome
	s.reason = reason
	s.endedAt = now
	s.clearDrawVotes()

	return s.broadcast(model.EventGameEnded, model.GameEnded{Outcome: outcome, Reason: reason})
}

// Disconnect unbinds conn. While waiting for players the slot is released;
// during play it stays reserved and the grace period starts.
func (s *Session) Disconnect(conn model.ConnectionID, now time.Time) []Outbound {
	if s.removeObserver(conn) {
		return nil
	}

	slot, ok := s.SlotOf(conn)
	if !ok {
		return nil
	}

	switch s.status {
	case model.StatusWaitingForPlayers:
		s.slots[slot] = binding{}
	case model.StatusInProgress:
		s.slots[slot].bound = false
		s.slots[slot].conn = 0
		s.slots[slot].disconnectedAt = now
	default:
		s.slots[slot].bound = false
		s.slots[slot].conn = 0
		return nil
	}

	if len(s.Members()) == 0 {
		return nil
	}

	return []Outbound{s.broadcast(model.EventPlayerStatus, model.PlayerStatus{Slot: slot, Connected: false})}
}

// Reconnect rebinds a reserved, disconnected slot to conn within the grace
// period and sends conn a full snapshot. After the deadline the slot is
// forfeited and the call fails with ErrSessionFinished.
func (s *Session) Reconnect(conn model.ConnectionID, slot model.Slot, token string, now time.Time) ([]Outbound, error) {
	if s.status.Terminal() {
		return nil, model.ErrSessionFinished
	}

	if s.status != model.StatusInProgress {
		return nil, fmt.Errorf("%w: join instead", model.ErrGameNotInProgress)
	}

	if slot < 0 || int(slot) >= len(s.slots) {
		return nil, fmt.Errorf("%w: no slot %d", model.ErrBadRequest, slot)
	}

	b := s.slots[slot]
	if subtle.ConstantTimeCompare([]byte(b.token), []byte(token)) != 1 {
		return nil, model.ErrInvalidToken
	}

	if b.bound {
		if b.conn == conn {
			return []Outbound{s.stateFor(conn)}, nil
		}
		return nil, fmt.Errorf("%w: slot %d is connected", model.ErrSlotOccupied, slot)
	}

	if current, ok := s.SlotOf(conn); ok {
		return nil, fmt.Errorf("%w: connection already plays slot %d", model.ErrSlotOccupied, current)
	}

	if !now.Before(b.disconnectedAt.Add(s.cfg.GracePeriod)) {
		return []Outbound{s.forfeit(slot, now)}, model.ErrSessionFinished
	}

	s.removeObserver(conn)
	s.slots[slot].bound = true
	s.slots[slot].conn = conn
	s.slots[slot].disconnectedAt = time.Time{}

	out := make([]Outbound, 0, 2)
	if others := s.membersExcept(conn); len(others) > 0 {
		out = append(out, Outbound{To: others, Event: model.Event{
			Type:    model.EventPlayerStatus,
			GameID:  s.id,
			Payload: model.PlayerStatus{Slot: slot, Connected: true},
		}})
	}

	return append(out, s.stateFor(conn)), nil
}

// Deadlines returns the times at which Expire may change the session: the
// join deadline while waiting, and each disconnected slot's grace deadline
// during play.
func (s *Session) Deadlines() []time.Time {
	switch s.status {
	case model.StatusWaitingForPlayers:
		return []time.Time{s.createdAt.Add(s.cfg.JoinTimeout)}
	case model.StatusInProgress:
		var deadlines []time.Time
		for _, b := range s.slots {
			if b.reserved && !b.bound && !b.disconnectedAt.IsZero() {
				deadlines = append(deadlines, b.disconnectedAt.Add(s.cfg.GracePeriod))
			}
		}
		return deadlines
	default:
		return nil
	}
}

// Expire applies every deadline that has passed at now: join timeout
// abandonment or grace-period forfeit.
func (s *Session) Expire(now time.Time) []Outbound {
	switch s.status {
	case model.StatusWaitingForPlayers:
		if now.Before(s.createdAt.Add(s.cfg.JoinTimeout)) {
			return nil
		}

		s.status = model.StatusAbandoned
		s.reason = model.ReasonAbandonment
		s.endedAt = now
		return []Outbound{s.broadcast(model.EventGameEnded, model.GameEnded{Outcome: s.outcome, Reason: model.ReasonAbandonment})}

	case model.StatusInProgress:
		expired := -1
		for i, b := range s.slots {
			if !b.reserved || b.bound || b.disconnectedAt.IsZero() {
				continue
			}
			if now.Before(b.disconnectedAt.Add(s.cfg.GracePeriod)) {
				continue
			}

			// The slot that left first forfeits.
			if expired < 0 || b.disconnectedAt.Before(s.slots[expired].disconnectedAt) {
				expired = i
			}
		}

		if expired >= 0 {
			return []Outbound{s.forfeit(model.Slot(expired), now)}
		}
	}

	return nil
}

func (s *Session) forfeit(slot model.Slot, now time.Time) Outbound {
	return s.finish(model.Decisive(s.successor(slot), model.MethodForfeit), model.ReasonAbandonment, now)
}

// successor is the slot after from in rotation order, preferring one that
// is still connected.
func (s *Session) successor(from model.Slot) model.Slot {
	n := len(s.slots)
	for i := 1; i < n; i++ {
		c := (int(from) + i) % n
		if s.slots[c].bound {
			return model.Slot(c)
		}
	}

	return model.Slot((int(from) + 1) % n)
}

// Resign ends the game in favour of the slot after the resigner.
func (s *Session) Resign(conn model.ConnectionID, now time.Time) ([]Outbound, error) {
	slot, err := s.playingSlot(conn)
	if err != nil {
		return nil, err
	}

	outcome := model.Decisive(s.successor(slot), model.MethodResignation)
	return []Outbound{s.finish(outcome, model.ReasonResignation, now)}, nil
}

// OfferDraw records conn's agreement to a draw. When every slot agrees the
// game ends drawn.
func (s *Session) OfferDraw(conn model.ConnectionID, now time.Time) ([]Outbound, error) {
	slot, err := s.playingSlot(conn)
	if err != nil {
		return nil, err
	}

	return s.voteDraw(slot, now), nil
}

// AcceptDraw agrees to a pending offer. It fails with ErrNoDrawOffer when
// no other slot has offered.
func (s *Session) AcceptDraw(conn model.ConnectionID, now time.Time) ([]Outbound, error) {
	slot, err := s.playingSlot(conn)
	if err != nil {
		return nil, err
	}

	if !s.drawPendingFromOthers(slot) {
		return nil, model.ErrNoDrawOffer
	}

	return s.voteDraw(slot, now), nil
}

// DeclineDraw clears every pending draw vote.
func (s *Session) DeclineDraw(conn model.ConnectionID) ([]Outbound, error) {
	slot, err := s.playingSlot(conn)
	if err != nil {
		return nil, err
	}

	if !s.drawPendingFromOthers(slot) {
		return nil, model.ErrNoDrawOffer
	}

	s.clearDrawVotes()
	return []Outbound{s.broadcast(model.EventDrawOffer, model.DrawOffer{From: slot, Agreed: []model.Slot{}})}, nil
}

func (s *Session) voteDraw(slot model.Slot, now time.Time) []Outbound {
	s.drawVotes[slot] = true

	agreed := s.drawAgreed()
	if len(agreed) == len(s.slots) {
		return []Outbound{s.finish(model.Draw(model.MethodAgreement), model.ReasonAgreement, now)}
	}

	return []Outbound{s.broadcast(model.EventDrawOffer, model.DrawOffer{From: slot, Agreed: agreed})}
}

func (s *Session) drawAgreed() []model.Slot {
	agreed := make([]model.Slot, 0, len(s.drawVotes))
	for i, v := range s.drawVotes {
		if v {
			agreed = append(agreed, model.Slot(i))
		}
	}

	return agreed
}

func (s *Session) drawPendingFromOthers(slot model.Slot) bool {
	for i, v := range s.drawVotes {
		if v && model.Slot(i) != slot {
			return true
		}
	}

	return false
}

func (s *Session) clearDrawVotes() {
	for i := range s.drawVotes {
		s.drawVotes[i] = false
	}
}

func (s *Session) playingSlot(conn model.ConnectionID) (model.Slot, error) {
	slot, ok := s.SlotOf(conn)
	if !ok {
		return 0, model.ErrNotParticipant
	}

	if s.status != model.StatusInProgress {
		return 0, fmt.Errorf("%w: status is %s", model.ErrGameNotInProgress, s.status)
	}

	return slot, nil
}

// Watch adds conn as an observer and sends it the current state.
func (s *Session) Watch(conn model.ConnectionID) ([]Outbound, error) {
	if !s.cfg.AllowObservers {
		return nil, model.ErrObserversDisabled
	}

	if s.status.Terminal() {
		return nil, model.ErrSessionFinished
	}

	if _, ok := s.SlotOf(conn); !ok && !s.isObserver(conn) {
		s.observers = append(s.observers, conn)
	}

	return []Outbound{s.stateFor(conn)}, nil
}

func (s *Session) isObserver(conn model.ConnectionID) bool {
	for _, c := range s.observers {
		if c == conn {
			return true
		}
	}

	return false
}

func (s *Session) removeObserver(conn model.ConnectionID) bool {
	for i, c := range s.observers {
		if c == conn {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			return true
		}
	}

	return false
}

// Corrupt marks the session as failed after an internal error and tells
// every member the game ended.
func (s *Session) Corrupt(now time.Time) []Outbound {
	s.status = model.StatusCorrupted
	s.reason = model.ReasonInternalError
	s.endedAt = now

	return []Outbound{s.broadcast(model.EventGameEnded, model.GameEnded{Outcome: s.outcome, Reason: model.ReasonInternalError})}
}

// LegalMoves lists the moves conn may play now. It is empty when it is not
// conn's turn.
func (s *Session) LegalMoves(conn model.ConnectionID) ([]model.Move, error) {
	slot, err := s.playingSlot(conn)
	if err != nil {
		return nil, err
	}

	return s.engine.LegalMoves(s.board, slot), nil
}

// State returns a full snapshot of the session for clients.
func (s *Session) State() (model.GameState, error) {
	board, err := s.engine.Encode(s.board)
	if err != nil {
		return model.GameState{}, fmt.Errorf("encode board: %w", err)
	}

	return model.GameState{View: s.View(), Board: board, History: s.History()}, nil
}

func (s *Session) stateFor(conn model.ConnectionID) Outbound {
	state, err := s.State()
	if err != nil {
		return Outbound{To: []model.ConnectionID{conn}, Event: model.NewErrorEvent(s.id, "", err)}
	}

	return Outbound{To: []model.ConnectionID{conn}, Event: model.Event{Type: model.EventGameState, GameID: s.id, Payload: state}}
}

func (s *Session) slotInfo() []model.SlotInfo {
	info := make([]model.SlotInfo, len(s.slots))
	for i, b := range s.slots {
		info[i] = model.SlotInfo{
			Slot:      model.Slot(i),
			Label:     s.engine.SlotLabel(model.Slot(i)),
			Occupied:  b.reserved,
			Connected: b.bound,
		}
	}

	return info
}

// View returns an immutable summary of the session.
func (s *Session) View() model.SessionView {
	open := 0
	if s.status == model.StatusWaitingForPlayers {
		for _, b := range s.slots {
			if !b.reserved {
				open++
			}
		}
	}

	return model.SessionView{
		ID:         s.id,
		Type:       s.engine.Type(),
		Status:     s.status,
		Slots:      s.slotInfo(),
		OpenSlots:  open,
		Turn:       s.turn,
		HistoryLen: len(s.history),
		Outcome:    s.outcome,
		Reason:     s.reason,
		Observers:  len(s.observers),
		CreatedAt:  s.createdAt,
		EndedAt:    s.endedAt,
		Members:    s.Members(),
	}
}

// Validate checks the session's structural invariants. A failure means the
// session can no longer be trusted.
func (s *Session) Validate() error {
	n := len(s.slots)
	if lo, hi := s.engine.SlotRange(); n < lo || n > hi {
		return fmt.Errorf("%w: %d slots outside %d..%d", model.ErrSessionCorrupted, n, lo, hi)
	}

	if s.turn < 0 || int(s.turn) >= n {
		return fmt.Errorf("%w: turn %d out of range", model.ErrSessionCorrupted, s.turn)
	}

	if len(s.drawVotes) != n {
		return fmt.Errorf("%w: draw votes for %d slots", model.ErrSessionCorrupted, len(s.drawVotes))
	}

	seen := make(map[model.ConnectionID]bool, n)
	for i, b := range s.slots {
		if b.bound && !b.reserved {
			return fmt.Errorf("%w: slot %d bound but not reserved", model.ErrSessionCorrupted, i)
		}

		if b.bound {
			if seen[b.conn] {
				return fmt.Errorf("%w: connection %d bound twice", model.ErrSessionCorrupted, b.conn)
			}
			seen[b.conn] = true
		}
	}

	switch s.status {
	case model.StatusWaitingForPlayers:
		if len(s.history) > 0 {
			return fmt.Errorf("%w: moves recorded before start", model.ErrSessionCorrupted)
		}
	case model.StatusInProgress:
		if !s.allReserved() {
			return fmt.Errorf("%w: unreserved slot during play", model.ErrSessionCorrupted)
		}
		if s.engine.Outcome(s.board).Terminal() {
			return fmt.Errorf("%w: board is over but game in progress", model.ErrSessionCorrupted)
		}
	case model.StatusFinished:
		if !s.outcome.Terminal() {
			return fmt.Errorf("%w: finished without outcome", model.ErrSessionCorrupted)
		}
	}

	return nil
}
