// Package chess implements the standard chess rules engine on top of
// github.com/notnil/chess. Moves use UCI notation ("e2e4", "e7e8q"), slot 0
// plays White and slot 1 plays Black.
package chess

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/notnil/chess"

	"github.com/cyberinferno/turnserver/model"
	"github.com/cyberinferno/turnserver/rules"
)

// GameType is the catalog tag of the chess engine.
const GameType model.GameType = "chess"

const (
	fiftyMoveHalfMoves = 100
	repetitionLimit    = 3
)

// Board is an immutable chess position together with the repetition keys of
// every position since the last capture or pawn move.
type Board struct {
	pos       *chess.Position
	positions []string
}

// String returns the FEN of the position.
func (b *Board) String() string {
	return b.pos.String()
}

// FEN returns the position in Forsyth-Edwards Notation.
func (b *Board) FEN() string {
	return b.pos.String()
}

type encodedBoard struct {
	FEN       string   `json:"fen"`
	Positions []string `json:"positions"`
}

// Engine is the chess rules engine. The zero value is ready to use.
type Engine struct{}

var _ rules.Engine = Engine{}

// New returns the chess engine.
func New() Engine {
	return Engine{}
}

// Type implements rules.Engine.
func (Engine) Type() model.GameType {
	return GameType
}

// SlotRange implements rules.Engine. Chess is strictly two-player.
func (Engine) SlotRange() (int, int) {
	return 2, 2
}

// SlotLabel implements rules.Engine.
func (Engine) SlotLabel(slot model.Slot) string {
	switch slot {
	case 0:
		return "white"
	case 1:
		return "black"
	default:
		return "slot " + strconv.Itoa(int(slot))
	}
}

// NewBoard implements rules.Engine.
func (Engine) NewBoard(slots int) (rules.Board, error) {
	if slots != 2 {
		return nil, fmt.Errorf("%w: chess needs 2 slots, got %d", model.ErrInvalidSlotCount, slots)
	}

	pos := chess.StartingPosition()
	return &Board{pos: pos, positions: []string{repetitionKey(pos)}}, nil
}

// FromFEN builds a board from a FEN string with no repetition history.
func FromFEN(fen string) (*Board, error) {
	pos := &chess.Position{}
	if err := pos.UnmarshalText([]byte(fen)); err != nil {
		return nil, fmt.Errorf("invalid fen %q: %w", fen, err)
	}

	return &Board{pos: pos, positions: []string{repetitionKey(pos)}}, nil
}

// LegalMoves implements rules.Engine.
func (e Engine) LegalMoves(b rules.Board, slot model.Slot) []model.Move {
	board, ok := b.(*Board)
	if !ok || slotOf(board.pos.Turn()) != slot {
		return nil
	}

	valid := board.pos.ValidMoves()
	moves := make([]model.Move, 0, len(valid))
	for _, m := range valid {
		moves = append(moves, model.Move(chess.UCINotation{}.Encode(board.pos, m)))
	}

	return moves
}

// Apply implements rules.Engine.
func (e Engine) Apply(b rules.Board, slot model.Slot, m model.Move) (rules.Board, error) {
	board, ok := b.(*Board)
	if !ok {
		return nil, fmt.Errorf("chess: unexpected board type %T", b)
	}

	if slotOf(board.pos.Turn()) != slot {
		return nil, fmt.Errorf("%w: %s is not to move", model.ErrIllegalMove, e.SlotLabel(slot))
	}

	text := strings.ToLower(strings.TrimSpace(string(m)))
	uci := chess.UCINotation{}
	for _, candidate := range board.pos.ValidMoves() {
		if uci.Encode(board.pos, candidate) != text {
			continue
		}

		next := board.pos.Update(candidate)
		positions := make([]string, 0, len(board.positions)+1)
		if halfMoveClock(next) > 0 {
			positions = append(positions, board.positions...)
		}
		positions = append(positions, repetitionKey(next))

		return &Board{pos: next, positions: positions}, nil
	}

	return nil, fmt.Errorf("%w: %s in %s", model.ErrIllegalMove, m, board.pos.String())
}

// Outcome implements rules.Engine.
func (e Engine) Outcome(b rules.Board) model.Outcome {
	board, ok := b.(*Board)
	if !ok {
		return model.Ongoing()
	}

	switch board.pos.Status() {
	case chess.Checkmate:
		return model.Decisive(slotOf(board.pos.Turn().Other()), model.MethodCheckmate)
	case chess.Stalemate:
		return model.Draw(model.MethodStalemate)
	}

	if len(board.pos.ValidMoves()) == 0 {
		return model.Draw(model.MethodStalemate)
	}

	if halfMoveClock(board.pos) >= fiftyMoveHalfMoves {
		return model.Draw(model.MethodFiftyMoveRule)
	}

	if board.repetitions() >= repetitionLimit {
		return model.Draw(model.MethodThreefoldRepetition)
	}

	if insufficientMaterial(board.pos) {
		return model.Draw(model.MethodInsufficientMaterial)
	}

	return model.Ongoing()
}

// Encode implements rules.Engine.
func (e Engine) Encode(b rules.Board) (json.RawMessage, error) {
	board, ok := b.(*Board)
	if !ok {
		return nil, fmt.Errorf("chess: unexpected board type %T", b)
	}

	return json.Marshal(encodedBoard{FEN: board.pos.String(), Positions: board.positions})
}

// Decode implements rules.Engine.
func (e Engine) Decode(data json.RawMessage) (rules.Board, error) {
	var enc encodedBoard
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("chess: decode board: %w", err)
	}

	board, err := FromFEN(enc.FEN)
	if err != nil {
		return nil, err
	}

	if len(enc.Positions) > 0 {
		board.positions = append([]string(nil), enc.Positions...)
	}

	return board, nil
}

func (b *Board) repetitions() int {
	current := b.positions[len(b.positions)-1]
	count := 0
	for _, key := range b.positions {
		if key == current {
			count++
		}
	}

	return count
}

func slotOf(c chess.Color) model.Slot {
	if c == chess.Black {
		return 1
	}

	return 0
}

// repetitionKey is the placement, side to move, castling rights and en
// passant square of a position. The en passant square only counts when a
// pawn can actually capture on it.
func repetitionKey(pos *chess.Position) string {
	fields := strings.Fields(pos.String())
	if len(fields) < 4 {
		return pos.String()
	}

	if fields[3] != "-" && !canCaptureEnPassant(pos) {
		fields[3] = "-"
	}

	return strings.Join(fields[:4], " ")
}

func canCaptureEnPassant(pos *chess.Position) bool {
	for _, m := range pos.ValidMoves() {
		if m.HasTag(chess.EnPassant) {
			return true
		}
	}

	return false
}

func halfMoveClock(pos *chess.Position) int {
	fields := strings.Fields(pos.String())
	if len(fields) < 5 {
		return 0
	}

	n, err := strconv.Atoi(fields[4])
	if err != nil {
		return 0
	}

	return n
}

// insufficientMaterial covers K v K, K+B v K and K+N v K.
func insufficientMaterial(pos *chess.Position) bool {
	minor := 0
	for _, piece := range pos.Board().SquareMap() {
		switch piece.Type() {
		case chess.King:
		case chess.Bishop, chess.Knight:
			minor++
		default:
			return false
		}
	}

	return minor <= 1
}
