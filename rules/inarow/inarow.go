// Package inarow implements "k in a row" games on a rectangular grid:
// tic-tac-toe, connect four and gomoku. Up to four players take turns
// placing their mark; the first to complete a line of the variant's length
// wins and a full grid is a draw.
//
// Moves are written as a column letter followed by a 1-based row counted
// from the bottom ("b2"). Gravity variants only take the column letter ("d")
// and the mark drops to the lowest free row.
package inarow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cyberinferno/turnserver/model"
	"github.com/cyberinferno/turnserver/rules"
)

// Catalog tags of the built-in variants.
const (
	TicTacToeType   model.GameType = "tictactoe"
	ConnectFourType model.GameType = "connect4"
	GomokuType      model.GameType = "gomoku"
)

// Variant describes one k-in-a-row game.
type Variant struct {
	Name     model.GameType
	Rows     int
	Cols     int
	WinLen   int
	Gravity  bool
	Exact    bool // lines longer than WinLen do not count
	MinSlots int
	MaxSlots int
}

// TicTacToe returns the 3x3 variant.
func TicTacToe() *Engine {
	return New(Variant{Name: TicTacToeType, Rows: 3, Cols: 3, WinLen: 3, MinSlots: 2, MaxSlots: 2})
}

// ConnectFour returns the 6x7 gravity variant.
func ConnectFour() *Engine {
	return New(Variant{Name: ConnectFourType, Rows: 6, Cols: 7, WinLen: 4, Gravity: true, MinSlots: 2, MaxSlots: 4})
}

// Gomoku returns the 15x15 variant where exactly five in a row wins.
func Gomoku() *Engine {
	return New(Variant{Name: GomokuType, Rows: 15, Cols: 15, WinLen: 5, Exact: true, MinSlots: 2, MaxSlots: 4})
}

// Engine is a rules.Engine for one Variant.
type Engine struct {
	v Variant
}

var _ rules.Engine = (*Engine)(nil)

// New returns an engine for v.
func New(v Variant) *Engine {
	return &Engine{v: v}
}

// Board is an immutable grid. Cells hold 0 for empty or slot+1. Row 0 is
// the bottom row.
type Board struct {
	variant *Variant
	players int
	cells   []uint8
	moves   int
}

func (b *Board) cell(row, col int) uint8 {
	return b.cells[row*b.variant.Cols+col]
}

// ToMove returns the slot whose turn it is.
func (b *Board) ToMove() model.Slot {
	return model.Slot(b.moves % b.players)
}

// String renders the grid top row first, one digit per cell.
func (b *Board) String() string {
	return strings.Join(b.rows(), "/")
}

func (b *Board) rows() []string {
	rows := make([]string, 0, b.variant.Rows)
	for r := b.variant.Rows - 1; r >= 0; r-- {
		var sb strings.Builder
		for c := 0; c < b.variant.Cols; c++ {
			sb.WriteByte('0' + b.cell(r, c))
		}
		rows = append(rows, sb.String())
	}

	return rows
}

type encodedBoard struct {
	Variant model.GameType `json:"variant"`
	Players int            `json:"players"`
	Grid    []string       `json:"grid"`
}

// Type implements rules.Engine.
func (e *Engine) Type() model.GameType {
	return e.v.Name
}

// SlotRange implements rules.Engine.
func (e *Engine) SlotRange() (int, int) {
	return e.v.MinSlots, e.v.MaxSlots
}

// SlotLabel implements rules.Engine.
func (e *Engine) SlotLabel(slot model.Slot) string {
	return "player " + strconv.Itoa(int(slot)+1)
}

// NewBoard implements rules.Engine.
func (e *Engine) NewBoard(slots int) (rules.Board, error) {
	if slots < e.v.MinSlots || slots > e.v.MaxSlots {
		return nil, fmt.Errorf("%w: %s supports %d to %d slots, got %d", model.ErrInvalidSlotCount, e.v.Name, e.v.MinSlots, e.v.MaxSlots, slots)
	}

	return &Board{variant: &e.v, players: slots, cells: make([]uint8, e.v.Rows*e.v.Cols)}, nil
}

// LegalMoves implements rules.Engine.
func (e *Engine) LegalMoves(b rules.Board, slot model.Slot) []model.Move {
	board, ok := b.(*Board)
	if !ok || board.ToMove() != slot || e.Outcome(board).Terminal() {
		return nil
	}

	moves := make([]model.Move, 0)
	if e.v.Gravity {
		for c := 0; c < e.v.Cols; c++ {
			if board.cell(e.v.Rows-1, c) == 0 {
				moves = append(moves, model.Move(columnName(c)))
			}
		}

		return moves
	}

	for r := 0; r < e.v.Rows; r++ {
		for c := 0; c < e.v.Cols; c++ {
			if board.cell(r, c) == 0 {
				moves = append(moves, model.Move(columnName(c)+strconv.Itoa(r+1)))
			}
		}
	}

	return moves
}

// Apply implements rules.Engine.
func (e *Engine) Apply(b rules.Board, slot model.Slot, m model.Move) (rules.Board, error) {
	board, ok := b.(*Board)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected board type %T", e.v.Name, b)
	}

	if board.ToMove() != slot {
		return nil, fmt.Errorf("%w: %s is not to move", model.ErrIllegalMove, e.SlotLabel(slot))
	}

	if e.Outcome(board).Terminal() {
		return nil, fmt.Errorf("%w: game is over", model.ErrIllegalMove)
	}

	row, col, err := e.parse(board, m)
	if err != nil {
		return nil, err
	}

	cells := make([]uint8, len(board.cells))
	copy(cells, board.cells)
	cells[row*e.v.Cols+col] = uint8(slot) + 1

	return &Board{variant: board.variant, players: board.players, cells: cells, moves: board.moves + 1}, nil
}

func (e *Engine) parse(board *Board, m model.Move) (int, int, error) {
	text := strings.ToLower(strings.TrimSpace(string(m)))
	if text == "" {
		return 0, 0, fmt.Errorf("%w: empty move", model.ErrIllegalMove)
	}

	col := int(text[0] - 'a')
	if text[0] < 'a' || col >= e.v.Cols {
		return 0, 0, fmt.Errorf("%w: unknown column in %q", model.ErrIllegalMove, m)
	}

	if e.v.Gravity {
		if len(text) != 1 {
			return 0, 0, fmt.Errorf("%w: %s takes a column letter, got %q", model.ErrIllegalMove, e.v.Name, m)
		}

		for r := 0; r < e.v.Rows; r++ {
			if board.cell(r, col) == 0 {
				return r, col, nil
			}
		}

		return 0, 0, fmt.Errorf("%w: column %s is full", model.ErrIllegalMove, text)
	}

	row, err := strconv.Atoi(text[1:])
	if err != nil || row < 1 || row > e.v.Rows {
		return 0, 0, fmt.Errorf("%w: unknown row in %q", model.ErrIllegalMove, m)
	}

	if board.cell(row-1, col) != 0 {
		return 0, 0, fmt.Errorf("%w: %s is occupied", model.ErrIllegalMove, text)
	}

	return row - 1, col, nil
}

var directions = [4][2]int{{0, 1}, {1, 0}, {1, 1}, {1, -1}}

// Outcome implements rules.Engine.
func (e *Engine) Outcome(b rules.Board) model.Outcome {
	board, ok := b.(*Board)
	if !ok {
		return model.Ongoing()
	}

	for r := 0; r < e.v.Rows; r++ {
		for c := 0; c < e.v.Cols; c++ {
			mark := board.cell(r, c)
			if mark == 0 {
				continue
			}

			for _, d := range directions {
				if e.lineStartsAt(board, r, c, d[0], d[1]) {
					return model.Decisive(model.Slot(mark-1), model.MethodLine)
				}
			}
		}
	}

	if board.moves >= e.v.Rows*e.v.Cols {
		return model.Draw(model.MethodBoardFull)
	}

	return model.Ongoing()
}

// lineStartsAt reports whether a winning run begins at (r, c) in direction
// (dr, dc). Only run starts are considered so each run is counted once.
func (e *Engine) lineStartsAt(b *Board, r, c, dr, dc int) bool {
	mark := b.cell(r, c)
	if pr, pc := r-dr, c-dc; e.inside(pr, pc) && b.cell(pr, pc) == mark {
		return false
	}

	length := 0
	for rr, cc := r, c; e.inside(rr, cc) && b.cell(rr, cc) == mark; rr, cc = rr+dr, cc+dc {
		length++
	}

	if e.v.Exact {
		return length == e.v.WinLen
	}

	return length >= e.v.WinLen
}

func (e *Engine) inside(r, c int) bool {
	return r >= 0 && r < e.v.Rows && c >= 0 && c < e.v.Cols
}

// Encode implements rules.Engine.
func (e *Engine) Encode(b rules.Board) (json.RawMessage, error) {
	board, ok := b.(*Board)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected board type %T", e.v.Name, b)
	}

	return json.Marshal(encodedBoard{Variant: e.v.Name, Players: board.players, Grid: board.rows()})
}

// Decode implements rules.Engine.
func (e *Engine) Decode(data json.RawMessage) (rules.Board, error) {
	var enc encodedBoard
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("%s: decode board: %w", e.v.Name, err)
	}

	if enc.Variant != e.v.Name {
		return nil, fmt.Errorf("%s: board is for %q", e.v.Name, enc.Variant)
	}

	if enc.Players < e.v.MinSlots || enc.Players > e.v.MaxSlots {
		return nil, fmt.Errorf("%w: %d players", model.ErrInvalidSlotCount, enc.Players)
	}

	if len(enc.Grid) != e.v.Rows {
		return nil, fmt.Errorf("%s: grid has %d rows, want %d", e.v.Name, len(enc.Grid), e.v.Rows)
	}

	board := &Board{variant: &e.v, players: enc.Players, cells: make([]uint8, e.v.Rows*e.v.Cols)}
	for i, line := range enc.Grid {
		if len(line) != e.v.Cols {
			return nil, fmt.Errorf("%s: row %d has %d cells, want %d", e.v.Name, i, len(line), e.v.Cols)
		}

		r := e.v.Rows - 1 - i
		for c := 0; c < e.v.Cols; c++ {
			mark := line[c] - '0'
			if line[c] < '0' || int(mark) > enc.Players {
				return nil, fmt.Errorf("%s: invalid cell %q", e.v.Name, line[c])
			}

			board.cells[r*e.v.Cols+c] = mark
			if mark != 0 {
				board.moves++
			}
		}
	}

	return board, nil
}

func columnName(c int) string {
	return string(rune('a' + c))
}
