// Package model holds the identifiers, statuses, outcomes, events and errors
// shared by the session core and its collaborators.
package model

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// GameID identifies one session. It is created with the session and never reused.
type GameID string

// NewGameID returns a fresh random GameID.
func NewGameID() GameID {
	return GameID(uuid.NewString())
}

// ConnectionID identifies a client's logical connection for the lifetime of
// the transport connection. It is owned by the transport layer.
type ConnectionID uint32

func (c ConnectionID) String() string {
	return strconv.FormatUint(uint64(c), 10)
}

// GameType selects the rules engine for a session.
type GameType string

// Slot is a player position within a session, numbered from zero in turn order.
type Slot int

// Move is a move in the notation of the session's game type.
type Move string

// Status is the lifecycle state of a session.
type Status string

const (
	StatusWaitingForPlayers Status = "waiting_for_players"
	StatusInProgress        Status = "in_progress"
	StatusFinished          Status = "finished"
	StatusAbandoned         Status = "abandoned"
	StatusCorrupted         Status = "corrupted"
)

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusAbandoned || s == StatusCorrupted
}

// OutcomeKind classifies a board's terminal state.
type OutcomeKind string

const (
	OutcomeOngoing  OutcomeKind = "ongoing"
	OutcomeDecisive OutcomeKind = "decisive"
	OutcomeDraw     OutcomeKind = "draw"
)

// Outcome is the result of evaluating a board or of a session ending.
type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	Winner *Slot       `json:"winner,omitempty"`
	Method string      `json:"method,omitempty"`
}

// Outcome methods reported by the engines and the session.
const (
	MethodCheckmate            = "checkmate"
	MethodStalemate            = "stalemate"
	MethodFiftyMoveRule        = "fifty_move_rule"
	MethodThreefoldRepetition  = "threefold_repetition"
	MethodInsufficientMaterial = "insufficient_material"
	MethodLine                 = "line"
	MethodBoardFull            = "board_full"
	MethodNoLegalMoves         = "no_legal_moves"
	MethodForfeit              = "forfeit"
	MethodResignation          = "resignation"
	MethodAgreement            = "agreement"
)

// Ongoing returns the outcome of a board that has not ended.
func Ongoing() Outcome {
	return Outcome{Kind: OutcomeOngoing}
}

// Decisive returns a win for the given slot.
func Decisive(winner Slot, method string) Outcome {
	return Outcome{Kind: OutcomeDecisive, Winner: &winner, Method: method}
}

// Draw returns a drawn outcome.
func Draw(method string) Outcome {
	return Outcome{Kind: OutcomeDraw, Method: method}
}

// Terminal reports whether the outcome ends the game.
func (o Outcome) Terminal() bool {
	return o.Kind == OutcomeDecisive || o.Kind == OutcomeDraw
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeDecisive:
		if o.Winner != nil {
			return fmt.Sprintf("slot %d wins by %s", *o.Winner, o.Method)
		}
	case OutcomeDraw:
		return "draw by " + o.Method
	}

	return string(o.Kind)
}

// EndReason explains why a session stopped.
type EndReason string

const (
	ReasonCompleted     EndReason = "completed"
	ReasonAbandonment   EndReason = "abandonment"
	ReasonResignation   EndReason = "resignation"
	ReasonAgreement     EndReason = "agreement"
	ReasonInternalError EndReason = "internal_error"
)

// SlotInfo describes one slot for clients.
type SlotInfo struct {
	Slot      Slot   `json:"slot"`
	Label     string `json:"label"`
	Occupied  bool   `json:"occupied"`
	Connected bool   `json:"connected"`
}

// SessionView is an immutable summary of a session's committed state.
type SessionView struct {
	ID         GameID         `json:"game_id"`
	Type       GameType       `json:"game_type"`
	Status     Status         `json:"status"`
	Slots      []SlotInfo     `json:"slots"`
	OpenSlots  int            `json:"open_slots"`
	Turn       Slot           `json:"turn"`
	HistoryLen int            `json:"history_len"`
	Outcome    Outcome        `json:"outcome"`
	Reason     EndReason      `json:"reason,omitempty"`
	Observers  int            `json:"observers"`
	CreatedAt  time.Time      `json:"created_at"`
	EndedAt    time.Time      `json:"ended_at,omitzero"`
	Members    []ConnectionID `json:"-"`
}

// BoundCount returns how many slots currently have a connection.
func (v SessionView) BoundCount() int {
	n := 0
	for _, s := range v.Slots {
		if s.Connected {
			n++
		}
	}
	return n
}

// Has reports whether conn is bound to a slot or observing the session.
func (v SessionView) Has(conn ConnectionID) bool {
	for _, c := range v.Members {
		if c == conn {
			return true
		}
	}
	return false
}
