package model

import "encoding/json"

// EventType names an outbound message kind.
type EventType string

// Broadcast notifications produced by sessions.
const (
	EventGameStarted  EventType = "game_started"
	EventMoveApplied  EventType = "move_applied"
	EventGameEnded    EventType = "game_ended"
	EventPlayerStatus EventType = "player_status"
	EventDrawOffer    EventType = "draw_offer"
	EventGameState    EventType = "game_state"
)

// Direct replies to requests.
const (
	EventCreated      EventType = "created"
	EventJoined       EventType = "joined"
	EventReconnected  EventType = "reconnected"
	EventMoveAccepted EventType = "move_accepted"
	EventResigned     EventType = "resigned"
	EventDrawOffered  EventType = "draw_offered"
	EventDrawDeclined EventType = "draw_declined"
	EventLegalMoves   EventType = "legal_moves"
	EventState        EventType = "state"
	EventWatching     EventType = "watching"
	EventGames        EventType = "games"
	EventPong         EventType = "pong"
	EventError        EventType = "error"
)

// Event is one outbound message. ReplyTo is set only on direct replies.
type Event struct {
	Type    EventType
	GameID  GameID
	ReplyTo string
	Payload any
}

// GameStarted is broadcast when the last slot is bound.
type GameStarted struct {
	Slots []SlotInfo      `json:"slots"`
	Board json.RawMessage `json:"board"`
	Turn  Slot            `json:"turn"`
}

// MoveApplied is broadcast after every successful move. Exactly one of Turn
// and Outcome is set.
type MoveApplied struct {
	Slot       Slot            `json:"slot"`
	Move       Move            `json:"move"`
	Board      json.RawMessage `json:"board"`
	Turn       *Slot           `json:"turn,omitempty"`
	Outcome    *Outcome        `json:"outcome,omitempty"`
	HistoryLen int             `json:"history_len"`
}

// GameEnded is broadcast when a session reaches a terminal status.
type GameEnded struct {
	Outcome Outcome   `json:"outcome"`
	Reason  EndReason `json:"reason"`
}

// PlayerStatus tells the other participants that a slot's connection changed.
type PlayerStatus struct {
	Slot      Slot `json:"slot"`
	Connected bool `json:"connected"`
}

// DrawOffer tells participants which slots currently agree to a draw.
type DrawOffer struct {
	From   Slot   `json:"from"`
	Agreed []Slot `json:"agreed"`
}

// GameState is a full snapshot used for resynchronisation.
type GameState struct {
	View    SessionView     `json:"view"`
	Board   json.RawMessage `json:"board"`
	History []Move          `json:"history"`
}

// ErrorPayload is the body of an error reply.
type ErrorPayload struct {
	Code   ErrorCode `json:"code"`
	Detail string    `json:"detail"`
}

// NewErrorEvent builds an error reply for err.
func NewErrorEvent(gameID GameID, replyTo string, err error) Event {
	return Event{
		Type:    EventError,
		GameID:  gameID,
		ReplyTo: replyTo,
		Payload: ErrorPayload{Code: CodeOf(err), Detail: err.Error()},
	}
}
