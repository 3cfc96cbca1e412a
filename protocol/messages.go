package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cyberinferno/turnserver/model"
)

// Reply bodies. Broadcast bodies are the model event payloads.
type (
	Created struct {
		View  model.SessionView `json:"view"`
		Slot  *model.Slot       `json:"slot,omitempty"`
		Token string            `json:"token,omitempty"`
	}

	Joined struct {
		Slot  model.Slot        `json:"slot"`
		Label string            `json:"label"`
		Token string            `json:"token"`
		View  model.SessionView `json:"view"`
	}

	Reconnected struct {
		Slot model.Slot `json:"slot"`
	}

	MoveAccepted struct {
		Move model.Move `json:"move"`
	}

	LegalMoves struct {
		Moves []model.Move `json:"moves"`
	}

	Watching struct {
		View model.SessionView `json:"view"`
	}

	Games struct {
		Types []model.GameType    `json:"types"`
		Games []model.SessionView `json:"games"`
	}

	Pong struct {
		Time time.Time `json:"time"`
	}
)

// Message is the wire form of an outbound event.
type Message struct {
	Type    model.EventType `json:"type"`
	ReplyTo string          `json:"reply_to,omitempty"`
	GameID  model.GameID    `json:"game_id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Type    model.EventType `json:"type"`
	ReplyTo string          `json:"reply_to,omitempty"`
	GameID  model.GameID    `json:"game_id,omitempty"`
	Data    any             `json:"data,omitempty"`
}

// EncodeEvent renders ev as a JSON message.
func EncodeEvent(ev model.Event) ([]byte, error) {
	data, err := json.Marshal(outbound{Type: ev.Type, ReplyTo: ev.ReplyTo, GameID: ev.GameID, Data: ev.Payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", ev.Type, err)
	}

	return data, nil
}

// ParseMessage decodes a message produced by EncodeEvent.
func ParseMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}

	if m.Type == "" {
		return nil, fmt.Errorf("failed to decode message: missing type")
	}

	return &m, nil
}

// Decode unmarshals the message body into v.
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

// Err returns the error carried by an error message, or nil.
func (m *Message) Err() *model.ErrorPayload {
	if m.Type != model.EventError {
		return nil
	}

	var p model.ErrorPayload
	if err := json.Unmarshal(m.Data, &p); err != nil {
		return &model.ErrorPayload{Code: model.CodeInternalError, Detail: err.Error()}
	}

	return &p
}

// NewRequest builds an encoded envelope, as clients send it.
func NewRequest(id string, typ RequestType, gameID model.GameID, data any) ([]byte, error) {
	env := Envelope{ID: id, Type: typ, GameID: gameID}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}

	return json.Marshal(env)
}
