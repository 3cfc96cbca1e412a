// Package protocol defines the wire format between clients and the server:
// a JSON envelope per request, typed request bodies, reply and broadcast
// messages, and the length-prefixed framing used on TCP.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/cyberinferno/turnserver/model"
)

// RequestType names an inbound request.
type RequestType string

const (
	TypeCreate      RequestType = "create"
	TypeJoin        RequestType = "join"
	TypeReconnect   RequestType = "reconnect"
	TypeMove        RequestType = "move"
	TypeResign      RequestType = "resign"
	TypeOfferDraw   RequestType = "offer_draw"
	TypeAcceptDraw  RequestType = "accept_draw"
	TypeDeclineDraw RequestType = "decline_draw"
	TypeLegalMoves  RequestType = "legal_moves"
	TypeState       RequestType = "state"
	TypeWatch       RequestType = "watch"
	TypeListGames   RequestType = "list_games"
	TypePing        RequestType = "ping"
)

// Envelope is one inbound request. Data holds the type-specific body.
type Envelope struct {
	ID     string          `json:"id" validate:"max=64"`
	Type   RequestType     `json:"type" validate:"required,oneof=create join reconnect move resign offer_draw accept_draw decline_draw legal_moves state watch list_games ping"`
	GameID model.GameID    `json:"game_id,omitempty" validate:"max=64"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// CreateRequest creates a game. With Join set the creator also takes a slot.
type CreateRequest struct {
	GameType model.GameType `json:"game_type" validate:"required,max=32"`
	Slots    int            `json:"slots" validate:"gte=0,lte=16"`
	Join     bool           `json:"join"`
	Slot     *model.Slot    `json:"slot" validate:"omitempty,gte=0"`
}

// JoinRequest joins the envelope's game, or matchmakes on GameType when the
// envelope carries no game ID.
type JoinRequest struct {
	GameType model.GameType `json:"game_type" validate:"max=32"`
	Slots    int            `json:"slots" validate:"gte=0,lte=16"`
	Slot     *model.Slot    `json:"slot" validate:"omitempty,gte=0"`
}

// ReconnectRequest reclaims a disconnected slot.
type ReconnectRequest struct {
	Slot  model.Slot `json:"slot" validate:"gte=0"`
	Token string     `json:"token" validate:"required,max=64"`
}

// MoveRequest submits a move in the envelope's game, or in the sender's
// only active game when the envelope has no game ID.
type MoveRequest struct {
	Move model.Move `json:"move" validate:"required,max=16"`
}

// ListGamesRequest filters list_games.
type ListGamesRequest struct {
	Status   model.Status   `json:"status" validate:"omitempty,oneof=waiting_for_players in_progress finished abandoned"`
	GameType model.GameType `json:"game_type" validate:"max=32"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return v
}

// Decode parses and validates an inbound envelope.
//
// Returns:
//   - The envelope
//   - An error wrapping model.ErrBadRequest when the JSON or fields are invalid
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrBadRequest, err)
	}

	if err := validate.Struct(&env); err != nil {
		return &env, fmt.Errorf("%w: %s", model.ErrBadRequest, describe(err))
	}

	return &env, nil
}

// Bind decodes the envelope's data into v and validates it. A missing body
// decodes as an empty object.
func (e *Envelope) Bind(v any) error {
	data := bytes.TrimSpace(e.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		data = []byte("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %s data: %v", model.ErrBadRequest, e.Type, err)
	}

	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s", model.ErrBadRequest, describe(err))
	}

	return nil
}

func describe(err error) string {
	errs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}

	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s fails %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s fails %s", fe.Field(), fe.Tag()))
		}
	}

	return strings.Join(parts, "; ")
}
