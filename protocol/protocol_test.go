package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/turnserver/model"
)

func TestDecode(t *testing.T) {
	t.Run("valid envelope", func(t *testing.T) {
		env, err := Decode([]byte(`{"id":"7","type":"move","game_id":"g1","data":{"move":"e2e4"}}`))
		require.NoError(t, err)
		assert.Equal(t, TypeMove, env.Type)
		assert.Equal(t, model.GameID("g1"), env.GameID)

		var req MoveRequest
		require.NoError(t, env.Bind(&req))
		assert.Equal(t, model.Move("e2e4"), req.Move)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := Decode([]byte(`{"type":`))
		assert.ErrorIs(t, err, model.ErrBadRequest)
	})

	t.Run("unknown type keeps the id for the reply", func(t *testing.T) {
		env, err := Decode([]byte(`{"id":"9","type":"teleport"}`))
		assert.ErrorIs(t, err, model.ErrBadRequest)
		assert.Contains(t, err.Error(), "type")
		require.NotNil(t, env)
		assert.Equal(t, "9", env.ID)
	})

	t.Run("missing type", func(t *testing.T) {
		_, err := Decode([]byte(`{"id":"1"}`))
		assert.ErrorIs(t, err, model.ErrBadRequest)
	})
}

func TestBind(t *testing.T) {
	t.Run("empty body", func(t *testing.T) {
		env := &Envelope{Type: TypeListGames}
		var req ListGamesRequest
		assert.NoError(t, env.Bind(&req))
	})

	t.Run("required field", func(t *testing.T) {
		env := &Envelope{Type: TypeMove, Data: []byte(`{}`)}
		var req MoveRequest
		err := env.Bind(&req)
		assert.ErrorIs(t, err, model.ErrBadRequest)
		assert.Contains(t, err.Error(), "move fails required")
	})

	t.Run("unknown field", func(t *testing.T) {
		env := &Envelope{Type: TypeMove, Data: []byte(`{"move":"e2e4","extra":1}`)}
		var req MoveRequest
		assert.ErrorIs(t, env.Bind(&req), model.ErrBadRequest)
	})

	t.Run("bounds", func(t *testing.T) {
		env := &Envelope{Type: TypeCreate, Data: []byte(`{"game_type":"chess","slots":99}`)}
		var req CreateRequest
		assert.ErrorIs(t, env.Bind(&req), model.ErrBadRequest)

		env = &Envelope{Type: TypeJoin, Data: []byte(`{"slot":-1}`)}
		var join JoinRequest
		assert.ErrorIs(t, env.Bind(&join), model.ErrBadRequest)

		env = &Envelope{Type: TypeListGames, Data: []byte(`{"status":"corrupted"}`)}
		var list ListGamesRequest
		assert.ErrorIs(t, env.Bind(&list), model.ErrBadRequest)
	})

	t.Run("optional slot", func(t *testing.T) {
		env := &Envelope{Type: TypeJoin, Data: []byte(`{"slot":1}`)}
		var req JoinRequest
		require.NoError(t, env.Bind(&req))
		require.NotNil(t, req.Slot)
		assert.Equal(t, model.Slot(1), *req.Slot)
	})
}

func TestEncodeEvent(t *testing.T) {
	t.Run("reply", func(t *testing.T) {
		data, err := EncodeEvent(model.Event{Type: model.EventMoveAccepted, GameID: "g1", ReplyTo: "3", Payload: MoveAccepted{Move: "e2e4"}})
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"move_accepted","reply_to":"3","game_id":"g1","data":{"move":"e2e4"}}`, string(data))
	})

	t.Run("broadcast has no reply_to", func(t *testing.T) {
		data, err := EncodeEvent(model.Event{Type: model.EventPlayerStatus, GameID: "g1", Payload: model.PlayerStatus{Slot: 1}})
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"player_status","game_id":"g1","data":{"slot":1,"connected":false}}`, string(data))
	})

	t.Run("error parses back", func(t *testing.T) {
		data, err := EncodeEvent(model.NewErrorEvent("g1", "5", model.ErrNotYourTurn))
		require.NoError(t, err)

		msg, err := ParseMessage(data)
		require.NoError(t, err)
		assert.Equal(t, "5", msg.ReplyTo)
		p := msg.Err()
		require.NotNil(t, p)
		assert.Equal(t, model.CodeNotYourTurn, p.Code)
	})

	t.Run("non error message", func(t *testing.T) {
		msg, err := ParseMessage([]byte(`{"type":"pong","data":{}}`))
		require.NoError(t, err)
		assert.Nil(t, msg.Err())

		_, err = ParseMessage([]byte(`{}`))
		assert.Error(t, err)
	})
}

func TestNewRequest(t *testing.T) {
	data, err := NewRequest("1", TypeJoin, "", JoinRequest{GameType: "chess"})
	require.NoError(t, err)

	env, err := Decode(data)
	require.NoError(t, err)
	var req JoinRequest
	require.NoError(t, env.Bind(&req))
	assert.Equal(t, model.GameType("chess"), req.GameType)
}

func TestFrames(t *testing.T) {
	t.Run("write then read", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, []byte("hello")))
		require.NoError(t, WriteFrame(&buf, []byte("world")))
		assert.Equal(t, []byte{5, 0, 0, 0}, buf.Bytes()[:4])

		first, err := ReadFrame(&buf, 1024)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(first))

		second, err := ReadFrame(&buf, 1024)
		require.NoError(t, err)
		assert.Equal(t, "world", string(second))

		_, err = ReadFrame(&buf, 1024)
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("keepalive frames are skipped", func(t *testing.T) {
		var buf bytes.Buffer
		buf.Write([]byte{0, 0, 0, 0})
		require.NoError(t, WriteFrame(&buf, []byte("x")))

		got, err := ReadFrame(&buf, 16)
		require.NoError(t, err)
		assert.Equal(t, "x", string(got))
	})

	t.Run("oversized frame", func(t *testing.T) {
		var buf bytes.Buffer
		buf.Write(binary.LittleEndian.AppendUint32(nil, 2048))
		_, err := ReadFrame(&buf, 1024)
		assert.ErrorIs(t, err, model.ErrMessageTooLarge)
	})

	t.Run("truncated payload", func(t *testing.T) {
		var buf bytes.Buffer
		buf.Write(binary.LittleEndian.AppendUint32(nil, 10))
		buf.WriteString("abc")
		_, err := ReadFrame(&buf, 1024)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}
