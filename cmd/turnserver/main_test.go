package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/turnserver/app"
	"github.com/cyberinferno/turnserver/config"
	"github.com/cyberinferno/turnserver/logger"
	"github.com/cyberinferno/turnserver/model"
	"github.com/cyberinferno/turnserver/protocol"
	"github.com/cyberinferno/turnserver/rules/inarow"
	"github.com/cyberinferno/turnserver/tcpclient"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "turnserver dev\n", out)
}

func TestConfigCmd(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "missing.env")

	out, err := execute(t, "config", "--env-file", envFile, "--port", "9999", "--log-level", "debug")
	require.NoError(t, err)
	assert.Contains(t, out, "port = 9999")
	assert.Contains(t, out, `level = "debug"`)

	_, err = execute(t, "config", "--env-file", envFile, "--port", "70000")
	assert.Error(t, err)
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		line string
		typ  protocol.RequestType
		err  bool
	}{
		{"", "", false},
		{"   ", "", false},
		{"move e2e4", protocol.TypeMove, false},
		{"M b2", protocol.TypeMove, false},
		{"move", "", true},
		{"moves", protocol.TypeLegalMoves, false},
		{"state", protocol.TypeState, false},
		{"draw", protocol.TypeOfferDraw, false},
		{"accept", protocol.TypeAcceptDraw, false},
		{"decline", protocol.TypeDeclineDraw, false},
		{"resign", protocol.TypeResign, false},
		{"list", protocol.TypeListGames, false},
		{"ping", protocol.TypePing, false},
		{"castle", "", true},
	}

	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			cmd, err := parseCommand(tc.line)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.typ, cmd.typ)
		})
	}

	cmd, err := parseCommand("move e2e4")
	require.NoError(t, err)
	assert.Equal(t, protocol.MoveRequest{Move: "e2e4"}, cmd.data)

	_, err = parseCommand("quit")
	assert.ErrorIs(t, err, errQuit)
}

func TestPlay(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Port = 0
	cfg.Admin.Enabled = false
	server, err := app.New(cfg, logger.NewNopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()
	<-server.Ready()
	addr := server.TCPAddr().String()

	opponent := tcpclient.New(tcpclient.DefaultConfig(addr))
	require.NoError(t, opponent.Connect())
	defer opponent.Close()

	reqCtx, reqCancel := context.WithTimeout(ctx, 5*time.Second)
	defer reqCancel()
	msg, err := opponent.Request(reqCtx, protocol.TypeJoin, "", protocol.JoinRequest{GameType: inarow.TicTacToeType})
	require.NoError(t, err)
	require.Nil(t, msg.Err())

	var buf bytes.Buffer
	out := &console{out: &buf}
	client := tcpclient.New(tcpclient.DefaultConfig(addr))
	client.OnMessage(out.message)
	require.NoError(t, client.Connect())

	input := strings.NewReader("moves\nmove a1\nbogus\nping\nquit\nstate\n")
	err = play(ctx, client, input, out, playOptions{gameType: string(inarow.TicTacToeType), timeout: 5 * time.Second})
	require.NoError(t, err)
	require.NoError(t, client.Close())

	got := buf.String()
	assert.Contains(t, got, "joined tictactoe game "+string(msg.GameID)+" as player 2 (slot 1)")
	assert.Contains(t, got, string(model.EventLegalMoves))
	assert.Contains(t, got, "error "+string(model.CodeNotYourTurn))
	assert.Contains(t, got, `unknown command "bogus"`)
	assert.Contains(t, got, string(model.EventPong))
}

func TestPlayReconnectNeedsGameID(t *testing.T) {
	request := func(protocol.RequestType, model.GameID, any) (*protocol.Message, error) {
		t.Fatal("no request expected")
		return nil, nil
	}

	_, err := enter(request, &console{out: &bytes.Buffer{}}, playOptions{token: "abc"})
	assert.EqualError(t, err, "--token needs --game-id")
}
