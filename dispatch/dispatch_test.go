package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/cyberinferno/turnserver/clock"
	"github.com/cyberinferno/turnserver/connection"
	"github.com/cyberinferno/turnserver/lobby"
	"github.com/cyberinferno/turnserver/logger"
	"github.com/cyberinferno/turnserver/model"
	"github.com/cyberinferno/turnserver/perfmonitor"
	"github.com/cyberinferno/turnserver/protocol"
	"github.com/cyberinferno/turnserver/registry"
	"github.com/cyberinferno/turnserver/rules"
	"github.com/cyberinferno/turnserver/rules/chess"
	"github.com/cyberinferno/turnserver/rules/inarow"
	"github.com/cyberinferno/turnserver/session"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type DispatchSuite struct {
	suite.Suite
	ctx     context.Context
	clock   *clock.Manual
	hub     *connection.Hub
	reg     *registry.Registry
	timings *perfmonitor.Recorder
	d       *Dispatcher
	handles map[model.ConnectionID]*connection.Handle
}

func (s *DispatchSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clock.NewManual(epoch)
	s.hub = connection.NewHub(logger.NewNopLogger())
	cfg := registry.Config{
		Session:   session.Config{JoinTimeout: time.Minute, GracePeriod: time.Minute, AllowObservers: true},
		Retention: time.Minute,
	}
	catalog := rules.NewCatalog(chess.New(), inarow.TicTacToe())
	s.reg = registry.New(cfg, catalog, s.hub, registry.WithClock(s.clock))
	s.timings = perfmonitor.NewRecorder()
	s.d = New(s.reg, lobby.New(s.reg), s.clock, logger.NewNopLogger(), s.timings)

	s.handles = make(map[model.ConnectionID]*connection.Handle)
	for id := model.ConnectionID(1); id <= 3; id++ {
		h := connection.NewHandle(id, "test", 64)
		s.hub.Register(h)
		s.handles[id] = h
	}
}

func (s *DispatchSuite) send(conn model.ConnectionID, typ protocol.RequestType, gameID model.GameID, data any) model.Event {
	raw, err := protocol.NewRequest("r1", typ, gameID, data)
	s.Require().NoError(err)
	return s.d.HandleRaw(s.ctx, conn, raw)
}

func (s *DispatchSuite) drain(conn model.ConnectionID) []model.EventType {
	var types []model.EventType
	for {
		select {
		case ev := <-s.handles[conn].Outbound():
			types = append(types, ev.Type)
		default:
			return types
		}
	}
}

func (s *DispatchSuite) errCode(ev model.Event) model.ErrorCode {
	s.Require().Equal(model.EventError, ev.Type)
	return ev.Payload.(model.ErrorPayload).Code
}

func (s *DispatchSuite) matchmake() model.GameID {
	first := s.send(1, protocol.TypeJoin, "", protocol.JoinRequest{GameType: chess.GameType})
	s.Require().Equal(model.EventJoined, first.Type)
	second := s.send(2, protocol.TypeJoin, "", protocol.JoinRequest{GameType: chess.GameType})
	s.Require().Equal(model.EventJoined, second.Type)
	s.Require().Equal(first.GameID, second.GameID)
	return first.GameID
}

func (s *DispatchSuite) TestMalformedFrame() {
	ev := s.d.HandleRaw(s.ctx, 1, []byte(`{"id":"4","type":"fly"}`))
	s.Equal(model.CodeBadRequest, s.errCode(ev))
	s.Equal("4", ev.ReplyTo)

	ev = s.d.HandleRaw(s.ctx, 1, []byte(`not json`))
	s.Equal(model.CodeBadRequest, s.errCode(ev))
}

func (s *DispatchSuite) TestCreateAndJoin() {
	ev := s.send(1, protocol.TypeCreate, "", protocol.CreateRequest{GameType: chess.GameType, Join: true})
	s.Require().Equal(model.EventCreated, ev.Type)
	s.Equal("r1", ev.ReplyTo)
	created := ev.Payload.(protocol.Created)
	s.Require().NotNil(created.Slot)
	s.Equal(model.Slot(0), *created.Slot)
	s.NotEmpty(created.Token)
	s.Equal(model.StatusWaitingForPlayers, created.View.Status)

	ev = s.send(2, protocol.TypeJoin, ev.GameID, protocol.JoinRequest{})
	s.Require().Equal(model.EventJoined, ev.Type)
	joined := ev.Payload.(protocol.Joined)
	s.Equal(model.Slot(1), joined.Slot)
	s.Equal("black", joined.Label)
	s.Equal(model.StatusInProgress, joined.View.Status)

	s.Contains(s.drain(1), model.EventGameStarted)
	s.Contains(s.drain(2), model.EventGameStarted)
}

func (s *DispatchSuite) TestCreateUnknownType() {
	ev := s.send(1, protocol.TypeCreate, "", protocol.CreateRequest{GameType: "go"})
	s.Equal(model.CodeUnknownGameType, s.errCode(ev))
}

func (s *DispatchSuite) TestJoinNeedsTarget() {
	ev := s.send(1, protocol.TypeJoin, "", protocol.JoinRequest{})
	s.Equal(model.CodeBadRequest, s.errCode(ev))
}

func (s *DispatchSuite) TestMoveWithoutGameID() {
	id := s.matchmake()

	ev := s.send(1, protocol.TypeMove, "", protocol.MoveRequest{Move: "e2e4"})
	s.Require().Equal(model.EventMoveAccepted, ev.Type)
	s.Equal(id, ev.GameID)

	ev = s.send(1, protocol.TypeMove, id, protocol.MoveRequest{Move: "e7e5"})
	s.Equal(model.CodeNotYourTurn, s.errCode(ev))

	ev = s.send(2, protocol.TypeMove, id, protocol.MoveRequest{Move: "e7e4"})
	s.Equal(model.CodeIllegalMove, s.errCode(ev))

	ev = s.send(3, protocol.TypeMove, "", protocol.MoveRequest{Move: "e7e5"})
	s.Equal(model.CodeAmbiguousGame, s.errCode(ev))

	s.Contains(s.drain(2), model.EventMoveApplied)
}

func (s *DispatchSuite) TestLegalMovesAndState() {
	id := s.matchmake()

	ev := s.send(1, protocol.TypeLegalMoves, "", nil)
	s.Require().Equal(model.EventLegalMoves, ev.Type)
	s.Len(ev.Payload.(protocol.LegalMoves).Moves, 20)

	ev = s.send(3, protocol.TypeState, id, nil)
	s.Require().Equal(model.EventState, ev.Type)
	s.Equal(model.StatusInProgress, ev.Payload.(model.GameState).View.Status)

	ev = s.send(3, protocol.TypeState, "", nil)
	s.Equal(model.CodeBadRequest, s.errCode(ev))
}

func (s *DispatchSuite) TestDrawFlow() {
	id := s.matchmake()

	ev := s.send(1, protocol.TypeAcceptDraw, id, nil)
	s.Equal(model.CodeNoDrawOffer, s.errCode(ev))

	ev = s.send(1, protocol.TypeOfferDraw, id, nil)
	s.Equal(model.EventDrawOffered, ev.Type)
	ev = s.send(2, protocol.TypeDeclineDraw, id, nil)
	s.Equal(model.EventDrawDeclined, ev.Type)

	s.send(1, protocol.TypeOfferDraw, id, nil)
	ev = s.send(2, protocol.TypeAcceptDraw, id, nil)
	s.Equal(model.EventDrawOffered, ev.Type)

	view, err := s.reg.View(id)
	s.Require().NoError(err)
	s.Equal(model.StatusFinished, view.Status)
	s.Equal(model.ReasonAgreement, view.Reason)
}

func (s *DispatchSuite) TestResign() {
	id := s.matchmake()

	ev := s.send(2, protocol.TypeResign, "", nil)
	s.Equal(model.EventResigned, ev.Type)

	view, err := s.reg.View(id)
	s.Require().NoError(err)
	s.Equal(model.ReasonResignation, view.Reason)
	s.Contains(s.drain(1), model.EventGameEnded)
}

func (s *DispatchSuite) TestReconnect() {
	created := s.send(1, protocol.TypeCreate, "", protocol.CreateRequest{GameType: chess.GameType, Join: true})
	id := created.GameID
	token := created.Payload.(protocol.Created).Token
	s.send(2, protocol.TypeJoin, id, protocol.JoinRequest{})

	s.d.Disconnect(s.ctx, 1)
	s.Contains(s.drain(2), model.EventPlayerStatus)

	ev := s.send(3, protocol.TypeReconnect, id, protocol.ReconnectRequest{Slot: 0, Token: "nope"})
	s.Equal(model.CodeInvalidToken, s.errCode(ev))

	ev = s.send(3, protocol.TypeReconnect, id, protocol.ReconnectRequest{Slot: 0, Token: token})
	s.Require().Equal(model.EventReconnected, ev.Type)
	s.Equal(model.Slot(0), ev.Payload.(protocol.Reconnected).Slot)
	s.Contains(s.drain(3), model.EventGameState)

	ev = s.send(3, protocol.TypeReconnect, "", protocol.ReconnectRequest{Slot: 0, Token: token})
	s.Equal(model.CodeBadRequest, s.errCode(ev))
}

func (s *DispatchSuite) TestWatchAndList() {
	id := s.matchmake()

	ev := s.send(3, protocol.TypeWatch, id, nil)
	s.Require().Equal(model.EventWatching, ev.Type)
	s.Equal(1, ev.Payload.(protocol.Watching).View.Observers)

	s.send(1, protocol.TypeMove, id, protocol.MoveRequest{Move: "d2d4"})
	s.Contains(s.drain(3), model.EventMoveApplied)

	s.send(3, protocol.TypeCreate, "", protocol.CreateRequest{GameType: inarow.TicTacToeType})

	ev = s.send(1, protocol.TypeListGames, "", protocol.ListGamesRequest{Status: model.StatusInProgress})
	s.Require().Equal(model.EventGames, ev.Type)
	games := ev.Payload.(protocol.Games)
	s.Len(games.Games, 1)
	s.ElementsMatch([]model.GameType{chess.GameType, inarow.TicTacToeType}, games.Types)

	ev = s.send(1, protocol.TypeListGames, "", nil)
	s.Len(ev.Payload.(protocol.Games).Games, 2)
}

func (s *DispatchSuite) TestPingAndTimings() {
	ev := s.send(1, protocol.TypePing, "", nil)
	s.Require().Equal(model.EventPong, ev.Type)
	s.Equal(epoch, ev.Payload.(protocol.Pong).Time)

	s.send(1, protocol.TypePing, "", nil)
	s.Equal(uint64(2), s.timings.Snapshot()["ping"].Count)
}

func TestDispatchSuite(t *testing.T) {
	suite.Run(t, new(DispatchSuite))
}
