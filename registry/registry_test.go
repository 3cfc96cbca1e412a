package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/cyberinferno/turnserver/clock"
	"github.com/cyberinferno/turnserver/model"
	"github.com/cyberinferno/turnserver/rules"
	"github.com/cyberinferno/turnserver/rules/chess"
	"github.com/cyberinferno/turnserver/rules/inarow"
	"github.com/cyberinferno/turnserver/session"
	"github.com/cyberinferno/turnserver/store"
)

type recorder struct {
	mu     sync.Mutex
	events map[model.ConnectionID][]model.Event
}

func newRecorder() *recorder {
	return &recorder{events: make(map[model.ConnectionID][]model.Event)}
}

func (p *recorder) Publish(to []model.ConnectionID, ev model.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range to {
		p.events[c] = append(p.events[c], ev)
	}
}

func (p *recorder) types(conn model.ConnectionID) []model.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]model.EventType, 0, len(p.events[conn]))
	for _, ev := range p.events[conn] {
		types = append(types, ev.Type)
	}
	return types
}

func (p *recorder) last(conn model.ConnectionID) model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	evs := p.events[conn]
	if len(evs) == 0 {
		return model.Event{}
	}
	return evs[len(evs)-1]
}

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func testCatalog() *rules.Catalog {
	return rules.NewCatalog(chess.New(), inarow.TicTacToe(), inarow.ConnectFour())
}

func testConfig() Config {
	return Config{
		Session: session.Config{
			JoinTimeout:    5 * time.Minute,
			GracePeriod:    time.Minute,
			AllowObservers: true,
		},
		Retention:                5 * time.Minute,
		ReapInterval:             time.Minute,
		MaxSessions:              100,
		MaxSessionsPerConnection: 3,
	}
}

type RegistrySuite struct {
	suite.Suite
	ctx   context.Context
	clock *clock.Manual
	pub   *recorder
	reg   *Registry
}

func (s *RegistrySuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clock.NewManual(epoch)
	s.pub = newRecorder()
	s.reg = New(testConfig(), testCatalog(), s.pub, WithClock(s.clock))
}

func (s *RegistrySuite) startChess() (model.GameID, session.JoinResult, session.JoinResult) {
	id, err := s.reg.Create(s.ctx, chess.GameType, 2)
	s.Require().NoError(err)

	white, err := s.reg.Join(s.ctx, 1, id, nil)
	s.Require().NoError(err)
	black, err := s.reg.Join(s.ctx, 2, id, nil)
	s.Require().NoError(err)

	return id, white, black
}

func (s *RegistrySuite) TestCreate() {
	id, err := s.reg.Create(s.ctx, chess.GameType, 0)
	s.Require().NoError(err)

	view, err := s.reg.View(id)
	s.Require().NoError(err)
	s.Equal(model.StatusWaitingForPlayers, view.Status)
	s.Len(view.Slots, 2)

	other, err := s.reg.Create(s.ctx, chess.GameType, 0)
	s.Require().NoError(err)
	s.NotEqual(id, other)

	_, err = s.reg.Create(s.ctx, "checkers", 2)
	s.ErrorIs(err, model.ErrUnknownGameType)

	_, err = s.reg.Create(s.ctx, chess.GameType, 3)
	s.ErrorIs(err, model.ErrInvalidSlotCount)

	s.Equal(uint64(2), s.reg.Stats().Created)
}

func (s *RegistrySuite) TestScenarioStartAndFirstMove() {
	id, _, _ := s.startChess()

	for _, conn := range []model.ConnectionID{1, 2} {
		s.Contains(s.pub.types(conn), model.EventGameStarted)
	}

	view, err := s.reg.View(id)
	s.Require().NoError(err)
	s.Equal(model.StatusInProgress, view.Status)
	s.Equal(model.Slot(0), view.Turn)

	s.Require().NoError(s.reg.Move(s.ctx, 1, id, "e2e4"))

	ev := s.pub.last(2)
	s.Equal(model.EventMoveApplied, ev.Type)
	applied := ev.Payload.(model.MoveApplied)
	s.Require().NotNil(applied.Turn)
	s.Equal(model.Slot(1), *applied.Turn)
	s.Equal(1, applied.HistoryLen)

	view, err = s.reg.View(id)
	s.Require().NoError(err)
	s.Equal(1, view.HistoryLen)
}

func (s *RegistrySuite) TestScenarioOutOfTurn() {
	id, _, _ := s.startChess()
	published := len(s.pub.types(1))

	err := s.reg.Move(s.ctx, 2, id, "e7e5")
	s.ErrorIs(err, model.ErrNotYourTurn)

	view, _ := s.reg.View(id)
	s.Equal(0, view.HistoryLen)
	s.Len(s.pub.types(1), published)
}

func (s *RegistrySuite) TestDuplicateMove() {
	id, _, _ := s.startChess()

	s.Require().NoError(s.reg.Move(s.ctx, 1, id, "e2e4"))
	s.ErrorIs(s.reg.Move(s.ctx, 1, id, "e2e4"), model.ErrNotYourTurn)

	view, _ := s.reg.View(id)
	s.Equal(1, view.HistoryLen)
}

func (s *RegistrySuite) TestConcurrentMoves() {
	id, _, _ := s.startChess()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var succeeded, rejected int

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.reg.Move(s.ctx, 1, id, "e2e4")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, model.ErrNotYourTurn), errors.Is(err, model.ErrGameNotInProgress):
				rejected++
			}
		}()
	}

	wg.Wait()
	s.Equal(1, succeeded)
	s.Equal(31, rejected)

	view, _ := s.reg.View(id)
	s.Equal(1, view.HistoryLen)
}

func (s *RegistrySuite) TestScenarioReconnectWithinGrace() {
	id, white, _ := s.startChess()

	s.reg.Disconnect(s.ctx, 1)
	s.Empty(s.reg.SessionsFor(1))
	s.Equal(model.EventPlayerStatus, s.pub.last(2).Type)

	s.clock.Advance(30 * time.Second)
	s.Require().NoError(s.reg.Reconnect(s.ctx, 3, id, white.Slot, white.Token))
	s.Equal(model.EventGameState, s.pub.last(3).Type)
	s.Equal([]model.GameID{id}, s.reg.SessionsFor(3))

	s.clock.Advance(time.Hour)
	view, _ := s.reg.View(id)
	s.Equal(model.StatusInProgress, view.Status)

	s.NoError(s.reg.Move(s.ctx, 3, id, "d2d4"))
}

func (s *RegistrySuite) TestScenarioGraceExpiry() {
	id, white, _ := s.startChess()
	s.reg.Disconnect(s.ctx, 1)

	s.clock.Advance(time.Minute)

	ev := s.pub.last(2)
	s.Require().Equal(model.EventGameEnded, ev.Type)
	ended := ev.Payload.(model.GameEnded)
	s.Equal(model.ReasonAbandonment, ended.Reason)
	s.Require().NotNil(ended.Outcome.Winner)
	s.Equal(model.Slot(1), *ended.Outcome.Winner)

	view, _ := s.reg.View(id)
	s.Equal(model.StatusFinished, view.Status)

	err := s.reg.Reconnect(s.ctx, 3, id, white.Slot, white.Token)
	s.ErrorIs(err, model.ErrSessionFinished)
}

func (s *RegistrySuite) TestScenarioJoinTimeout() {
	id, err := s.reg.Create(s.ctx, chess.GameType, 2)
	s.Require().NoError(err)
	_, err = s.reg.Join(s.ctx, 1, id, nil)
	s.Require().NoError(err)

	s.clock.Advance(5 * time.Minute)

	view, err := s.reg.View(id)
	s.Require().NoError(err)
	s.Equal(model.StatusAbandoned, view.Status)
	s.Equal(model.EventGameEnded, s.pub.last(1).Type)

	s.Equal(1, s.reg.Reap(s.ctx))
	_, err = s.reg.View(id)
	s.ErrorIs(err, model.ErrSessionNotFound)
	s.Empty(s.reg.SessionsFor(1))
}

func (s *RegistrySuite) TestReapPolicy() {
	playing, _, _ := s.startChess()

	finished, err := s.reg.Create(s.ctx, inarow.TicTacToeType, 2)
	s.Require().NoError(err)
	_, err = s.reg.Join(s.ctx, 3, finished, nil)
	s.Require().NoError(err)
	_, err = s.reg.Join(s.ctx, 4, finished, nil)
	s.Require().NoError(err)
	s.Require().NoError(s.reg.Resign(s.ctx, 3, finished))

	s.Equal(0, s.reg.Reap(s.ctx))

	s.clock.Advance(4 * time.Minute)
	s.Equal(0, s.reg.Reap(s.ctx))

	s.clock.Advance(time.Minute)
	s.Equal(1, s.reg.Reap(s.ctx))

	_, err = s.reg.View(finished)
	s.ErrorIs(err, model.ErrSessionNotFound)
	_, err = s.reg.View(playing)
	s.NoError(err)
}

func (s *RegistrySuite) TestReapFinishedWithoutPlayers() {
	id, _, _ := s.startChess()
	s.Require().NoError(s.reg.Resign(s.ctx, 1, id))

	s.reg.Disconnect(s.ctx, 1)
	s.Equal(0, s.reg.Reap(s.ctx))

	s.reg.Disconnect(s.ctx, 2)
	s.Equal(1, s.reg.Reap(s.ctx))
}

func (s *RegistrySuite) TestCorruptedSessionIsEvicted() {
	id, _, _ := s.startChess()

	err := s.reg.WithSession(s.ctx, id, func(*session.Session) ([]session.Outbound, error) {
		panic("boom")
	})
	s.ErrorIs(err, model.ErrSessionCorrupted)

	for _, conn := range []model.ConnectionID{1, 2} {
		ev := s.pub.last(conn)
		s.Require().Equal(model.EventGameEnded, ev.Type)
		s.Equal(model.ReasonInternalError, ev.Payload.(model.GameEnded).Reason)
		s.Empty(s.reg.SessionsFor(conn))
	}

	_, err = s.reg.View(id)
	s.ErrorIs(err, model.ErrSessionNotFound)
	s.ErrorIs(s.reg.Move(s.ctx, 1, id, "e2e4"), model.ErrSessionNotFound)
	s.Equal(uint64(1), s.reg.Stats().Corrupted)

	other, _, _ := s.startChess()
	s.NoError(s.reg.Move(s.ctx, 1, other, "e2e4"))
}

func (s *RegistrySuite) TestUnknownSession() {
	err := s.reg.Move(s.ctx, 1, "nope", "e2e4")
	s.ErrorIs(err, model.ErrSessionNotFound)
}

func (s *RegistrySuite) TestSessionLimits() {
	reg := New(Config{Session: testConfig().Session, MaxSessions: 1, MaxSessionsPerConnection: 1}, testCatalog(), s.pub, WithClock(s.clock))

	first, err := reg.Create(s.ctx, inarow.TicTacToeType, 2)
	s.Require().NoError(err)
	_, err = reg.Create(s.ctx, inarow.TicTacToeType, 2)
	s.ErrorIs(err, model.ErrServerBusy)

	_, err = reg.Join(s.ctx, 1, first, nil)
	s.Require().NoError(err)
	s.Equal(1, reg.Len())
}

func (s *RegistrySuite) TestPerConnectionLimit() {
	var ids []model.GameID
	for i := 0; i < 4; i++ {
		id, err := s.reg.Create(s.ctx, inarow.TicTacToeType, 2)
		s.Require().NoError(err)
		ids = append(ids, id)
	}

	for _, id := range ids[:3] {
		_, err := s.reg.Join(s.ctx, 1, id, nil)
		s.Require().NoError(err)
	}

	_, err := s.reg.Join(s.ctx, 1, ids[3], nil)
	s.ErrorIs(err, model.ErrServerBusy)

	_, err = s.reg.Join(s.ctx, 1, ids[0], nil)
	s.NoError(err)
}

func (s *RegistrySuite) TestPerConnectionLimitIgnoresFinishedGames() {
	for i := 0; i < 3; i++ {
		id, err := s.reg.Create(s.ctx, inarow.TicTacToeType, 2)
		s.Require().NoError(err)
		_, err = s.reg.Join(s.ctx, 1, id, nil)
		s.Require().NoError(err)
		_, err = s.reg.Join(s.ctx, 2, id, nil)
		s.Require().NoError(err)
		s.Require().NoError(s.reg.Resign(s.ctx, 1, id))
	}
	s.Len(s.reg.SessionsFor(1), 3)

	next, err := s.reg.Create(s.ctx, inarow.TicTacToeType, 2)
	s.Require().NoError(err)
	_, err = s.reg.Join(s.ctx, 1, next, nil)
	s.NoError(err)
}

func (s *RegistrySuite) TestActiveGame() {
	_, err := s.reg.ActiveGame(s.ctx, 1)
	s.ErrorIs(err, model.ErrAmbiguousGame)

	id, _, _ := s.startChess()
	got, err := s.reg.ActiveGame(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal(id, got)

	s.Require().NoError(s.reg.Watch(s.ctx, 9, id))
	_, err = s.reg.ActiveGame(s.ctx, 9)
	s.ErrorIs(err, model.ErrAmbiguousGame)

	s.startChess()
	_, err = s.reg.ActiveGame(s.ctx, 1)
	s.ErrorIs(err, model.ErrAmbiguousGame)
}

func (s *RegistrySuite) TestListAndStats() {
	s.startChess()
	_, err := s.reg.Create(s.ctx, inarow.TicTacToeType, 2)
	s.Require().NoError(err)

	s.Len(s.reg.List(Filter{}), 2)
	s.Len(s.reg.List(Filter{Status: model.StatusInProgress}), 1)
	s.Len(s.reg.List(Filter{Type: inarow.TicTacToeType}), 1)
	s.Empty(s.reg.List(Filter{Status: model.StatusFinished}))

	stats := s.reg.Stats()
	s.Equal(1, stats.Sessions[model.StatusInProgress])
	s.Equal(1, stats.Sessions[model.StatusWaitingForPlayers])
}

func (s *RegistrySuite) TestStateAndLegalMoves() {
	id, _, _ := s.startChess()
	s.Require().NoError(s.reg.Move(s.ctx, 1, id, "e2e4"))

	state, err := s.reg.State(s.ctx, id)
	s.Require().NoError(err)
	s.Equal([]model.Move{"e2e4"}, state.History)

	moves, err := s.reg.LegalMoves(s.ctx, 2, id)
	s.Require().NoError(err)
	s.Len(moves, 20)
}

func (s *RegistrySuite) TestSnapshotRestore() {
	id, white, _ := s.startChess()
	s.Require().NoError(s.reg.Move(s.ctx, 1, id, "e2e4"))

	data, err := s.reg.Snapshot(s.ctx, id)
	s.Require().NoError(err)

	_, err = s.reg.Restore(s.ctx, data)
	s.ErrorIs(err, model.ErrBadRequest)

	other := New(testConfig(), testCatalog(), s.pub, WithClock(s.clock))
	restored, err := other.Restore(s.ctx, data)
	s.Require().NoError(err)
	s.Equal(id, restored)

	view, err := other.View(id)
	s.Require().NoError(err)
	s.Equal(model.StatusInProgress, view.Status)
	s.Equal(1, view.HistoryLen)
	s.Equal(model.Slot(1), view.Turn)
	s.Zero(view.BoundCount())

	s.Require().NoError(other.Reconnect(s.ctx, 5, id, white.Slot, white.Token))

	s.clock.Advance(time.Minute)
	view, _ = other.View(id)
	s.Equal(model.StatusFinished, view.Status)
	s.Equal(model.Slot(0), *view.Outcome.Winner)
}

func (s *RegistrySuite) TestPersistenceWithoutStore() {
	id, _, _ := s.startChess()
	s.ErrorIs(s.reg.Checkpoint(s.ctx, id), ErrNoStore)
	s.ErrorIs(s.reg.Recover(s.ctx, id), ErrNoStore)
	s.NoError(s.reg.Drain(s.ctx))
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}

func TestRegistryWithStore(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(epoch)
	snapshots := store.NewMemoryStore(cache.NoExpiration, time.Minute)
	first := New(testConfig(), testCatalog(), newRecorder(), WithClock(clk), WithStore(snapshots))

	t.Run("creation is checkpointed", func(t *testing.T) {
		id, err := first.Create(ctx, chess.GameType, 2)
		require.NoError(t, err)

		snap, err := snapshots.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusWaitingForPlayers, snap.Status)
	})

	var playing model.GameID
	var white session.JoinResult

	t.Run("drain checkpoints live games", func(t *testing.T) {
		var err error
		playing, err = first.Create(ctx, chess.GameType, 2)
		require.NoError(t, err)
		white, err = first.Join(ctx, 1, playing, nil)
		require.NoError(t, err)
		_, err = first.Join(ctx, 2, playing, nil)
		require.NoError(t, err)
		require.NoError(t, first.Move(ctx, 1, playing, "e2e4"))

		require.NoError(t, first.Drain(ctx))
		_, err = first.Create(ctx, chess.GameType, 2)
		assert.ErrorIs(t, err, model.ErrServerBusy)

		snap, err := snapshots.Load(ctx, playing)
		require.NoError(t, err)
		assert.Equal(t, []model.Move{"e2e4"}, snap.History)
	})

	t.Run("recover all after restart", func(t *testing.T) {
		second := New(testConfig(), testCatalog(), newRecorder(), WithClock(clk), WithStore(snapshots))
		n, err := second.RecoverAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = second.RecoverAll(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		require.NoError(t, second.Reconnect(ctx, 7, playing, white.Slot, white.Token))
		view, err := second.View(playing)
		require.NoError(t, err)
		assert.Equal(t, 1, view.HistoryLen)
	})

	t.Run("unknown game is recovered on demand", func(t *testing.T) {
		third := New(testConfig(), testCatalog(), newRecorder(), WithClock(clk), WithStore(snapshots))

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = third.State(ctx, playing)
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, third.Len())
		assert.ErrorIs(t, third.Recover(ctx, "missing"), model.ErrSessionNotFound)
	})

	t.Run("reap deletes snapshots", func(t *testing.T) {
		fourth := New(testConfig(), testCatalog(), newRecorder(), WithClock(clk), WithStore(snapshots))
		id, err := fourth.Create(ctx, inarow.TicTacToeType, 2)
		require.NoError(t, err)

		clk.Advance(5 * time.Minute)
		assert.Equal(t, 1, fourth.Reap(ctx))

		_, err = snapshots.Load(ctx, id)
		assert.ErrorIs(t, err, model.ErrSnapshotNotFound)
	})
}
