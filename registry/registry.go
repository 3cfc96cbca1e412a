// Package registry owns every live session. All access to a session goes
// through its gate, a FIFO semaphore that admits one mutator at a time (or
// several concurrent readers). After each mutation the registry publishes
// the produced events, re-arms the session's deadline timers and swaps in a
// fresh committed view for lock-free reads.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/cyberinferno/turnserver/clock"
	"github.com/cyberinferno/turnserver/logger"
	"github.com/cyberinferno/turnserver/model"
	"github.com/cyberinferno/turnserver/rules"
	"github.com/cyberinferno/turnserver/safemap"
	"github.com/cyberinferno/turnserver/safeset"
	"github.com/cyberinferno/turnserver/session"
	"github.com/cyberinferno/turnserver/store"
)

// gateWeight is the weight a mutator acquires. Readers acquire 1, so any
// number of readers may share the gate but never with a mutator.
const gateWeight = 1 << 10

// ErrNoStore is returned by persistence operations when no store is configured.
var ErrNoStore = errors.New("no snapshot store configured")

// Publisher delivers events to connections. Publish is called while a
// session gate is held and must not block.
type Publisher interface {
	Publish(to []model.ConnectionID, ev model.Event)
}

// Config holds registry policy.
type Config struct {
	Session                  session.Config
	Retention                time.Duration
	ReapInterval             time.Duration
	MaxSessions              int
	MaxSessionsPerConnection int
}

// Option configures optional collaborators.
type Option func(*Registry)

// WithClock replaces the system clock.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithStore enables checkpoint, recover and drain.
func WithStore(s store.Store) Option {
	return func(r *Registry) { r.store = s }
}

type entry struct {
	id      model.GameID
	gate    *semaphore.Weighted
	session *session.Session
	view    atomic.Pointer[model.SessionView]

	// guarded by gate
	timers  map[int64]clock.Timer
	removed bool
}

// Registry is the process-wide set of sessions.
type Registry struct {
	cfg       Config
	catalog   *rules.Catalog
	publisher Publisher
	clock     clock.Clock
	logger    logger.Logger
	store     store.Store

	mu      sync.RWMutex
	entries map[model.GameID]*entry

	byConn     *safemap.SafeMap[model.ConnectionID, *safeset.SafeSet[model.GameID]]
	recovering singleflight.Group
	draining   atomic.Bool

	created      atomic.Uint64
	removed      atomic.Uint64
	corrupted    atomic.Uint64
	movesApplied atomic.Uint64
}

// New creates an empty registry.
//
// Parameters:
//   - cfg: Timing and capacity policy
//   - catalog: Engines available for new sessions
//   - publisher: Receives every event produced by a session
//   - opts: Optional clock, logger and store
//
// Returns:
//   - A new Registry
func New(cfg Config, catalog *rules.Catalog, publisher Publisher, opts ...Option) *Registry {
	r := &Registry{
		cfg:       cfg,
		catalog:   catalog,
		publisher: publisher,
		clock:     clock.New(),
		logger:    logger.NewNopLogger(),
		entries:   make(map[model.GameID]*entry),
		byConn:    safemap.NewSafeMap[model.ConnectionID, *safeset.SafeSet[model.GameID]](),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.logger = r.logger.With(logger.Field{Key: "component", Value: "registry"})
	return r
}

// Catalog returns the engines sessions can be created with.
func (r *Registry) Catalog() *rules.Catalog {
	return r.catalog
}

// HasStore reports whether persistence operations are available.
func (r *Registry) HasStore() bool {
	return r.store != nil
}

// Create allocates a new session in WaitingForPlayers.
//
// Parameters:
//   - ctx: Context for the creation checkpoint
//   - gameType: Engine type tag
//   - slots: Number of player slots; zero selects the engine minimum
//
// Returns:
//   - The new game ID
//   - An error wrapping model.ErrUnknownGameType, model.ErrInvalidSlotCount or model.ErrServerBusy
func (r *Registry) Create(ctx context.Context, gameType model.GameType, slots int) (model.GameID, error) {
	if r.draining.Load() {
		return "", fmt.Errorf("%w: shutting down", model.ErrServerBusy)
	}

	engine, slots, err := r.catalog.ResolveSlots(gameType, slots)
	if err != nil {
		return "", err
	}

	now := r.clock.Now()
	s, err := session.New(model.NewGameID(), engine, slots, r.cfg.Session, now)
	if err != nil {
		return "", err
	}

	if err := r.insert(s); err != nil {
		return "", err
	}

	r.created.Add(1)
	r.logger.Info("game created",
		logger.Field{Key: "game_id", Value: s.ID()},
		logger.Field{Key: "game_type", Value: gameType},
		logger.Field{Key: "slots", Value: slots},
	)

	if r.store != nil {
		if err := r.Checkpoint(ctx, s.ID()); err != nil {
			r.logger.Warn("creation checkpoint failed", logger.Field{Key: "game_id", Value: s.ID()}, logger.Field{Key: "error", Value: err})
		}
	}

	return s.ID(), nil
}

// insert publishes s and arms its timers.
func (r *Registry) insert(s *session.Session) error {
	e := &entry{
		id:      s.ID(),
		gate:    semaphore.NewWeighted(gateWeight),
		session: s,
		timers:  make(map[int64]clock.Timer),
	}
	view := s.View()
	e.view.Store(&view)

	r.mu.Lock()
	if _, exists := r.entries[e.id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: game %s already loaded", model.ErrBadRequest, e.id)
	}

	if r.cfg.MaxSessions > 0 && len(r.entries) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return fmt.Errorf("%w: session limit %d reached", model.ErrServerBusy, r.cfg.MaxSessions)
	}

	r.entries[e.id] = e
	r.mu.Unlock()

	return r.mutate(context.Background(), e.id, false, func(*entry) ([]session.Outbound, error) {
		return nil, nil
	})
}

func (r *Registry) lookup(id model.GameID) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// entryFor finds id, recovering it from the store when allowed.
func (r *Registry) entryFor(ctx context.Context, id model.GameID, recover bool) (*entry, error) {
	if e, ok := r.lookup(id); ok {
		return e, nil
	}

	if recover && r.store != nil {
		if err := r.Recover(ctx, id); err != nil {
			return nil, err
		}
		if e, ok := r.lookup(id); ok {
			return e, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
}

// WithSession runs fn with exclusive access to the session. The outbound
// events fn returns are published even when fn also returns an error.
//
// Parameters:
//   - ctx: Cancels waiting for the gate
//   - id: The session to mutate
//   - fn: The mutation
//
// Returns:
//   - The error returned by fn, model.ErrSessionNotFound, or the context error
func (r *Registry) WithSession(ctx context.Context, id model.GameID, fn func(s *session.Session) ([]session.Outbound, error)) error {
	return r.mutate(ctx, id, true, func(e *entry) ([]session.Outbound, error) {
		return fn(e.session)
	})
}

// ReadSession runs fn with shared access. fn must not modify the session.
func (r *Registry) ReadSession(ctx context.Context, id model.GameID, fn func(s *session.Session) error) error {
	e, err := r.entryFor(ctx, id, true)
	if err != nil {
		return err
	}

	if err := e.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.gate.Release(1)

	if e.removed {
		return fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}

	return fn(e.session)
}

func (r *Registry) mutate(ctx context.Context, id model.GameID, recover bool, fn func(e *entry) ([]session.Outbound, error)) error {
	e, err := r.entryFor(ctx, id, recover)
	if err != nil {
		return err
	}

	if err := e.gate.Acquire(ctx, gateWeight); err != nil {
		return err
	}

	evicted, opErr := r.apply(e, fn)
	e.gate.Release(gateWeight)

	if evicted && r.store != nil {
		if err := r.store.Delete(context.Background(), id); err != nil {
			r.logger.Warn("failed to delete snapshot", logger.Field{Key: "game_id", Value: id}, logger.Field{Key: "error", Value: err})
		}
	}

	return opErr
}

// apply runs fn and commits its effects. Must be called with the full gate held.
func (r *Registry) apply(e *entry, fn func(e *entry) ([]session.Outbound, error)) (bool, error) {
	if e.removed {
		return false, fmt.Errorf("%w: %s", model.ErrSessionNotFound, e.id)
	}

	before := e.session.Members()
	out, panicked, opErr := invoke(e, fn)

	var fault error
	switch {
	case panicked != nil:
		fault = fmt.Errorf("%w: panic: %v", model.ErrSessionCorrupted, panicked)
		out = nil
	case e.session.Status() != model.StatusCorrupted:
		fault = e.session.Validate()
	}

	if fault != nil {
		r.corrupted.Add(1)
		r.logger.Error("session corrupted", logger.Field{Key: "game_id", Value: e.id}, logger.Field{Key: "error", Value: fault})
		out = append(out, e.session.Corrupt(r.clock.Now())...)
		if opErr == nil || panicked != nil {
			opErr = model.ErrSessionCorrupted
		}
	}

	r.syncRefs(e.id, before, e.session.Members())
	r.publish(e.id, out)

	view := e.session.View()
	e.view.Store(&view)

	if view.Status == model.StatusCorrupted {
		r.evict(e)
		return true, opErr
	}

	r.armTimers(e)
	return false, opErr
}

func invoke(e *entry, fn func(e *entry) ([]session.Outbound, error)) (out []session.Outbound, panicked any, err error) {
	defer func() {
		if p := recover(); p != nil {
			panicked = p
		}
	}()

	out, err = fn(e)
	return out, nil, err
}

func (r *Registry) publish(id model.GameID, out []session.Outbound) {
	for _, o := range out {
		switch o.Event.Type {
		case model.EventMoveApplied:
			r.movesApplied.Add(1)
		case model.EventGameStarted:
			r.logger.Info("game started", logger.Field{Key: "game_id", Value: id})
		case model.EventGameEnded:
			if ended, ok := o.Event.Payload.(model.GameEnded); ok {
				r.logger.Info("game ended",
					logger.Field{Key: "game_id", Value: id},
					logger.Field{Key: "outcome", Value: ended.Outcome.String()},
					logger.Field{Key: "reason", Value: ended.Reason},
				)
			}
		}

		if len(o.To) > 0 {
			r.publisher.Publish(o.To, o.Event)
		}
	}
}

// armTimers makes the entry's timers match the session's deadlines. Must be
// called with the full gate held.
func (r *Registry) armTimers(e *entry) {
	if r.draining.Load() {
		r.stopTimers(e)
		return
	}

	now := r.clock.Now()
	want := make(map[int64]time.Time)
	for _, d := range e.session.Deadlines() {
		want[d.UnixNano()] = d
	}

	for key, t := range e.timers {
		if _, ok := want[key]; !ok {
			t.Stop()
			delete(e.timers, key)
		}
	}

	for key, deadline := range want {
		if _, ok := e.timers[key]; ok {
			continue
		}

		id, key := e.id, key
		e.timers[key] = r.clock.AfterFunc(deadline.Sub(now), func() {
			r.expire(id, key)
		})
	}
}

func (r *Registry) stopTimers(e *entry) {
	for key, t := range e.timers {
		t.Stop()
		delete(e.timers, key)
	}
}

// expire is the timer callback for one deadline.
func (r *Registry) expire(id model.GameID, key int64) {
	err := r.mutate(context.Background(), id, false, func(e *entry) ([]session.Outbound, error) {
		delete(e.timers, key)
		return e.session.Expire(r.clock.Now()), nil
	})

	if err != nil && !errors.Is(err, model.ErrSessionNotFound) {
		r.logger.Warn("deadline handling failed", logger.Field{Key: "game_id", Value: id}, logger.Field{Key: "error", Value: err})
	}
}

// evict removes e from the registry. Must be called with the full gate held.
func (r *Registry) evict(e *entry) {
	e.removed = true
	r.stopTimers(e)

	r.mu.Lock()
	delete(r.entries, e.id)
	r.mu.Unlock()

	for _, conn := range e.session.Members() {
		r.removeRef(conn, e.id)
	}

	r.removed.Add(1)
}

func (r *Registry) syncRefs(id model.GameID, before, after []model.ConnectionID) {
	kept := make(map[model.ConnectionID]bool, len(after))
	for _, c := range after {
		kept[c] = true
	}

	for _, c := range before {
		if !kept[c] {
			r.removeRef(c, id)
		}
		delete(kept, c)
	}

	for c := range kept {
		set, _ := r.byConn.LoadOrStore(c, safeset.NewSafeSet[model.GameID]())
		set.Add(id)
	}
}

func (r *Registry) removeRef(conn model.ConnectionID, id model.GameID) {
	if set, ok := r.byConn.Load(conn); ok {
		set.Remove(id)
	}
}

// SessionsFor returns the sessions conn plays in or watches. It is updated
// after each mutation commits, so it may briefly lag a concurrent join.
func (r *Registry) SessionsFor(conn model.ConnectionID) []model.GameID {
	set, ok := r.byConn.Load(conn)
	if !ok {
		return nil
	}

	ids := set.Values()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// View returns the last committed view of a session without waiting for
// its gate.
func (r *Registry) View(id model.GameID) (model.SessionView, error) {
	e, ok := r.lookup(id)
	if !ok {
		return model.SessionView{}, fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}

	return *e.view.Load(), nil
}

// Filter selects sessions in List. Zero fields match everything.
type Filter struct {
	Status model.Status
	Type   model.GameType
}

// List returns the committed views matching f, oldest first.
func (r *Registry) List(f Filter) []model.SessionView {
	r.mu.RLock()
	views := make([]model.SessionView, 0, len(r.entries))
	for _, e := range r.entries {
		v := *e.view.Load()
		if f.Status != "" && v.Status != f.Status {
			continue
		}
		if f.Type != "" && v.Type != f.Type {
			continue
		}
		views = append(views, v)
	}
	r.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		if !views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].CreatedAt.Before(views[j].CreatedAt)
		}
		return views[i].ID < views[j].ID
	})

	return views
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	Sessions     map[model.Status]int `json:"sessions"`
	Created      uint64               `json:"created_total"`
	Removed      uint64               `json:"removed_total"`
	Corrupted    uint64               `json:"corrupted_total"`
	MovesApplied uint64               `json:"moves_applied_total"`
}

// Stats counts live sessions by status along with lifetime totals.
func (r *Registry) Stats() Stats {
	st := Stats{
		Sessions:     make(map[model.Status]int),
		Created:      r.created.Load(),
		Removed:      r.removed.Load(),
		Corrupted:    r.corrupted.Load(),
		MovesApplied: r.movesApplied.Load(),
	}

	r.mu.RLock()
	for _, e := range r.entries {
		st.Sessions[e.view.Load().Status]++
	}
	r.mu.RUnlock()

	return st
}
