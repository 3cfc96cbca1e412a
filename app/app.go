// Package app wires every server component from a config.Config and runs
// them until the context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/turnserver/admin"
	"github.com/cyberinferno/turnserver/clock"
	"github.com/cyberinferno/turnserver/config"
	"github.com/cyberinferno/turnserver/connection"
	"github.com/cyberinferno/turnserver/dispatch"
	"github.com/cyberinferno/turnserver/gateway"
	"github.com/cyberinferno/turnserver/idgenerator"
	"github.com/cyberinferno/turnserver/lobby"
	"github.com/cyberinferno/turnserver/logger"
	"github.com/cyberinferno/turnserver/model"
	"github.com/cyberinferno/turnserver/perfmonitor"
	"github.com/cyberinferno/turnserver/registry"
	"github.com/cyberinferno/turnserver/rules"
	"github.com/cyberinferno/turnserver/rules/chess"
	"github.com/cyberinferno/turnserver/rules/inarow"
	"github.com/cyberinferno/turnserver/safemap"
	"github.com/cyberinferno/turnserver/session"
	"github.com/cyberinferno/turnserver/store"
	"github.com/cyberinferno/turnserver/tcpserver"
)

// Storage backends accepted in config.StorageConfig.Backend.
const (
	StorageNone   = "none"
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

var engines = map[string]func() rules.Engine{
	string(chess.GameType):         func() rules.Engine { return chess.New() },
	string(inarow.TicTacToeType):   func() rules.Engine { return inarow.TicTacToe() },
	string(inarow.ConnectFourType): func() rules.Engine { return inarow.ConnectFour() },
	string(inarow.GomokuType):      func() rules.Engine { return inarow.Gomoku() },
}

// NewCatalog returns a catalog holding the named game types. An empty list
// enables every built-in type.
func NewCatalog(types []string) (*rules.Catalog, error) {
	if len(types) == 0 {
		types = make([]string, 0, len(engines))
		for name := range engines {
			types = append(types, name)
		}
	}

	list := make([]rules.Engine, 0, len(types))
	for _, name := range types {
		build, ok := engines[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", model.ErrUnknownGameType, name)
		}
		list = append(list, build())
	}

	return rules.NewCatalog(list...), nil
}

// NewLogger builds the process logger. Logs go to stdout, and also to daily
// files when cfg.Dir is set.
func NewLogger(cfg config.LogConfig) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	if cfg.Dir != "" {
		return logger.NewZerologFileLogger(cfg.Service, cfg.Dir, level)
	}

	return logger.NewWriterLogger(os.Stdout, cfg.Service, level), nil
}

// NewStore opens the snapshot store selected by cfg. It returns a nil store
// for the "none" backend. The returned client is non-nil only for Redis and
// must be closed by the caller.
func NewStore(cfg config.StorageConfig) (store.Store, *redis.Client, error) {
	switch cfg.Backend {
	case "", StorageNone:
		return nil, nil, nil
	case StorageMemory:
		return store.NewMemoryStore(cfg.SnapshotTTL.Std(), time.Minute), nil, nil
	case StorageRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		client := redis.NewClient(opts)
		return store.NewRedisStore(client, cfg.SnapshotTTL.Std()), client, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Option configures optional collaborators.
type Option func(*App)

// WithClock replaces the system clock.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithStore replaces the store selected by the configuration.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// App is a configured server. Create it with New and start it with Run.
type App struct {
	cfg    config.Config
	logger logger.Logger
	clock  clock.Clock
	store  store.Store
	redis  *redis.Client

	hub        *connection.Hub
	registry   *registry.Registry
	lobby      *lobby.Lobby
	timings    *perfmonitor.Recorder
	dispatcher *dispatch.Dispatcher
	ids        *idgenerator.IdGenerator

	tcp      *tcpserver.TCPServer
	adminSrv *http.Server
	wsSrv    *http.Server
	adminLn  net.Listener
	wsLn     net.Listener

	ready chan struct{}
}

// New builds every component described by cfg without opening any listener.
//
// Parameters:
//   - cfg: Validated configuration
//   - log: Process logger
//   - opts: Optional clock and store overrides
//
// Returns:
//   - The App, or an error if the catalog or store cannot be built
func New(cfg config.Config, log logger.Logger, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: log,
		clock:  clock.New(),
		ready:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(a)
	}

	if a.store == nil {
		st, client, err := NewStore(cfg.Storage)
		if err != nil {
			return nil, err
		}
		a.store, a.redis = st, client
	}

	catalog, err := NewCatalog(cfg.Game.Types)
	if err != nil {
		return nil, err
	}

	regOpts := []registry.Option{registry.WithClock(a.clock), registry.WithLogger(log)}
	if a.store != nil {
		regOpts = append(regOpts, registry.WithStore(a.store))
	}

	a.hub = connection.NewHub(log)
	a.registry = registry.New(registry.Config{
		Session: session.Config{
			JoinTimeout:    cfg.Game.JoinTimeout.Std(),
			GracePeriod:    cfg.Game.GracePeriod.Std(),
			AllowObservers: cfg.Game.AllowObservers,
		},
		Retention:                cfg.Game.Retention.Std(),
		ReapInterval:             cfg.Game.ReapInterval.Std(),
		MaxSessions:              cfg.Game.MaxSessions,
		MaxSessionsPerConnection: cfg.Game.MaxSessionsPerConnection,
	}, catalog, a.hub, regOpts...)
	a.lobby = lobby.New(a.registry)
	a.timings = perfmonitor.NewRecorder()
	a.dispatcher = dispatch.New(a.registry, a.lobby, a.clock, log, a.timings)
	a.ids = idgenerator.NewIdGenerator(0)

	a.tcp = &tcpserver.TCPServer{
		Logger:         log,
		Name:           "game",
		Addr:           cfg.ListenAddr(),
		MaxConnections: cfg.Server.MaxConnections,
		Sessions:       safemap.NewSafeMap[uint32, tcpserver.TCPServerSession](),
		IdGenerator:    a.ids,
	}

	return a, nil
}

// Registry returns the session registry.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Ready is closed once every listener is bound.
func (a *App) Ready() <-chan struct{} {
	return a.ready
}

// TCPAddr returns the bound game listener address. It is nil before Ready.
func (a *App) TCPAddr() net.Addr {
	return a.tcp.ListenAddr()
}

// AdminAddr returns the bound admin address, or nil when admin is disabled.
func (a *App) AdminAddr() net.Addr {
	if a.adminLn == nil {
		return nil
	}
	return a.adminLn.Addr()
}

// WebSocketAddr returns the bound WebSocket address, or nil when disabled.
func (a *App) WebSocketAddr() net.Addr {
	if a.wsLn == nil {
		return nil
	}
	return a.wsLn.Addr()
}

// Run recovers stored sessions, opens every listener and serves until ctx is
// cancelled or a component fails. Shutdown stops the listeners, waits for
// connections to detach and drains the registry within
// Server.ShutdownTimeout.
func (a *App) Run(ctx context.Context) error {
	defer a.closeStore()

	if a.registry.HasStore() && a.cfg.Storage.RecoverOnStart {
		restored, err := a.registry.RecoverAll(ctx)
		if err != nil {
			a.logger.Warn("some sessions could not be recovered", logger.Field{Key: "error", Value: err})
		}
		a.logger.Info("sessions recovered", logger.Field{Key: "restored", Value: restored})
	}

	g, gctx := errgroup.WithContext(ctx)
	gw := gateway.New(gctx, a.dispatcher, a.hub, a.ids, a.logger, gateway.Options{
		MaxMessageSize: a.cfg.Server.MaxMessageSize,
		IdleTimeout:    a.cfg.Server.IdleTimeout.Std(),
		WriteTimeout:   a.cfg.Server.WriteTimeout.Std(),
		QueueSize:      a.cfg.Server.OutboundBuffer,
	})

	if err := a.listen(gw); err != nil {
		return err
	}
	a.tcp.NewSession = gw.NewTCPSessionFunc()
	if err := a.tcp.Start(); err != nil {
		a.closeListeners()
		return err
	}
	close(a.ready)

	g.Go(func() error {
		return a.registry.Run(gctx)
	})
	if a.adminSrv != nil {
		g.Go(func() error { return serveHTTP(a.adminSrv, a.adminLn) })
	}
	if a.wsSrv != nil {
		g.Go(func() error { return serveHTTP(a.wsSrv, a.wsLn) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown(gw)
	})

	return g.Wait()
}

func (a *App) listen(gw *gateway.Gateway) error {
	if a.cfg.Admin.Enabled {
		ln, err := net.Listen("tcp", a.cfg.Admin.Addr)
		if err != nil {
			return fmt.Errorf("admin server failed to start: %w", err)
		}
		a.adminLn = ln
		a.adminSrv = &http.Server{
			Handler: admin.NewRouter(admin.Config{
				Registry: a.registry,
				Hub:      a.hub,
				Lobby:    a.lobby,
				Timings:  a.timings,
				Clock:    a.clock,
				Logger:   a.logger,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		a.logger.Info("admin server started", logger.Field{Key: "addr", Value: ln.Addr().String()})
	}

	if a.cfg.WebSocket.Enabled {
		ln, err := net.Listen("tcp", a.cfg.WebSocket.Addr)
		if err != nil {
			a.closeListeners()
			return fmt.Errorf("websocket server failed to start: %w", err)
		}

		path := a.cfg.WebSocket.Path
		if path == "" {
			path = "/ws"
		}
		r := mux.NewRouter()
		r.Handle(path, gw.NewWebSocketHandler(a.cfg.WebSocket.AllowedOrigins)).Methods(http.MethodGet)

		a.wsLn = ln
		a.wsSrv = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
		a.logger.Info("websocket server started", logger.Field{Key: "addr", Value: ln.Addr().String()}, logger.Field{Key: "path", Value: path})
	}

	return nil
}

func (a *App) closeListeners() {
	if a.adminLn != nil {
		_ = a.adminLn.Close()
	}
	if a.wsLn != nil {
		_ = a.wsLn.Close()
	}
}

func serveHTTP(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// shutdown stops accepting, disconnects every client and checkpoints live
// sessions.
func (a *App) shutdown(gw *gateway.Gateway) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	a.logger.Info("shutting down")

	var errs []error
	if a.wsSrv != nil {
		errs = append(errs, a.wsSrv.Shutdown(ctx))
	}
	a.tcp.Stop()
	a.hub.CloseAll()
	if err := gw.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("connections still open: %w", err))
	}

	if err := a.registry.Drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain: %w", err))
	}

	if a.adminSrv != nil {
		errs = append(errs, a.adminSrv.Shutdown(ctx))
	}

	err := errors.Join(errs...)
	if err != nil {
		a.logger.Error("shutdown incomplete", logger.Field{Key: "error", Value: err})
	} else {
		a.logger.Info("shutdown complete")
	}
	return err
}

func (a *App) closeStore() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
