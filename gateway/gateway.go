// Package gateway attaches network transports to the dispatcher. Each
// connection gets a hub handle for outbound events; inbound requests are
// handled one at a time on the connection's read goroutine so replies keep
// request order.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/cyberinferno/turnserver/connection"
	"github.com/cyberinferno/turnserver/idgenerator"
	"github.com/cyberinferno/turnserver/logger"
	"github.com/cyberinferno/turnserver/model"
)

// Dispatcher is the request handler the transports drive.
type Dispatcher interface {
	HandleRaw(ctx context.Context, conn model.ConnectionID, data []byte) model.Event
	Disconnect(ctx context.Context, conn model.ConnectionID)
}

// Options bound per-connection resources.
type Options struct {
	MaxMessageSize int
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	QueueSize      int
}

// DefaultOptions returns the limits used when a field is zero.
func DefaultOptions() Options {
	return Options{
		MaxMessageSize: 1 << 20,
		IdleTimeout:    90 * time.Second,
		WriteTimeout:   10 * time.Second,
		QueueSize:      64,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = def.MaxMessageSize
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = def.IdleTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = def.QueueSize
	}
	return o
}

// Gateway holds what every transport connection shares. Connection IDs come
// from one generator so they are unique across transports.
type Gateway struct {
	ctx        context.Context
	dispatcher Dispatcher
	hub        *connection.Hub
	ids        *idgenerator.IdGenerator
	logger     logger.Logger
	opts       Options

	conns sync.WaitGroup
}

// New creates a gateway.
//
// Parameters:
//   - ctx: Parent context for request handling; cancelled on shutdown
//   - dispatcher: Handles decoded requests
//   - hub: Registry of connection handles
//   - ids: Connection ID source shared by all transports
//   - log: Logger
//   - opts: Per-connection limits; zero fields take defaults
//
// Returns:
//   - A new Gateway
func New(ctx context.Context, dispatcher Dispatcher, hub *connection.Hub, ids *idgenerator.IdGenerator, log logger.Logger, opts Options) *Gateway {
	return &Gateway{
		ctx:        ctx,
		dispatcher: dispatcher,
		hub:        hub,
		ids:        ids,
		logger:     log.With(logger.Field{Key: "component", Value: "gateway"}),
		opts:       opts.withDefaults(),
	}
}

// IDs returns the shared connection ID generator.
func (g *Gateway) IDs() *idgenerator.IdGenerator {
	return g.ids
}

// Wait blocks until every attached connection has been detached or ctx is
// done.
func (g *Gateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attach registers a handle for a new connection.
func (g *Gateway) attach(id model.ConnectionID, remote string) *connection.Handle {
	g.conns.Add(1)
	h := connection.NewHandle(id, remote, g.opts.QueueSize)
	g.hub.Register(h)
	g.logger.Debug("connection opened", logger.Field{Key: "conn_id", Value: id}, logger.Field{Key: "remote", Value: remote})
	return h
}

// detach releases everything the connection holds in sessions and closes
// its handle.
func (g *Gateway) detach(h *connection.Handle) {
	defer g.conns.Done()

	g.dispatcher.Disconnect(context.WithoutCancel(g.ctx), h.ID())
	g.hub.Unregister(h.ID())
	g.logger.Debug("connection closed",
		logger.Field{Key: "conn_id", Value: h.ID()},
		logger.Field{Key: "remote", Value: h.Remote()},
		logger.Field{Key: "dropped", Value: h.Dropped()},
	)
}

// serve handles one inbound payload and queues the reply.
func (g *Gateway) serve(h *connection.Handle, data []byte) {
	reply := g.dispatcher.HandleRaw(g.ctx, h.ID(), data)
	g.hub.Send(h.ID(), reply)
}
