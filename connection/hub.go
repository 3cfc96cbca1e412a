package connection

import (
	"sync/atomic"

	"github.com/cyberinferno/turnserver/logger"
	"github.com/cyberinferno/turnserver/model"
	"github.com/cyberinferno/turnserver/safemap"
)

// Hub tracks open handles by connection ID and delivers events to them. A
// handle whose queue overflows is closed so its transport disconnects it;
// the client resynchronises through reconnect.
type Hub struct {
	handles *safemap.SafeMap[model.ConnectionID, *Handle]
	logger  logger.Logger

	current       atomic.Int64
	peak          atomic.Int64
	total         atomic.Uint64
	slowConsumers atomic.Uint64
}

// HubStats is a point-in-time summary of connections.
type HubStats struct {
	Current       int64  `json:"current"`
	Peak          int64  `json:"peak"`
	Total         uint64 `json:"total"`
	SlowConsumers uint64 `json:"slow_consumers"`
}

// NewHub creates an empty hub.
func NewHub(log logger.Logger) *Hub {
	return &Hub{
		handles: safemap.NewSafeMap[model.ConnectionID, *Handle](),
		logger:  log.With(logger.Field{Key: "component", Value: "hub"}),
	}
}

// Register adds h. A handle already registered under the same ID is closed
// and replaced.
func (hub *Hub) Register(h *Handle) {
	if old, loaded := hub.handles.LoadOrStore(h.ID(), h); loaded {
		hub.handles.Store(h.ID(), h)
		if old != h {
			old.Close()
		}
		return
	}

	hub.total.Add(1)
	n := hub.current.Add(1)
	for {
		peak := hub.peak.Load()
		if n <= peak || hub.peak.CompareAndSwap(peak, n) {
			break
		}
	}
}

// Unregister removes and closes the handle for id.
func (hub *Hub) Unregister(id model.ConnectionID) {
	if h, ok := hub.handles.LoadAndDelete(id); ok {
		hub.current.Add(-1)
		h.Close()
	}
}

// Get returns the handle registered for id.
func (hub *Hub) Get(id model.ConnectionID) (*Handle, bool) {
	return hub.handles.Load(id)
}

// Len returns the number of registered handles.
func (hub *Hub) Len() int {
	return int(hub.current.Load())
}

// Send queues ev for a single connection.
//
// Returns:
//   - false if the connection is gone or was closed for overflowing
func (hub *Hub) Send(id model.ConnectionID, ev model.Event) bool {
	h, ok := hub.handles.Load(id)
	if !ok {
		return false
	}

	if h.Push(ev) {
		return true
	}

	if !h.Closed() {
		hub.slowConsumers.Add(1)
		hub.logger.Warn("slow consumer disconnected",
			logger.Field{Key: "conn_id", Value: id},
			logger.Field{Key: "event", Value: ev.Type},
			logger.Field{Key: "dropped", Value: h.Dropped()},
		)
		h.Close()
	}

	return false
}

// Publish queues ev for each connection in to. Connections that are not
// registered are skipped.
func (hub *Hub) Publish(to []model.ConnectionID, ev model.Event) {
	for _, id := range to {
		hub.Send(id, ev)
	}
}

// Stats returns connection counters.
func (hub *Hub) Stats() HubStats {
	return HubStats{
		Current:       hub.current.Load(),
		Peak:          hub.peak.Load(),
		Total:         hub.total.Load(),
		SlowConsumers: hub.slowConsumers.Load(),
	}
}

// CloseAll closes every registered handle. Transports flush what is queued
// and then drop their connections.
func (hub *Hub) CloseAll() {
	hub.handles.Range(func(_ model.ConnectionID, h *Handle) bool {
		h.Close()
		return true
	})
}
