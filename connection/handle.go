// Package connection holds the per-connection outbound queue and the hub
// that fans session events out to those queues.
package connection

import (
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/turnserver/model"
)

// Handle is one client connection as seen by the core: an ID and a bounded
// outbound queue with many producers and a single consumer (the transport's
// writer).
type Handle struct {
	id     model.ConnectionID
	remote string
	out    chan model.Event
	done   chan struct{}

	mu     sync.RWMutex
	closed bool

	dropped atomic.Uint64
}

// NewHandle creates a handle with an outbound queue of the given capacity.
//
// Parameters:
//   - id: The connection's identifier
//   - remote: The peer address, for logs
//   - buffer: Outbound queue capacity; values below 1 become 1
//
// Returns:
//   - A new open Handle
func NewHandle(id model.ConnectionID, remote string, buffer int) *Handle {
	if buffer < 1 {
		buffer = 1
	}

	return &Handle{
		id:     id,
		remote: remote,
		out:    make(chan model.Event, buffer),
		done:   make(chan struct{}),
	}
}

// ID returns the connection ID the handle serves.
func (h *Handle) ID() model.ConnectionID { return h.id }

// Remote returns the peer address.
func (h *Handle) Remote() string { return h.remote }

// Push queues ev without blocking.
//
// Returns:
//   - false if the handle is closed or the queue is full
func (h *Handle) Push(ev model.Event) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return false
	}

	select {
	case h.out <- ev:
		return true
	default:
		h.dropped.Add(1)
		return false
	}
}

// Outbound is drained by the transport's writer.
func (h *Handle) Outbound() <-chan model.Event {
	return h.out
}

// Done is closed when the handle is closed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Close marks the handle closed. Events already queued stay readable from
// Outbound. It is safe to call more than once.
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.closed {
		h.closed = true
		close(h.done)
	}
}

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// Dropped counts events rejected because the queue was full.
func (h *Handle) Dropped() uint64 {
	return h.dropped.Load()
}
