// Package tcpclient provides an event-driven client for the framed TCP game
// protocol. It notifies callers of connection state changes, broadcasts and
// errors via registered handlers, pairs replies with requests, and supports
// optional auto-reconnect.
package tcpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cyberinferno/turnserver/idgenerator"
	"github.com/cyberinferno/turnserver/model"
	"github.com/cyberinferno/turnserver/protocol"
	"github.com/cyberinferno/turnserver/safemap"
)

// ErrNotConnected is returned by Send and Request while no connection is up.
var ErrNotConnected = errors.New("not connected")

// ErrConnectionLost is returned by Request when the connection drops before
// the reply arrives.
var ErrConnectionLost = errors.New("connection lost")

// ConnectionState represents the current state of the TCP connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected and not attempting to connect
	Connecting                          // Connection attempt in progress
	Connected                           // Successfully connected
	Reconnecting                        // Disconnected and attempting to reconnect (when AutoReconnect is enabled)
	Closed                              // Client has been closed and will not reconnect
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnectionStateEvent is emitted when the connection state changes.
type ConnectionStateEvent struct {
	State     ConnectionState // The new connection state
	Address   string          // The remote address (e.g. "host:port")
	Timestamp time.Time       // When the state change occurred
	Error     error           // Non-nil if the state change was due to an error
}

// ConnectionStateHandler is called when the connection state changes.
type ConnectionStateHandler func(event ConnectionStateEvent)

// MessageHandler is called for every message that is not a reply to a
// pending Request, in the order the server sent them. It runs on the read
// goroutine, so a slow handler delays later messages.
type MessageHandler func(msg *protocol.Message)

// ErrorHandler is called when a read, write, decode or connection error occurs.
type ErrorHandler func(err error)

// Config holds configuration for the client.
type Config struct {
	// Address is the "host:port" to connect to.
	Address string
	// AutoReconnect enables automatic reconnection when the connection is lost.
	AutoReconnect bool
	// ReconnectInterval is the delay between reconnection attempts.
	ReconnectInterval time.Duration
	// WriteTimeout is the max duration for a single write; 0 means no timeout.
	WriteTimeout time.Duration
	// ReadTimeout is the max duration to wait for the next frame; 0 means no timeout.
	ReadTimeout time.Duration
	// ConnectionTimeout is the max duration for establishing a new connection.
	ConnectionTimeout time.Duration
	// MaxMessageSize is the largest accepted inbound payload.
	MaxMessageSize int
}

// DefaultConfig returns a Config with default values for the given address.
//
// Parameters:
//   - address: The "host:port" to connect to
//
// Returns:
//   - A Config with defaults: ReconnectInterval 5s, WriteTimeout 10s,
//     ConnectionTimeout 10s, ReadTimeout 0, MaxMessageSize 1 MiB.
func DefaultConfig(address string) Config {
	return Config{
		Address:           address,
		AutoReconnect:     false,
		ReconnectInterval: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       0,
		ConnectionTimeout: 10 * time.Second,
		MaxMessageSize:    1 << 20,
	}
}

// Client speaks the framed game protocol over TCP. Register handlers, then
// call Connect. It is safe for concurrent use.
type Client struct {
	config Config
	conn   net.Conn
	state  ConnectionState
	lost   chan struct{}

	onConnectionState ConnectionStateHandler
	onMessage         MessageHandler
	onError           ErrorHandler

	ids     *idgenerator.IdGenerator
	pending *safemap.SafeMap[string, chan *protocol.Message]

	mu            sync.RWMutex
	writeMu       sync.Mutex
	stopChan      chan struct{}
	reconnectChan chan struct{}
	wg            sync.WaitGroup
	closed        bool
	reconnecting  bool
	reconnectLoop bool
}

// New creates a client in Disconnected state.
func New(config Config) *Client {
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = 1 << 20
	}

	return &Client{
		config:        config,
		state:         Disconnected,
		ids:           idgenerator.NewIdGenerator(0),
		pending:       safemap.NewSafeMap[string, chan *protocol.Message](),
		stopChan:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
	}
}

// OnConnectionState registers the handler for connection state changes.
// Repeated calls replace the previous handler.
func (c *Client) OnConnectionState(handler ConnectionStateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectionState = handler
}

// OnMessage registers the handler for broadcasts and unmatched replies.
// Repeated calls replace the previous handler.
func (c *Client) OnMessage(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = handler
}

// OnError registers the error handler. Repeated calls replace the previous
// handler.
func (c *Client) OnError(handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// Connect establishes a TCP connection to the configured address.
//
// Returns:
//   - nil on success; otherwise an error (client closed, already connected or connecting, or dial error)
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}
	if c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		return fmt.Errorf("already connected or connecting")
	}
	c.mu.Unlock()

	return c.connect()
}

// Disconnect closes the current connection. Connect may be called again.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.state == Disconnected || c.state == Closed {
		c.mu.Unlock()
		return nil
	}

	err := c.disconnectLocked()
	c.mu.Unlock()

	c.emitConnectionState(Disconnected, nil)
	return err
}

func (c *Client) disconnectLocked() error {
	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil
	c.state = Disconnected
	return err
}

// Close shuts down the client and waits for its goroutines. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	close(c.stopChan)
	c.wg.Wait()

	c.setState(Closed, nil)
	return nil
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected returns true if the client is in Connected state.
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// Send writes one framed payload.
//
// Parameters:
//   - data: Payload bytes; the length prefix is added
//
// Returns:
//   - ErrNotConnected when no connection is up, or the write error
func (c *Client) Send(data []byte) error {
	c.mu.RLock()
	conn := c.conn
	state := c.state
	c.mu.RUnlock()

	if state != Connected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return err
		}
	}

	if err := protocol.WriteFrame(conn, data); err != nil {
		c.emitError(err)
		c.triggerReconnect()
		return err
	}

	return nil
}

// Request sends a request and waits for the reply carrying its id.
//
// Parameters:
//   - ctx: Bounds the wait for the reply
//   - typ: Request type
//   - gameID: Target game, or empty
//   - data: Request body, or nil
//
// Returns:
//   - The reply message, which may be an error reply (see Message.Err)
//   - ErrConnectionLost, ctx's error, or a send error
func (c *Client) Request(ctx context.Context, typ protocol.RequestType, gameID model.GameID, data any) (*protocol.Message, error) {
	id := strconv.FormatUint(uint64(c.ids.Id()), 10)
	payload, err := protocol.NewRequest(id, typ, gameID, data)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	lost := c.lost
	c.mu.RUnlock()

	reply := make(chan *protocol.Message, 1)
	c.pending.Store(id, reply)
	defer c.pending.Delete(id)

	if err := c.Send(payload); err != nil {
		return nil, err
	}

	select {
	case msg := <-reply:
		return msg, nil
	case <-lost:
		return nil, ErrConnectionLost
	case <-c.stopChan:
		return nil, ErrConnectionLost
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) connect() error {
	c.setState(Connecting, nil)

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.Dial("tcp", c.config.Address)
	if err != nil {
		c.setState(Disconnected, err)
		c.emitError(err)
		return err
	}

	lost := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.lost = lost
	c.state = Connected
	startReconnect := c.config.AutoReconnect && !c.reconnectLoop
	if startReconnect {
		c.reconnectLoop = true
	}
	c.mu.Unlock()

	// The read loop must run before handlers see Connected so they can
	// issue requests.
	c.wg.Add(1)
	go c.readLoop(conn, lost)

	if startReconnect {
		c.wg.Add(1)
		go c.reconnectHandler()
	}

	c.emitConnectionState(Connected, nil)
	return nil
}

func (c *Client) readLoop(conn net.Conn, lost chan struct{}) {
	defer c.wg.Done()
	defer close(lost)

	for {
		if c.config.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout)); err != nil {
				c.readFailed(err)
				return
			}
		}

		frame, err := protocol.ReadFrame(conn, c.config.MaxMessageSize)
		if c.isClosed() {
			return
		}

		if err != nil {
			c.readFailed(err)
			return
		}

		msg, err := protocol.ParseMessage(frame)
		if err != nil {
			c.emitError(err)
			continue
		}

		if msg.ReplyTo != "" {
			if ch, ok := c.pending.LoadAndDelete(msg.ReplyTo); ok {
				ch <- msg
				continue
			}
		}

		c.emitMessage(msg)
	}
}

func (c *Client) readFailed(err error) {
	if c.isClosed() {
		return
	}

	c.mu.Lock()
	current := c.state
	if current == Connected {
		_ = c.disconnectLocked()
	}
	c.mu.Unlock()

	if current != Connected {
		return
	}

	c.emitError(err)
	c.emitConnectionState(Disconnected, err)
	c.triggerReconnect()
}

func (c *Client) reconnectHandler() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			return
		case <-c.reconnectChan:
			c.mu.Lock()
			if c.reconnecting || c.closed {
				c.mu.Unlock()
				continue
			}
			c.reconnecting = true
			if err := c.disconnectLocked(); err != nil {
				c.mu.Unlock()
				c.emitError(err)
				c.mu.Lock()
			}
			c.mu.Unlock()

			c.setState(Reconnecting, nil)

			select {
			case <-c.stopChan:
				c.finishReconnect()
				return
			case <-time.After(c.config.ReconnectInterval):
			}

			if c.isClosed() {
				c.finishReconnect()
				return
			}

			err := c.connect()
			c.finishReconnect()

			if err != nil {
				select {
				case c.reconnectChan <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (c *Client) finishReconnect() {
	c.mu.Lock()
	c.reconnecting = false
	c.mu.Unlock()
}

func (c *Client) triggerReconnect() {
	if !c.config.AutoReconnect || c.isClosed() {
		return
	}

	select {
	case c.reconnectChan <- struct{}{}:
	default:
	}
}

func (c *Client) setState(state ConnectionState, err error) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()

	c.emitConnectionState(state, err)
}

func (c *Client) emitConnectionState(state ConnectionState, err error) {
	c.mu.RLock()
	handler := c.onConnectionState
	c.mu.RUnlock()

	if handler != nil {
		handler(ConnectionStateEvent{
			State:     state,
			Address:   c.config.Address,
			Timestamp: time.Now(),
			Error:     err,
		})
	}
}

func (c *Client) emitMessage(msg *protocol.Message) {
	c.mu.RLock()
	handler := c.onMessage
	c.mu.RUnlock()

	if handler != nil {
		handler(msg)
	}
}

func (c *Client) emitError(err error) {
	c.mu.RLock()
	handler := c.onError
	c.mu.RUnlock()

	if handler != nil {
		handler(err)
	}
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
