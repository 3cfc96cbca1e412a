package gateway

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/turnserver/connection"
	"github.com/cyberinferno/turnserver/logger"
	"github.com/cyberinferno/turnserver/model"
	"github.com/cyberinferno/turnserver/protocol"
	"github.com/cyberinferno/turnserver/tcpserver"
)

// TCPSession serves one length-prefixed TCP connection.
type TCPSession struct {
	gw     *Gateway
	id     uint32
	conn   net.Conn
	handle *connection.Handle

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewTCPSessionFunc returns the tcpserver.NewSessionFunc that serves
// connections through g.
func (g *Gateway) NewTCPSessionFunc() tcpserver.NewSessionFunc {
	return func(id uint32, conn net.Conn) tcpserver.TCPServerSession {
		return &TCPSession{gw: g, id: id, conn: conn}
	}
}

// ID implements tcpserver.TCPServerSession.
func (s *TCPSession) ID() uint32 {
	return s.id
}

// Handle implements tcpserver.TCPServerSession. It returns when the peer
// disconnects, idles out, sends an oversized frame or falls too far behind
// on outbound events.
func (s *TCPSession) Handle() {
	g := s.gw
	s.handle = g.attach(model.ConnectionID(s.id), s.conn.RemoteAddr().String())

	written := make(chan struct{})
	go func() {
		defer close(written)
		s.writeLoop()
	}()

	s.readLoop()

	g.detach(s.handle)
	<-written
	_ = s.Close()
}

func (s *TCPSession) readLoop() {
	g := s.gw
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(g.opts.IdleTimeout)); err != nil {
			return
		}

		frame, err := protocol.ReadFrame(s.conn, g.opts.MaxMessageSize)
		if err != nil {
			if errors.Is(err, model.ErrMessageTooLarge) {
				g.logger.Warn("oversized frame", logger.Field{Key: "conn_id", Value: s.id}, logger.Field{Key: "error", Value: err})
				g.hub.Send(s.handle.ID(), model.NewErrorEvent("", "", err))
			}
			return
		}

		if s.handle.Closed() {
			return
		}

		g.serve(s.handle, frame)
	}
}

// writeLoop drains the handle until it is closed, then flushes what is
// still queued and closes the socket.
func (s *TCPSession) writeLoop() {
	for {
		select {
		case ev := <-s.handle.Outbound():
			if err := s.write(ev); err != nil {
				s.handle.Close()
				_ = s.Close()
				return
			}
		case <-s.handle.Done():
			s.flush()
			_ = s.Close()
			return
		}
	}
}

func (s *TCPSession) flush() {
	for {
		select {
		case ev := <-s.handle.Outbound():
			if err := s.write(ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *TCPSession) write(ev model.Event) error {
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		s.gw.logger.Error("failed to encode event", logger.Field{Key: "conn_id", Value: s.id}, logger.Field{Key: "error", Value: err})
		return nil
	}

	return s.Send(data)
}

// Send implements tcpserver.TCPServerSession by writing one frame.
func (s *TCPSession) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.gw.opts.WriteTimeout)); err != nil {
		return err
	}

	return protocol.WriteFrame(s.conn, data)
}

// Close implements tcpserver.TCPServerSession. It is safe to call more than
// once.
func (s *TCPSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}
