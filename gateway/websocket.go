package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cyberinferno/turnserver/connection"
	"github.com/cyberinferno/turnserver/logger"
	"github.com/cyberinferno/turnserver/model"
	"github.com/cyberinferno/turnserver/protocol"
)

const (
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// WebSocketHandler upgrades HTTP requests and serves each socket like a TCP
// connection, one JSON request per text message.
type WebSocketHandler struct {
	gw       *Gateway
	upgrader websocket.Upgrader
}

// NewWebSocketHandler returns an http.Handler for the websocket endpoint.
//
// Parameters:
//   - allowedOrigins: Origins accepted on upgrade; empty accepts any origin
func (g *Gateway) NewWebSocketHandler(allowedOrigins []string) *WebSocketHandler {
	h := &WebSocketHandler{
		gw: g,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	if len(allowedOrigins) == 0 {
		h.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	} else {
		allowed := make(map[string]struct{}, len(allowedOrigins))
		for _, o := range allowedOrigins {
			allowed[o] = struct{}{}
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		}
	}

	return h
}

// ServeHTTP implements http.Handler.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.gw.logger.Warn("websocket upgrade failed", logger.Field{Key: "remote", Value: r.RemoteAddr}, logger.Field{Key: "error", Value: err})
		return
	}

	c := &wsConn{gw: h.gw, conn: conn}
	c.handle = h.gw.attach(model.ConnectionID(h.gw.ids.Id()), r.RemoteAddr)

	written := make(chan struct{})
	go func() {
		defer close(written)
		c.writePump()
	}()

	c.readPump()

	h.gw.detach(c.handle)
	<-written
	_ = conn.Close()
}

type wsConn struct {
	gw     *Gateway
	conn   *websocket.Conn
	handle *connection.Handle
}

func (c *wsConn) readPump() {
	g := c.gw
	c.conn.SetReadLimit(int64(g.opts.MaxMessageSize))
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				g.logger.Warn("oversized message", logger.Field{Key: "conn_id", Value: c.handle.ID()})
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure):
				g.logger.Debug("websocket read failed", logger.Field{Key: "conn_id", Value: c.handle.ID()}, logger.Field{Key: "error", Value: err})
			}
			return
		}

		if c.handle.Closed() {
			return
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		g.serve(c.handle, data)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case ev := <-c.handle.Outbound():
			if err := c.write(ev); err != nil {
				c.handle.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.gw.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.handle.Close()
				return
			}
		case <-c.handle.Done():
			if !c.flush() {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.gw.opts.WriteTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes what is still queued. It reports false on a write error.
func (c *wsConn) flush() bool {
	for {
		select {
		case ev := <-c.handle.Outbound():
			if err := c.write(ev); err != nil {
				return false
			}
		default:
			return true
		}
	}
}

func (c *wsConn) write(ev model.Event) error {
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		c.gw.logger.Error("failed to encode event", logger.Field{Key: "conn_id", Value: c.handle.ID()}, logger.Field{Key: "error", Value: err})
		return nil
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.gw.opts.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
