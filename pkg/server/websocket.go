package server

import (
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect from arbitrary origins
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a WebSocket connection to net.Conn so WebSocket sessions run
// through the same transport split and connection task as TCP sessions. Each
// relay frame is written as one binary WebSocket message; reads stream across
// message boundaries so the frame decoder never sees a seam.
type wsConn struct {
	conn   *websocket.Conn
	reader io.Reader
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			msgType, r, err := c.conn.NextReader()
			if err != nil {
				return 0, translateWSError(err)
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			// Current message exhausted; the next Read pulls a new one
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, translateWSError(err)
	}
	return len(p), nil
}

func (c *wsConn) Close() error                       { return c.conn.Close() }
func (c *wsConn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

// translateWSError maps WebSocket close conditions to the plain EOF the
// framed decoder expects
func translateWSError(err error) error {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		return io.EOF
	}
	return err
}

// HandleWebSocket upgrades an HTTP request and runs the standard connection
// task over it
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		errorLog.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	debugLog.Printf("WebSocket connection from %s", conn.RemoteAddr())
	s.wg.Add(1)
	go s.handleConnection(&wsConn{conn: conn})
}
