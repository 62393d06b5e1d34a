// Package client implements a relay chat client: it dials a server over TCP
// or WebSocket, splits the connection into its send and receive halves, and
// exposes typed operations over the wire protocol.
package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaychat/relay/pkg/protocol"
	"github.com/relaychat/relay/pkg/transport"
)

// ErrNotConnected is returned by operations on a closed or unopened client
var ErrNotConnected = errors.New("not connected")

// Client is a connection to a relay server. Incoming server messages are
// decoded by a background goroutine and delivered on Incoming(); all send
// operations are safe for concurrent use.
type Client struct {
	addr string

	mu     sync.Mutex
	conn   net.Conn
	sender *transport.Sender

	incoming chan protocol.ServerMessage
	errs     chan error
	shutdown chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// Dial connects to addr and starts the receive loop. Supported schemes are
// "tcp://" (also the default for a bare host:port) and "ws://".
func Dial(addr string) (*Client, error) {
	c := &Client{
		addr:     addr,
		incoming: make(chan protocol.ServerMessage, 100),
		errs:     make(chan error, 1),
		shutdown: make(chan struct{}),
	}

	conn, err := dialConn(addr)
	if err != nil {
		return nil, err
	}

	sender, receiver, err := transport.NewPair(conn).Split()
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.conn = conn
	c.sender = sender

	c.wg.Add(1)
	go c.receiveLoop(receiver)
	return c, nil
}

func dialConn(addr string) (net.Conn, error) {
	switch {
	case strings.HasPrefix(addr, "ws://"), strings.HasPrefix(addr, "wss://"):
		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		wsConn, _, err := dialer.Dial(addr, nil)
		if err != nil {
			return nil, fmt.Errorf("websocket dial %s: %w", addr, err)
		}
		return &wsClientConn{conn: wsConn}, nil
	default:
		raw := strings.TrimPrefix(addr, "tcp://")
		conn, err := net.DialTimeout("tcp", raw, 10*time.Second)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", raw, err)
		}
		return conn, nil
	}
}

// Incoming returns the stream of decoded server messages. The channel closes
// when the connection drops or Close is called; check Err afterwards.
func (c *Client) Incoming() <-chan protocol.ServerMessage {
	return c.incoming
}

// Err returns the terminal receive error, if any. Valid after Incoming closes.
func (c *Client) Err() error {
	select {
	case err := <-c.errs:
		return err
	default:
		return nil
	}
}

func (c *Client) receiveLoop(receiver *transport.Receiver) {
	defer c.wg.Done()
	defer close(c.incoming)

	for {
		frame, err := receiver.ReceiveFrame()
		if err != nil {
			if !errors.Is(err, transport.ErrConnectionClosed) {
				select {
				case c.errs <- err:
				default:
				}
			}
			return
		}
		msg, err := protocol.DecodeServerMessage(frame)
		if err != nil {
			select {
			case c.errs <- err:
			default:
			}
			return
		}
		select {
		case c.incoming <- msg:
		case <-c.shutdown:
			return
		}
	}
}

func (c *Client) send(m protocol.ClientMessage) error {
	c.mu.Lock()
	sender := c.sender
	c.mu.Unlock()
	if sender == nil {
		return ErrNotConnected
	}
	return sender.Send(m)
}

// Login authenticates with an existing account
func (c *Client) Login(username, password string) error {
	return c.send(&protocol.LoginMessage{Username: username, Password: password})
}

// Register creates a new account and authenticates as it
func (c *Client) Register(username, password, confirm string, color protocol.Color) error {
	return c.send(&protocol.RegisterMessage{
		Username: username,
		Password: password,
		Confirm:  confirm,
		Color:    color,
	})
}

// SendText sends a chat message
func (c *Client) SendText(content string) error {
	return c.send(&protocol.TextMessage{Content: content})
}

// SendFile sends a named binary attachment
func (c *Client) SendFile(filename string, data []byte) error {
	return c.send(&protocol.FileMessage{Filename: filename, Data: data})
}

// SendImage sends an image attachment
func (c *Client) SendImage(data []byte) error {
	return c.send(&protocol.ImageMessage{Data: data})
}

// SetUsername changes the display name for this session
func (c *Client) SetUsername(username string) error {
	return c.send(&protocol.SetUsernameMessage{Username: username})
}

// SetColor changes the display color for this session
func (c *Client) SetColor(color protocol.Color) error {
	return c.send(&protocol.SetColorMessage{Color: color})
}

// Quit tells the server this client is leaving, then closes the connection
func (c *Client) Quit() error {
	err := c.send(&protocol.QuitMessage{})
	c.Close()
	return err
}

// Close tears down the connection and waits for the receive loop to exit.
// Safe to call multiple times.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.shutdown)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.sender = nil
		c.mu.Unlock()
	})
	c.wg.Wait()
}

// wsClientConn adapts a client WebSocket connection to net.Conn. Each frame
// written becomes one binary message; reads stream across messages.
type wsClientConn struct {
	conn   *websocket.Conn
	reader io.Reader
}

func (c *wsClientConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			msgType, r, err := c.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway,
					websocket.CloseNoStatusReceived) {
					return 0, io.EOF
				}
				return 0, err
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsClientConn) Write(p []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsClientConn) Close() error                       { return c.conn.Close() }
func (c *wsClientConn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *wsClientConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *wsClientConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *wsClientConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

func (c *wsClientConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}
