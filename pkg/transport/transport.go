// Package transport wraps one duplex connection in a Sender/Receiver pair.
// The Sender owns the write half and serializes whole frames under a mutex so
// concurrent writers can never interleave frame bytes on the wire. The
// Receiver owns the read half behind a bufio.Reader, so partial frames buffer
// across calls and a caller only ever sees complete messages.
package transport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/relaychat/relay/pkg/protocol"
)

var (
	// ErrAlreadySplit indicates the pair was split more than once.
	ErrAlreadySplit = errors.New("connection already split into sender and receiver")
	// ErrConnectionClosed indicates the peer shut down cleanly at a frame boundary.
	ErrConnectionClosed = errors.New("connection closed by peer")
)

// Pair owns a duplex connection until Split hands out its two halves.
type Pair struct {
	conn  net.Conn
	split atomic.Bool
}

// NewPair wraps a connection for splitting.
func NewPair(conn net.Conn) *Pair {
	return &Pair{conn: conn}
}

// Split hands out the exclusive write half and read half. It succeeds exactly
// once; every later call returns ErrAlreadySplit.
func (p *Pair) Split() (*Sender, *Receiver, error) {
	if !p.split.CompareAndSwap(false, true) {
		return nil, nil, ErrAlreadySplit
	}
	sender := &Sender{conn: p.conn}
	receiver := &Receiver{conn: p.conn, reader: bufio.NewReader(p.conn)}
	return sender, receiver, nil
}

// Sender is the exclusive owner of the connection's write half.
type Sender struct {
	conn net.Conn
	mu   sync.Mutex // serializes frame writes
}

// Send encodes the message into one frame and hands the complete frame to the
// transport. On success the whole frame was accepted for delivery; a partial
// frame is never reported as success.
func (s *Sender) Send(m protocol.Message) error {
	data, err := protocol.EncodeMessage(m)
	if err != nil {
		return err
	}
	return s.SendFrame(data)
}

// SendFrame writes a pre-encoded frame. Used for broadcast fan-out where one
// encoding is shared by many sessions.
func (s *Sender) SendFrame(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.conn.Write(data); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying connection. Safe to call from either half;
// it unblocks a Receiver parked in Receive.
func (s *Sender) Close() error {
	return s.conn.Close()
}

// Receiver is the exclusive owner of the connection's read half.
type Receiver struct {
	conn   net.Conn
	reader *bufio.Reader
}

// ReceiveFrame blocks until one complete frame is available. Clean peer
// shutdown at a frame boundary returns ErrConnectionClosed; shutdown
// mid-frame returns protocol.ErrTruncated.
func (r *Receiver) ReceiveFrame() (*protocol.Frame, error) {
	frame, err := protocol.DecodeFrame(r.reader)
	if err != nil {
		if err == io.EOF {
			return nil, ErrConnectionClosed
		}
		return nil, err
	}
	return frame, nil
}
