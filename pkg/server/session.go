package server

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/relaychat/relay/pkg/protocol"
	"github.com/relaychat/relay/pkg/transport"
)

// ErrSessionClosed indicates the session's outbound queue is gone.
var ErrSessionClosed = errors.New("session closed")

// AuthState is the per-connection authentication state
type AuthState int32

const (
	StateUnauthenticated AuthState = iota
	StateAuthenticated
	StateDisconnected // terminal
)

// Session represents one live client connection. All fields are owned by the
// connection goroutine except the outbound queue (fed by the registry and by
// handlers) and the user info (read during fan-out).
type Session struct {
	ID         uint64
	RemoteAddr string

	sender   *transport.Sender
	outbound chan []byte // bounded queue of pre-encoded frames

	state atomic.Int32

	mu     sync.RWMutex // protects user and userID
	user   protocol.UserInfo
	userID int64

	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	connOnce   sync.Once
}

// newSession creates a session with a bounded outbound queue
func newSession(id uint64, remoteAddr string, sender *transport.Sender, queueSize int) *Session {
	return &Session{
		ID:         id,
		RemoteAddr: remoteAddr,
		sender:     sender,
		outbound:   make(chan []byte, queueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// State returns the current auth state
func (s *Session) State() AuthState {
	return AuthState(s.state.Load())
}

// SetState sets the auth state
func (s *Session) SetState(st AuthState) {
	s.state.Store(int32(st))
}

// IsAuthenticated reports whether the session passed the auth gate
func (s *Session) IsAuthenticated() bool {
	return s.State() == StateAuthenticated
}

// User returns the authenticated user info
func (s *Session) User() protocol.UserInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// UserID returns the storage id of the authenticated user
func (s *Session) UserID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// SetUser stores the authenticated identity. Called once on login/register
// and again on username/color changes.
func (s *Session) SetUser(userID int64, user protocol.UserInfo) {
	s.mu.Lock()
	s.user = user
	s.userID = userID
	s.mu.Unlock()
}

// Enqueue appends a frame to the outbound queue, blocking while the queue is
// full. Used for direct replies where backpressure on the handler is wanted.
func (s *Session) Enqueue(frame []byte) error {
	select {
	case s.outbound <- frame:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// TryEnqueue appends a frame without blocking. Returns false when the queue
// is full; the caller applies the overflow policy.
func (s *Session) TryEnqueue(frame []byte) bool {
	select {
	case s.outbound <- frame:
		return true
	case <-s.done:
		return true // session is gone, nothing to overflow
	default:
		return false
	}
}

// DropOldest discards the oldest undelivered frame, if any
func (s *Session) DropOldest() bool {
	select {
	case <-s.outbound:
		return true
	default:
		return false
	}
}

// SendDirect writes a frame immediately, bypassing the queue. Only used for
// terminal errors where queue order no longer matters.
func (s *Session) SendDirect(frame []byte) error {
	return s.sender.SendFrame(frame)
}

// Close marks the session terminal. The writer flushes frames already queued
// and then closes the connection, which unblocks the reader. Idempotent; safe
// on every exit path.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.SetState(StateDisconnected)
		close(s.done)
	})
}

// Abort tears the session down immediately: terminal state, connection
// closed, no flush. Used for protocol-fatal errors and overflow disconnects.
func (s *Session) Abort() {
	s.Close()
	s.closeConn()
}

func (s *Session) closeConn() {
	s.connOnce.Do(func() {
		s.sender.Close()
	})
}

// writeLoop drains the outbound queue onto the wire. On close it flushes
// whatever was already queued, then closes the connection. writerDone signals
// exit so shutdown can tell a flushed writer from one wedged on a peer that
// stopped reading.
func (s *Session) writeLoop() {
	defer func() {
		s.closeConn()
		close(s.writerDone)
	}()
	for {
		select {
		case frame := <-s.outbound:
			if err := s.sender.SendFrame(frame); err != nil {
				s.Close()
				return
			}
		case <-s.done:
			for {
				select {
				case frame := <-s.outbound:
					if err := s.sender.SendFrame(frame); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}
