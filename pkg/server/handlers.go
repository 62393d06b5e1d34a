package server

import (
	"errors"
	"time"

	"github.com/relaychat/relay/pkg/protocol"
)

// ErrClientDisconnecting signals a clean, client-requested disconnect.
var ErrClientDisconnecting = errors.New("client disconnecting")

// dispatch routes one decoded client message. Login, Register and Quit are
// the only messages accepted while Unauthenticated; everything else bounces
// off the auth gate with a RECOVERABLE_ERROR and changes no state.
func (s *Server) dispatch(sess *Session, msg protocol.ClientMessage) error {
	switch m := msg.(type) {
	case *protocol.LoginMessage:
		return s.handleLogin(sess, m)
	case *protocol.RegisterMessage:
		return s.handleRegister(sess, m)
	case *protocol.QuitMessage:
		return ErrClientDisconnecting
	}

	if !sess.IsAuthenticated() {
		return s.sendRecoverable(sess, "not authenticated: log in or register first")
	}

	switch m := msg.(type) {
	case *protocol.TextMessage:
		return s.handleText(sess, m)
	case *protocol.FileMessage:
		return s.handleFile(sess, m)
	case *protocol.ImageMessage:
		return s.handleImage(sess, m)
	case *protocol.SetUsernameMessage:
		return s.handleSetUsername(sess, m)
	case *protocol.SetColorMessage:
		return s.handleSetColor(sess, m)
	default:
		// DecodeClientMessage already rejected unknown tags
		return s.sendRecoverable(sess, "unsupported message type")
	}
}

// handleText broadcasts the message, then hands it to the persistence queue.
// Persistence strictly follows broadcast acceptance, so delivery order and
// storage order agree and a storage failure cannot retract a delivery.
func (s *Server) handleText(sess *Session, msg *protocol.TextMessage) error {
	now := time.Now().UTC()
	frame := mustEncode(&protocol.TextBroadcast{
		Sender:  sess.User(),
		SentAt:  now,
		Content: msg.Content,
	})
	s.registry.Broadcast(sess.ID, frame)
	s.persister.Enqueue(persistRequest{
		sess:   sess,
		userID: sess.UserID(),
		text:   msg.Content,
		sentAt: now,
	})
	return nil
}

// Files and images fan out to live sessions only; they are not persisted.
func (s *Server) handleFile(sess *Session, msg *protocol.FileMessage) error {
	frame := mustEncode(&protocol.FileBroadcast{
		Sender:   sess.User(),
		SentAt:   time.Now().UTC(),
		Filename: msg.Filename,
		Data:     msg.Data,
	})
	s.registry.Broadcast(sess.ID, frame)
	return nil
}

func (s *Server) handleImage(sess *Session, msg *protocol.ImageMessage) error {
	frame := mustEncode(&protocol.ImageBroadcast{
		Sender: sess.User(),
		SentAt: time.Now().UTC(),
		Data:   msg.Data,
	})
	s.registry.Broadcast(sess.ID, frame)
	return nil
}

// handleSetUsername updates the session-local display name. The stored user
// record keeps its registered name; only the live identity changes.
func (s *Server) handleSetUsername(sess *Session, msg *protocol.SetUsernameMessage) error {
	if msg.Username == "" {
		return s.sendRecoverable(sess, "username cannot be empty")
	}

	user := sess.User()
	old := user.Username
	user.Username = msg.Username
	sess.SetUser(sess.UserID(), user)

	frame := mustEncode(&protocol.UsernameChanged{
		Sender:      user,
		SentAt:      time.Now().UTC(),
		OldUsername: old,
	})
	s.registry.Broadcast(sess.ID, frame)
	return nil
}

func (s *Server) handleSetColor(sess *Session, msg *protocol.SetColorMessage) error {
	user := sess.User()
	old := user.Color
	user.Color = msg.Color
	sess.SetUser(sess.UserID(), user)

	frame := mustEncode(&protocol.ColorChanged{
		Sender:   user,
		SentAt:   time.Now().UTC(),
		OldColor: old,
	})
	s.registry.Broadcast(sess.ID, frame)
	return nil
}

// sendRecoverable queues a RECOVERABLE_ERROR; the session continues
func (s *Server) sendRecoverable(sess *Session, message string) error {
	if s.metrics != nil {
		s.metrics.RecordErrorSent("recoverable")
	}
	return sess.Enqueue(mustEncode(&protocol.RecoverableErrorMessage{Message: message}))
}
