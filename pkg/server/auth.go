package server

import (
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/relaychat/relay/pkg/database"
	"github.com/relaychat/relay/pkg/protocol"
)

// Auth state machine. A session moves Unauthenticated → Authenticated at most
// once per connection lifetime; every failure leaves it Unauthenticated and
// retryable. Passwords are stored only as bcrypt hashes with the configured
// fixed cost; plaintext never reaches the storage layer.

func (s *Server) handleLogin(sess *Session, msg *protocol.LoginMessage) error {
	if sess.IsAuthenticated() {
		return s.sendRecoverable(sess, "already authenticated")
	}

	user, err := s.store.GetUserByUsername(msg.Username)
	if err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			return s.sendRecoverable(sess, "login failed: invalid username or password")
		}
		errorLog.Printf("Session %d: login lookup failed: %v", sess.ID, err)
		return s.sendRecoverable(sess, "login failed: storage unavailable")
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(msg.Password)) != nil {
		return s.sendRecoverable(sess, "login failed: invalid username or password")
	}

	info := protocol.UserInfo{
		Username: user.Username,
		Color:    protocol.Color{R: user.ColorR, G: user.ColorG, B: user.ColorB},
	}
	if err := sess.Enqueue(mustEncode(&protocol.LoginResponse{OK: true, User: info})); err != nil {
		return err
	}
	s.admitSession(sess, user.ID, info)
	return nil
}

func (s *Server) handleRegister(sess *Session, msg *protocol.RegisterMessage) error {
	if sess.IsAuthenticated() {
		return s.sendRecoverable(sess, "already authenticated")
	}

	if msg.Username == "" {
		return s.sendRecoverable(sess, "registration failed: username cannot be empty")
	}
	if msg.Password == "" {
		return s.sendRecoverable(sess, "registration failed: password cannot be empty")
	}
	// Confirmation must match before anything touches storage
	if msg.Password != msg.Confirm {
		return s.sendRecoverable(sess, "registration failed: passwords do not match")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(msg.Password), s.config.BcryptCost)
	if err != nil {
		return err
	}

	user, err := s.store.CreateUser(msg.Username, string(hash), msg.Color.R, msg.Color.G, msg.Color.B)
	if err != nil {
		if errors.Is(err, database.ErrUsernameTaken) {
			return s.sendRecoverable(sess, "registration failed: username already taken")
		}
		errorLog.Printf("Session %d: register failed: %v", sess.ID, err)
		return s.sendRecoverable(sess, "registration failed: storage unavailable")
	}

	info := protocol.UserInfo{
		Username: user.Username,
		Color:    protocol.Color{R: user.ColorR, G: user.ColorG, B: user.ColorB},
	}
	if err := sess.Enqueue(mustEncode(&protocol.RegisterResponse{OK: true, User: info})); err != nil {
		return err
	}
	s.admitSession(sess, user.ID, info)
	return nil
}

// admitSession completes the Unauthenticated → Authenticated transition: the
// history snapshot is queued first, then the session becomes eligible for
// live broadcast, so nothing live can precede the last history entry in what
// the session observes.
func (s *Server) admitSession(sess *Session, userID int64, info protocol.UserInfo) {
	sess.SetUser(userID, info)
	s.sendHistory(sess)
	sess.SetState(StateAuthenticated)
	s.registry.Authenticate(sess.ID)
	s.registry.Broadcast(sess.ID, mustEncode(&protocol.UserJoined{
		User:   info,
		SentAt: time.Now().UTC(),
	}))
	debugLog.Printf("Session %d authenticated as %q", sess.ID, info.Username)
}

// sendHistory queues the bounded history snapshot, oldest entry first
func (s *Server) sendHistory(sess *Session) {
	records, err := s.store.RecentMessages(s.config.HistoryLimit)
	if err != nil {
		errorLog.Printf("Session %d: history load failed: %v", sess.ID, err)
		s.sendRecoverable(sess, "could not load message history")
		return
	}

	entries := make([]protocol.HistoryEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, protocol.HistoryEntry{
			Sender: protocol.UserInfo{
				Username: rec.Username,
				Color:    protocol.Color{R: rec.ColorR, G: rec.ColorG, B: rec.ColorB},
			},
			SentAt:  rec.CreatedAt,
			Content: rec.Text,
		})
	}
	// Enqueue only fails once the session is closed, and a closed session
	// has no use for history
	sess.Enqueue(mustEncode(&protocol.HistoryMessage{Entries: entries}))
}
