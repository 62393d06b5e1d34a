package server

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/relaychat/relay/pkg/database"
	"github.com/relaychat/relay/pkg/protocol"
	"github.com/relaychat/relay/pkg/transport"
)

// memStore is an in-memory Store for tests. insertErr simulates a storage
// failure on InsertMessage without touching the filesystem.
type memStore struct {
	mu        sync.Mutex
	users     map[string]*database.User
	nextID    int64
	messages  []database.MessageRecord
	insertErr error
}

func newMemStore() *memStore {
	return &memStore{users: make(map[string]*database.User)}
}

func (m *memStore) CreateUser(username, passwordHash string, r, g, b uint8) (*database.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; ok {
		return nil, database.ErrUsernameTaken
	}
	m.nextID++
	user := &database.User{
		ID:           m.nextID,
		Username:     username,
		PasswordHash: passwordHash,
		ColorR:       r,
		ColorG:       g,
		ColorB:       b,
	}
	m.users[username] = user
	return user, nil
}

func (m *memStore) GetUserByUsername(username string) (*database.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[username]
	if !ok {
		return nil, database.ErrUserNotFound
	}
	return user, nil
}

func (m *memStore) InsertMessage(userID int64, text string, createdAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	var username string
	var cr, cg, cb uint8 = 255, 255, 255
	for _, u := range m.users {
		if u.ID == userID {
			username = u.Username
			cr, cg, cb = u.ColorR, u.ColorG, u.ColorB
		}
	}
	m.messages = append(m.messages, database.MessageRecord{
		ID:        int64(len(m.messages) + 1),
		UserID:    userID,
		Username:  username,
		ColorR:    cr,
		ColorG:    cg,
		ColorB:    cb,
		Text:      text,
		CreatedAt: createdAt,
	})
	return nil
}

func (m *memStore) RecentMessages(limit int) ([]database.MessageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := len(m.messages) - limit
	if start < 0 {
		start = 0
	}
	out := make([]database.MessageRecord, len(m.messages)-start)
	copy(out, m.messages[start:])
	return out, nil
}

func (m *memStore) setInsertErr(err error) {
	m.mu.Lock()
	m.insertErr = err
	m.mu.Unlock()
}

func (m *memStore) messageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TCPPort = 0
	cfg.HTTPPort = 0
	cfg.BcryptCost = bcrypt.MinCost
	return cfg
}

// newTestServer wires a server around an in-memory store with its registry
// and persister running. It does not listen; handler tests drive sessions
// directly.
func newTestServer(t *testing.T, store Store, cfg Config) *Server {
	t.Helper()
	srv := NewServerWithStore(cfg, store)
	stop := make(chan struct{})
	go srv.registry.Run(stop)
	go srv.persister.Run()
	t.Cleanup(func() {
		srv.persister.Stop()
		close(stop)
	})
	return srv
}

// newPipeSession returns a session backed by one end of an in-memory pipe and
// the receiver for the other end. The session's writeLoop is running, so
// everything queued can be observed on the receiver.
func newPipeSession(t *testing.T, id uint64, queueSize int) (*Session, *transport.Receiver) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})

	sender, _, err := transport.NewPair(serverConn).Split()
	require.NoError(t, err)
	_, receiver, err := transport.NewPair(clientConn).Split()
	require.NoError(t, err)

	sess := newSession(id, "pipe", sender, queueSize)
	go sess.writeLoop()
	t.Cleanup(sess.Close)
	return sess, receiver
}

// receiveMessage decodes the next server message from a receiver, failing the
// test after a timeout
func receiveMessage(t *testing.T, receiver *transport.Receiver) protocol.ServerMessage {
	t.Helper()
	type result struct {
		msg protocol.ServerMessage
		err error
	}
	ch := make(chan result, 1)
	go func() {
		frame, err := receiver.ReceiveFrame()
		if err != nil {
			ch <- result{err: err}
			return
		}
		msg, err := protocol.DecodeServerMessage(frame)
		ch <- result{msg: msg, err: err}
	}()

	select {
	case res := <-ch:
		require.NoError(t, res.err)
		return res.msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server message")
		return nil
	}
}

// expectNoMessage asserts nothing arrives on the receiver within the window
func expectNoMessage(t *testing.T, receiver *transport.Receiver, window time.Duration) {
	t.Helper()
	ch := make(chan *protocol.Frame, 1)
	go func() {
		frame, err := receiver.ReceiveFrame()
		if err == nil {
			ch <- frame
		}
	}()
	select {
	case frame := <-ch:
		t.Fatalf("unexpected frame: type 0x%02X", frame.Type)
	case <-time.After(window):
	}
}
