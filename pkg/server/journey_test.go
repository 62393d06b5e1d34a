package server

// End-to-end journeys: a real server on a random port, real storage, and the
// client package talking to it over TCP and WebSocket.

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaychat/relay/pkg/client"
	"github.com/relaychat/relay/pkg/protocol"
)

func startJourneyServer(t *testing.T) (*Server, string, func()) {
	t.Helper()
	cfg := testConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "journey.db")

	srv, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	var once sync.Once
	stop := func() {
		once.Do(func() {
			require.NoError(t, srv.Stop())
		})
	}
	t.Cleanup(stop)
	addr := fmt.Sprintf("127.0.0.1:%d", srv.Addr().(*net.TCPAddr).Port)
	return srv, addr, stop
}

func dialClient(t *testing.T, addr string) *client.Client {
	t.Helper()
	c, err := client.Dial(addr)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func nextMsg(t *testing.T, c *client.Client) protocol.ServerMessage {
	t.Helper()
	select {
	case msg, ok := <-c.Incoming():
		require.True(t, ok, "connection closed while waiting for a message: %v", c.Err())
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server message")
		return nil
	}
}

func expectNoClientMessage(t *testing.T, c *client.Client, window time.Duration) {
	t.Helper()
	select {
	case msg, ok := <-c.Incoming():
		if ok {
			t.Fatalf("unexpected message: %T %+v", msg, msg)
		}
	case <-time.After(window):
	}
}

// registerAndAdmit registers a fresh account and consumes the response and
// history snapshot, returning the snapshot
func registerAndAdmit(t *testing.T, c *client.Client, username string, color protocol.Color) *protocol.HistoryMessage {
	t.Helper()
	require.NoError(t, c.Register(username, "pw-"+username, "pw-"+username, color))

	resp, ok := nextMsg(t, c).(*protocol.RegisterResponse)
	require.True(t, ok, "expected RegisterResponse")
	require.True(t, resp.OK)

	history, ok := nextMsg(t, c).(*protocol.HistoryMessage)
	require.True(t, ok, "expected HistoryMessage after auth response")
	return history
}

// waitPersisted polls storage until count messages are durable
func waitPersisted(t *testing.T, srv *Server, count int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		records, err := srv.store.RecentMessages(count + 1)
		require.NoError(t, err)
		if len(records) >= count {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d persisted messages", count)
}

func TestJourneyRegisterLoginBroadcast(t *testing.T) {
	_, addr, _ := startJourneyServer(t)

	// A registers alice with color (10, 20, 30) and is admitted
	a := dialClient(t, addr)
	history := registerAndAdmit(t, a, "alice", protocol.Color{R: 10, G: 20, B: 30})
	assert.Empty(t, history.Entries)

	// B tries alice's name with the wrong password: the failure is
	// recoverable and B stays outside the auth gate
	b := dialClient(t, addr)
	require.NoError(t, b.Login("alice", "pw2"))
	failure, ok := nextMsg(t, b).(*protocol.RecoverableErrorMessage)
	require.True(t, ok, "expected RecoverableErrorMessage for bad login")
	assert.Contains(t, failure.Message, "login failed")

	require.NoError(t, b.SendText("let me in"))
	gate, ok := nextMsg(t, b).(*protocol.RecoverableErrorMessage)
	require.True(t, ok)
	assert.Contains(t, gate.Message, "not authenticated")

	// C registers its own account
	c := dialClient(t, addr)
	registerAndAdmit(t, c, "carol", protocol.Color{R: 1, G: 2, B: 3})

	// A sees carol join
	joined, ok := nextMsg(t, a).(*protocol.UserJoined)
	require.True(t, ok, "expected UserJoined for carol")
	assert.Equal(t, "carol", joined.User.Username)

	// A speaks; C hears it with A's identity attached
	require.NoError(t, a.SendText("hello"))
	broadcast, ok := nextMsg(t, c).(*protocol.TextBroadcast)
	require.True(t, ok, "expected TextBroadcast")
	assert.Equal(t, "hello", broadcast.Content)
	assert.Equal(t, "alice", broadcast.Sender.Username)
	assert.Equal(t, protocol.Color{R: 10, G: 20, B: 30}, broadcast.Sender.Color)

	// The sender does not hear itself, and B heard none of it
	expectNoClientMessage(t, a, 200*time.Millisecond)
	expectNoClientMessage(t, b, 200*time.Millisecond)
}

func TestJourneyDeliveryOrder(t *testing.T) {
	_, addr, _ := startJourneyServer(t)

	alice := dialClient(t, addr)
	registerAndAdmit(t, alice, "alice", protocol.Color{R: 10})

	bob := dialClient(t, addr)
	registerAndAdmit(t, bob, "bob", protocol.Color{G: 10})

	// Drain bob's join announcement on alice's side
	_, ok := nextMsg(t, alice).(*protocol.UserJoined)
	require.True(t, ok)

	const n = 30
	for i := 0; i < n; i++ {
		require.NoError(t, alice.SendText(fmt.Sprintf("message %d", i)))
	}

	for i := 0; i < n; i++ {
		broadcast, ok := nextMsg(t, bob).(*protocol.TextBroadcast)
		require.True(t, ok, "message %d: wrong type", i)
		assert.Equal(t, fmt.Sprintf("message %d", i), broadcast.Content, "delivery order broken at %d", i)
	}
}

func TestJourneyHistorySnapshot(t *testing.T) {
	srv, addr, _ := startJourneyServer(t)

	alice := dialClient(t, addr)
	registerAndAdmit(t, alice, "alice", protocol.Color{R: 10, G: 20, B: 30})
	require.NoError(t, alice.SendText("first"))
	require.NoError(t, alice.SendText("second"))
	require.NoError(t, alice.SendText("third"))
	waitPersisted(t, srv, 3)

	bob := dialClient(t, addr)
	history := registerAndAdmit(t, bob, "bob", protocol.Color{B: 10})

	require.Len(t, history.Entries, 3)
	assert.Equal(t, "first", history.Entries[0].Content)
	assert.Equal(t, "second", history.Entries[1].Content)
	assert.Equal(t, "third", history.Entries[2].Content)
	assert.Equal(t, "alice", history.Entries[0].Sender.Username)
	assert.Equal(t, protocol.Color{R: 10, G: 20, B: 30}, history.Entries[0].Sender.Color)
}

func TestJourneyLoginSeesPersistedIdentity(t *testing.T) {
	_, addr, _ := startJourneyServer(t)

	// Register, then come back on a new connection
	first := dialClient(t, addr)
	registerAndAdmit(t, first, "alice", protocol.Color{R: 10, G: 20, B: 30})
	require.NoError(t, first.Quit())

	second := dialClient(t, addr)
	require.NoError(t, second.Login("alice", "pw-alice"))
	resp, ok := nextMsg(t, second).(*protocol.LoginResponse)
	require.True(t, ok)
	assert.True(t, resp.OK)
	assert.Equal(t, "alice", resp.User.Username)
	assert.Equal(t, protocol.Color{R: 10, G: 20, B: 30}, resp.User.Color)
}

func TestJourneyUserLeft(t *testing.T) {
	_, addr, _ := startJourneyServer(t)

	alice := dialClient(t, addr)
	registerAndAdmit(t, alice, "alice", protocol.Color{R: 10})

	bob := dialClient(t, addr)
	registerAndAdmit(t, bob, "bob", protocol.Color{G: 10})
	_, ok := nextMsg(t, alice).(*protocol.UserJoined)
	require.True(t, ok)

	require.NoError(t, bob.Quit())

	left, ok := nextMsg(t, alice).(*protocol.UserLeft)
	require.True(t, ok, "expected UserLeft after bob quit")
	assert.Equal(t, "bob", left.User.Username)
}

func TestJourneyMalformedFrameDisconnects(t *testing.T) {
	_, addr, _ := startJourneyServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	// Declared length far beyond the frame limit
	_, err = conn.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	require.NoError(t, err)

	frame, err := protocol.DecodeFrame(conn)
	require.NoError(t, err)
	msg, err := protocol.DecodeServerMessage(frame)
	require.NoError(t, err)
	fatal, ok := msg.(*protocol.UnrecoverableErrorMessage)
	require.True(t, ok, "expected UnrecoverableErrorMessage, got %T", msg)
	assert.Contains(t, fatal.Message, "protocol error")

	// The server hangs up after the error frame
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = protocol.DecodeFrame(conn)
	assert.Error(t, err)
}

func TestJourneyServerQuitOnShutdown(t *testing.T) {
	_, addr, stop := startJourneyServer(t)

	alice := dialClient(t, addr)
	registerAndAdmit(t, alice, "alice", protocol.Color{R: 10})

	go stop()

	quit, ok := nextMsg(t, alice).(*protocol.ServerQuit)
	require.True(t, ok, "expected ServerQuit during shutdown")
	assert.Contains(t, quit.Reason, "shutting down")

	// The stream then ends
	select {
	case _, ok := <-alice.Incoming():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("connection not closed after ServerQuit")
	}
}

func TestJourneyWebSocketTransport(t *testing.T) {
	srv, addr, _ := startJourneyServer(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWebSocket)
	httpServer := httptest.NewServer(mux)
	t.Cleanup(httpServer.Close)
	wsAddr := "ws://" + strings.TrimPrefix(httpServer.URL, "http://") + "/ws"

	// One side over WebSocket, the other over TCP
	wsUser := dialClient(t, wsAddr)
	registerAndAdmit(t, wsUser, "wanda", protocol.Color{R: 40})

	tcpUser := dialClient(t, addr)
	registerAndAdmit(t, tcpUser, "terry", protocol.Color{G: 40})
	_, ok := nextMsg(t, wsUser).(*protocol.UserJoined)
	require.True(t, ok)

	require.NoError(t, wsUser.SendText("across transports"))
	broadcast, ok := nextMsg(t, tcpUser).(*protocol.TextBroadcast)
	require.True(t, ok)
	assert.Equal(t, "across transports", broadcast.Content)
	assert.Equal(t, "wanda", broadcast.Sender.Username)

	require.NoError(t, tcpUser.SendText("and back"))
	reply, ok := nextMsg(t, wsUser).(*protocol.TextBroadcast)
	require.True(t, ok)
	assert.Equal(t, "and back", reply.Content)
}

func TestJourneyFileAndImageBroadcast(t *testing.T) {
	_, addr, _ := startJourneyServer(t)

	alice := dialClient(t, addr)
	registerAndAdmit(t, alice, "alice", protocol.Color{R: 10})

	bob := dialClient(t, addr)
	registerAndAdmit(t, bob, "bob", protocol.Color{G: 10})
	_, ok := nextMsg(t, alice).(*protocol.UserJoined)
	require.True(t, ok)

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	require.NoError(t, alice.SendFile("dump.bin", payload))
	file, ok := nextMsg(t, bob).(*protocol.FileBroadcast)
	require.True(t, ok)
	assert.Equal(t, "dump.bin", file.Filename)
	assert.Equal(t, payload, file.Data)
	assert.Equal(t, "alice", file.Sender.Username)

	require.NoError(t, alice.SendImage(payload))
	image, ok := nextMsg(t, bob).(*protocol.ImageBroadcast)
	require.True(t, ok)
	assert.Equal(t, payload, image.Data)
}

func TestJourneyUsernameAndColorChange(t *testing.T) {
	_, addr, _ := startJourneyServer(t)

	alice := dialClient(t, addr)
	registerAndAdmit(t, alice, "alice", protocol.Color{R: 10})

	bob := dialClient(t, addr)
	registerAndAdmit(t, bob, "bob", protocol.Color{G: 10})
	_, ok := nextMsg(t, alice).(*protocol.UserJoined)
	require.True(t, ok)

	require.NoError(t, alice.SetUsername("wonderland"))
	renamed, ok := nextMsg(t, bob).(*protocol.UsernameChanged)
	require.True(t, ok)
	assert.Equal(t, "alice", renamed.OldUsername)
	assert.Equal(t, "wonderland", renamed.Sender.Username)

	require.NoError(t, alice.SetColor(protocol.Color{R: 99, G: 98, B: 97}))
	recolored, ok := nextMsg(t, bob).(*protocol.ColorChanged)
	require.True(t, ok)
	assert.Equal(t, protocol.Color{R: 10}, recolored.OldColor)
	assert.Equal(t, protocol.Color{R: 99, G: 98, B: 97}, recolored.Sender.Color)

	// Later messages carry the new identity
	require.NoError(t, alice.SendText("new me"))
	broadcast, ok := nextMsg(t, bob).(*protocol.TextBroadcast)
	require.True(t, ok)
	assert.Equal(t, "wonderland", broadcast.Sender.Username)
	assert.Equal(t, protocol.Color{R: 99, G: 98, B: 97}, broadcast.Sender.Color)
}

func TestJourneyPersistFailureNotifiesSender(t *testing.T) {
	store := newMemStore()
	cfg := testConfig()
	srv := NewServerWithStore(cfg, store)
	require.NoError(t, srv.Start())
	var once sync.Once
	stop := func() { once.Do(func() { require.NoError(t, srv.Stop()) }) }
	t.Cleanup(stop)
	addr := fmt.Sprintf("127.0.0.1:%d", srv.Addr().(*net.TCPAddr).Port)

	alice := dialClient(t, addr)
	registerAndAdmit(t, alice, "alice", protocol.Color{R: 10})

	bob := dialClient(t, addr)
	registerAndAdmit(t, bob, "bob", protocol.Color{G: 10})
	_, ok := nextMsg(t, alice).(*protocol.UserJoined)
	require.True(t, ok)

	store.setInsertErr(fmt.Errorf("disk full"))
	require.NoError(t, alice.SendText("doomed but delivered"))

	// Broadcast is unaffected by the storage failure
	broadcast, ok := nextMsg(t, bob).(*protocol.TextBroadcast)
	require.True(t, ok)
	assert.Equal(t, "doomed but delivered", broadcast.Content)

	// The sender, and only the sender, is told persistence failed
	failure, ok := nextMsg(t, alice).(*protocol.RecoverableErrorMessage)
	require.True(t, ok, "expected RecoverableErrorMessage, got %T", failure)
	assert.Contains(t, failure.Message, "could not be saved")
	expectNoClientMessage(t, bob, 200*time.Millisecond)

	// The connection survives; the next message flows normally
	store.setInsertErr(nil)
	require.NoError(t, alice.SendText("all better"))
	recovered, ok := nextMsg(t, bob).(*protocol.TextBroadcast)
	require.True(t, ok)
	assert.Equal(t, "all better", recovered.Content)
}
