package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaychat/relay/pkg/protocol"
)

func TestSessionStateTransitions(t *testing.T) {
	sess, _ := newQueuedSession(t, 1, 4)

	assert.Equal(t, StateUnauthenticated, sess.State())
	assert.False(t, sess.IsAuthenticated())

	sess.SetState(StateAuthenticated)
	assert.True(t, sess.IsAuthenticated())

	sess.Close()
	assert.Equal(t, StateDisconnected, sess.State())
	assert.False(t, sess.IsAuthenticated())
}

func TestSessionEnqueueAfterClose(t *testing.T) {
	sess, _ := newQueuedSession(t, 1, 4)
	sess.Close()

	err := sess.Enqueue([]byte{0x00})
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.True(t, sess.TryEnqueue([]byte{0x00}), "TryEnqueue on a dead session reports success; there is nothing left to overflow")
}

func TestSessionTryEnqueueFullQueue(t *testing.T) {
	sess, _ := newQueuedSession(t, 1, 2)

	assert.True(t, sess.TryEnqueue([]byte{1}))
	assert.True(t, sess.TryEnqueue([]byte{2}))
	assert.False(t, sess.TryEnqueue([]byte{3}), "third frame must not fit a queue of two")

	assert.True(t, sess.DropOldest())
	assert.True(t, sess.TryEnqueue([]byte{3}))

	frames := drainQueue(sess)
	require.Len(t, frames, 2)
	assert.Equal(t, []byte{2}, frames[0])
	assert.Equal(t, []byte{3}, frames[1])
}

func TestSessionDropOldestEmptyQueue(t *testing.T) {
	sess, _ := newQueuedSession(t, 1, 2)
	assert.False(t, sess.DropOldest())
}

func TestSessionUserIdentity(t *testing.T) {
	sess, _ := newQueuedSession(t, 1, 4)

	info := protocol.UserInfo{Username: "alice", Color: protocol.Color{R: 10, G: 20, B: 30}}
	sess.SetUser(7, info)

	assert.Equal(t, int64(7), sess.UserID())
	assert.Equal(t, info, sess.User())
}

func TestSessionCloseFlushesQueuedFrames(t *testing.T) {
	// Frames queued before Close must still reach the wire
	sess, receiver := newPipeSession(t, 1, 8)

	frame := mustEncode(&protocol.ServerQuit{Reason: "bye"})
	require.NoError(t, sess.Enqueue(frame))
	sess.Close()

	msg := receiveMessage(t, receiver)
	quit, ok := msg.(*protocol.ServerQuit)
	require.True(t, ok, "expected ServerQuit, got %T", msg)
	assert.Equal(t, "bye", quit.Reason)

	// Then the connection closes
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := receiver.ReceiveFrame(); err != nil {
			return
		}
	}
	t.Fatal("connection still open after flush")
}

func TestSessionCloseIdempotent(t *testing.T) {
	sess, _ := newQueuedSession(t, 1, 4)
	sess.Close()
	sess.Close()
	sess.Abort()
}
