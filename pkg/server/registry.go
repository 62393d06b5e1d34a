package server

import (
	"time"

	"github.com/relaychat/relay/pkg/protocol"
)

// Registry is the connection registry and broadcast authority. One goroutine
// (Run) owns the session map; registration, removal, authentication and
// broadcast all flow through its channels, so there are no torn reads during
// concurrent connect/disconnect and the order in which broadcast requests are
// accepted is the delivery order every client observes.
//
// Broadcast excludes the sender: the author already rendered its own message
// locally and the original revisions that echoed it back double-printed.
type Registry struct {
	register     chan *Session
	unregister   chan uint64
	authenticate chan uint64
	broadcast    chan broadcastReq
	ops          chan func(map[uint64]*regEntry) // shutdown notification, introspection

	queueSize int
	policy    OverflowPolicy
	metrics   *Metrics
}

type regEntry struct {
	sess   *Session
	authed bool
}

type broadcastReq struct {
	senderID uint64
	frame    []byte
}

// NewRegistry creates a registry; callers must start Run in its own goroutine
func NewRegistry(policy OverflowPolicy, metrics *Metrics) *Registry {
	return &Registry{
		register:     make(chan *Session),
		unregister:   make(chan uint64),
		authenticate: make(chan uint64),
		broadcast:    make(chan broadcastReq, 64),
		ops:          make(chan func(map[uint64]*regEntry)),
		policy:       policy,
		metrics:      metrics,
	}
}

// Run owns the session map until stop closes. All map mutation happens here.
func (r *Registry) Run(stop <-chan struct{}) {
	sessions := make(map[uint64]*regEntry)

	for {
		select {
		case <-stop:
			return
		case sess := <-r.register:
			sessions[sess.ID] = &regEntry{sess: sess}
			if r.metrics != nil {
				r.metrics.RecordActiveSessions(len(sessions))
			}
		case id := <-r.unregister:
			entry, ok := sessions[id]
			if !ok {
				continue
			}
			delete(sessions, id)
			if r.metrics != nil {
				r.metrics.RecordActiveSessions(len(sessions))
			}
			if entry.authed {
				r.fanOut(sessions, id, mustEncode(&protocol.UserLeft{
					User:   entry.sess.User(),
					SentAt: time.Now().UTC(),
				}))
			}
		case id := <-r.authenticate:
			if entry, ok := sessions[id]; ok {
				entry.authed = true
			}
		case req := <-r.broadcast:
			if r.metrics != nil {
				r.metrics.RecordBroadcast()
			}
			r.fanOut(sessions, req.senderID, req.frame)
		case op := <-r.ops:
			op(sessions)
		}
	}
}

// Register adds a session as unauthenticated
func (r *Registry) Register(sess *Session) {
	r.register <- sess
}

// Unregister removes a session; broadcasts USER_LEFT if it was authenticated.
// Idempotent, so every connection exit path may call it.
func (r *Registry) Unregister(id uint64) {
	r.unregister <- id
}

// Authenticate makes the session eligible for broadcast delivery. Any
// broadcast accepted before this call is not delivered to the session, which
// is what keeps the history snapshot ahead of live traffic.
func (r *Registry) Authenticate(id uint64) {
	r.authenticate <- id
}

// Broadcast hands a pre-encoded frame to the broadcast authority. The order
// in which Broadcast calls are accepted here is the cross-client delivery
// order.
func (r *Registry) Broadcast(senderID uint64, frame []byte) {
	r.broadcast <- broadcastReq{senderID: senderID, frame: frame}
}

// Shutdown enqueues a frame to every live session and closes them. Each
// writer flushes its remaining queue (the notice included) and drops the
// connection, which unblocks the session's reader. A writer wedged on a peer
// that stopped reading can never flush, so sessions whose writers have not
// exited within the grace period are aborted outright.
func (r *Registry) Shutdown(frame []byte, grace time.Duration) {
	collected := make(chan []*Session, 1)
	r.ops <- func(sessions map[uint64]*regEntry) {
		live := make([]*Session, 0, len(sessions))
		for _, entry := range sessions {
			entry.sess.TryEnqueue(frame) // best effort; a full queue forfeits the notice
			entry.sess.Close()
			live = append(live, entry.sess)
		}
		collected <- live
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	expired := false
	for _, sess := range <-collected {
		if !expired {
			select {
			case <-sess.writerDone:
				continue
			case <-timer.C:
				expired = true
			}
		}
		sess.Abort()
	}
}

// fanOut delivers one frame to every authenticated session except the sender.
// Delivery is an enqueue onto each session's bounded queue; a full queue
// triggers the overflow policy so one slow client cannot stall the rest.
func (r *Registry) fanOut(sessions map[uint64]*regEntry, senderID uint64, frame []byte) {
	for id, entry := range sessions {
		if id == senderID || !entry.authed {
			continue
		}
		if entry.sess.TryEnqueue(frame) {
			continue
		}
		switch r.policy {
		case OverflowDropOldest:
			entry.sess.DropOldest()
			if r.metrics != nil {
				r.metrics.RecordFrameDropped()
			}
			if !entry.sess.TryEnqueue(frame) {
				// Queue refilled between drop and retry; drop the new frame
				if r.metrics != nil {
					r.metrics.RecordFrameDropped()
				}
			}
		case OverflowDisconnect:
			if r.metrics != nil {
				r.metrics.RecordOverflowDisconnect()
				r.metrics.RecordErrorSent("unrecoverable")
			}
			// Write off-loop: a blocked peer must not stall the authority
			go func(sess *Session) {
				sess.SendDirect(mustEncode(&protocol.UnrecoverableErrorMessage{
					Message: "disconnected: too slow to keep up with broadcast",
				}))
				sess.Abort()
			}(entry.sess)
			delete(sessions, id)
			if r.metrics != nil {
				r.metrics.RecordActiveSessions(len(sessions))
			}
		}
	}
}

// mustEncode encodes a server-constructed message. Encoding such a message
// can only fail on an oversized payload, which would be a server bug.
func mustEncode(m protocol.Message) []byte {
	data, err := protocol.EncodeMessage(m)
	if err != nil {
		panic(err)
	}
	return data
}
