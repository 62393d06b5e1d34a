package server

import (
	"time"

	"github.com/relaychat/relay/pkg/database"
	"github.com/relaychat/relay/pkg/protocol"
)

// Store is the storage contract the server needs. *database.DB satisfies it;
// tests substitute failing implementations to exercise the persistence error
// path without a broken filesystem.
type Store interface {
	CreateUser(username, passwordHash string, r, g, b uint8) (*database.User, error)
	GetUserByUsername(username string) (*database.User, error)
	InsertMessage(userID int64, text string, createdAt time.Time) error
	RecentMessages(limit int) ([]database.MessageRecord, error)
}

type persistRequest struct {
	sess   *Session
	userID int64
	text   string
	sentAt time.Time
}

// Persister is the single consumer that serializes durable writes of text
// messages. Connection tasks hand off through the queue after the broadcast
// authority accepted the message; inserts happen one at a time, so commits
// never interleave. Durability is best-effort: a failed insert is reported to
// the originating session as RECOVERABLE_ERROR and the already-completed
// broadcast stands.
type Persister struct {
	store   Store
	queue   chan persistRequest
	done    chan struct{}
	metrics *Metrics
}

// NewPersister creates a persister; callers must start Run in its own goroutine
func NewPersister(store Store, queueSize int, metrics *Metrics) *Persister {
	return &Persister{
		store:   store,
		queue:   make(chan persistRequest, queueSize),
		done:    make(chan struct{}),
		metrics: metrics,
	}
}

// Run processes inserts until the queue is closed and drained
func (p *Persister) Run() {
	defer close(p.done)
	for req := range p.queue {
		if err := p.store.InsertMessage(req.userID, req.text, req.sentAt); err != nil {
			errorLog.Printf("Session %d: message insert failed: %v", req.sess.ID, err)
			if p.metrics != nil {
				p.metrics.RecordPersistFailure()
				p.metrics.RecordErrorSent("recoverable")
			}
			req.sess.Enqueue(mustEncode(&protocol.RecoverableErrorMessage{
				Message: "message was delivered but could not be saved",
			}))
			continue
		}
		if p.metrics != nil {
			p.metrics.RecordPersisted()
		}
	}
}

// Enqueue hands one accepted text message to the persistence task. Blocks
// while the queue is full; this is a deliberate suspension point so a stalled
// store applies backpressure to senders instead of growing without bound.
func (p *Persister) Enqueue(req persistRequest) {
	p.queue <- req
}

// Stop closes the queue and waits for the consumer to drain it
func (p *Persister) Stop() {
	close(p.queue)
	<-p.done
}
