package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaychat/relay/pkg/database"
	"github.com/relaychat/relay/pkg/protocol"
	"github.com/relaychat/relay/pkg/transport"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// shutdownFlushGrace bounds how long Stop waits for session writers to flush
// their queues before the remaining connections are torn down.
const shutdownFlushGrace = 3 * time.Second

// EnableDebugLogging turns on per-session debug output
func EnableDebugLogging() {
	debugLog.SetOutput(os.Stderr)
}

// Server is the orchestrator: it owns the accept loop, wires the transport
// pair, registry, auth gate and persistence queue for every connection, and
// owns shutdown.
type Server struct {
	store     Store
	dbClose   func() error
	config    Config
	registry  *Registry
	persister *Persister
	metrics   *Metrics

	listener   net.Listener
	httpServer *http.Server

	shutdown     chan struct{} // closed by Stop; observed by every loop
	registryStop chan struct{} // closed after all connection tasks exited
	wg           sync.WaitGroup

	nextSessionID atomic.Uint64
}

// NewServer opens the database at the configured path and creates a server
func NewServer(config Config) (*Server, error) {
	if dir := filepath.Dir(config.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := database.Open(config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := NewServerWithStore(config, db)
	s.dbClose = db.Close
	return s, nil
}

// NewServerWithStore creates a server on an externally owned store
func NewServerWithStore(config Config, store Store) *Server {
	metrics := NewMetrics()
	return &Server{
		store:        store,
		config:       config,
		metrics:      metrics,
		registry:     NewRegistry(config.OverflowPolicy, metrics),
		persister:    NewPersister(store, config.PersistQueueSize, metrics),
		shutdown:     make(chan struct{}),
		registryStop: make(chan struct{}),
	}
}

// Start begins listening and accepting connections
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("Listening on %s", listener.Addr())

	go s.registry.Run(s.registryStop)
	go s.persister.Run()

	// HTTP listener: /ws carries the same protocol over WebSocket, /metrics
	// is internal prometheus scrape
	if s.config.HTTPPort > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.HandleWebSocket)
		mux.Handle("/metrics", s.metrics.Handler())
		s.httpServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", s.config.HTTPPort),
			Handler: mux,
		}
		go func() {
			log.Printf("HTTP server listening on %s (/ws, /metrics)", s.httpServer.Addr)
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorLog.Printf("HTTP server error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the TCP listen address (useful with port 0)
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// acceptLoop accepts incoming connections until shutdown
func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				errorLog.Printf("Accept error: %v", err)
				continue
			}
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection runs one connection task: split the transport, register
// the session, then receive → dispatch until the session is Disconnected.
// The registry entry and the outbound queue are released on every exit path.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	sender, receiver, err := transport.NewPair(conn).Split()
	if err != nil {
		// Cannot happen for a fresh pair
		conn.Close()
		return
	}

	id := s.nextSessionID.Add(1)
	sess := newSession(id, conn.RemoteAddr().String(), sender, s.config.OutboundQueueSize)
	s.registry.Register(sess)
	go sess.writeLoop()

	defer func() {
		s.registry.Unregister(sess.ID)
		sess.Close()
	}()

	debugLog.Printf("Session %d connected from %s", sess.ID, sess.RemoteAddr)

	for {
		frame, err := receiver.ReceiveFrame()
		if err != nil {
			s.handleReceiveError(sess, err)
			return
		}

		if s.metrics != nil {
			s.metrics.RecordMessageReceived(messageTypeToString(frame.Type))
		}

		msg, err := protocol.DecodeClientMessage(frame)
		if err != nil {
			// Malformed, truncated or unknown frames are connection-fatal
			s.sendUnrecoverable(sess, fmt.Sprintf("protocol error: %v", err))
			return
		}

		if err := s.dispatch(sess, msg); err != nil {
			if errors.Is(err, ErrClientDisconnecting) {
				debugLog.Printf("Session %d quit", sess.ID)
				return
			}
			if errors.Is(err, ErrSessionClosed) {
				return
			}
			errorLog.Printf("Session %d dispatch error: %v", sess.ID, err)
			s.sendRecoverable(sess, "internal error")
		}
	}
}

// handleReceiveError classifies a transport read failure
func (s *Server) handleReceiveError(sess *Session, err error) {
	switch {
	case errors.Is(err, transport.ErrConnectionClosed):
		debugLog.Printf("Session %d disconnected", sess.ID)
	case errors.Is(err, protocol.ErrTruncated),
		errors.Is(err, protocol.ErrMalformedFrame),
		errors.Is(err, protocol.ErrFrameTooLarge):
		s.sendUnrecoverable(sess, fmt.Sprintf("protocol error: %v", err))
	default:
		debugLog.Printf("Session %d read error: %v", sess.ID, err)
	}
}

// sendUnrecoverable queues an UNRECOVERABLE_ERROR and closes the session so
// the frame is flushed before the connection goes down
func (s *Server) sendUnrecoverable(sess *Session, message string) {
	if s.metrics != nil {
		s.metrics.RecordErrorSent("unrecoverable")
	}
	sess.Enqueue(mustEncode(&protocol.UnrecoverableErrorMessage{Message: message}))
	sess.Close()
}

// Stop gracefully stops the server: new connections are refused, every live
// session is told the server is quitting, connection tasks drain their
// outbound queues and exit, then the persistence queue drains and storage
// closes. Safe to call once.
func (s *Server) Stop() error {
	log.Println("Graceful shutdown initiated...")
	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
	}
	if s.httpServer != nil {
		s.httpServer.Close()
	}

	// Notify and close sessions; writers flush the notice before the
	// connections drop, which unblocks every reader. Sessions whose peer
	// stopped reading cannot flush and are aborted after the grace period.
	s.registry.Shutdown(mustEncode(&protocol.ServerQuit{
		Reason: "server shutting down",
	}), shutdownFlushGrace)

	s.wg.Wait()
	close(s.registryStop)

	s.persister.Stop()

	if s.dbClose != nil {
		if err := s.dbClose(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}
	log.Println("Graceful shutdown complete")
	return nil
}
