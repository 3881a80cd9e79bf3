package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raniellyferreira/redis-lite/lua"
	"github.com/raniellyferreira/redis-lite/protocol"
	"github.com/raniellyferreira/redis-lite/storage"
)

const (
	// DefaultReadTimeout bounds each read on a client connection
	DefaultReadTimeout = 1000 * time.Millisecond

	// DefaultMaxReadRetries is the number of consecutive read timeouts
	// after which a connection is closed
	DefaultMaxReadRetries = 3

	// DefaultWriteTimeout bounds each reply and each propagated command
	DefaultWriteTimeout = 5 * time.Second

	// readBufferSize is the fixed capacity of a connection's input buffer
	readBufferSize = 16 * 1024

	// redisVersion is what INFO and HELLO report to clients
	redisVersion = "7.2.0"
)

// Logger interface for server logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// MetricsCollector interface for server metrics
type MetricsCollector interface {
	RecordCommandProcessed(cmd string, duration time.Duration)
	RecordNetworkBytes(bytes int64)
	RecordConnection(event string)
	RecordReadTimeout()
	RecordError(errorType string)
}

// Server accepts client connections and dispatches their commands against
// the shared store
type Server struct {
	storage storage.Storage
	lua     *lua.Engine

	// Server configuration
	addr           string
	version        string
	readTimeout    time.Duration
	writeTimeout   time.Duration
	maxReadRetries int
	readOnly       bool
	startTime      time.Time

	// Connection management
	listener net.Listener
	clients  sync.Map // map[net.Conn]*Client
	nextID   int64

	// writeMu orders store writes with their propagation and with the
	// snapshot taken for a new replica
	writeMu  sync.Mutex
	replicas *replicaSet

	logger  Logger
	metrics MetricsCollector

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	connCount    int64
	commandCount int64
	errorCount   int64
	mu           sync.RWMutex
}

// NewServer creates a server for addr backed by the given store
func NewServer(addr string, store storage.Storage) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		storage:        store,
		lua:            lua.NewEngine(store),
		addr:           addr,
		version:        "dev",
		readTimeout:    DefaultReadTimeout,
		writeTimeout:   DefaultWriteTimeout,
		maxReadRetries: DefaultMaxReadRetries,
		startTime:      time.Now(),
		replicas:       newReplicaSet(),
		logger:         nopLogger{},
		ctx:            ctx,
		cancel:         cancel,
	}

	s.lua.SetWriteGuard(func(cmd string) error {
		if s.readOnly {
			return readOnlyError(cmd)
		}
		return nil
	})
	s.lua.SetWriteObserver(func(cmd string, args []string) {
		s.propagate(protocol.NewCommand(cmd, args...))
	})

	return s
}

// SetLogger sets the logger
func (s *Server) SetLogger(logger Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetMetrics sets the metrics collector
func (s *Server) SetMetrics(metrics MetricsCollector) {
	s.metrics = metrics
}

// SetVersion sets the build version reported by INFO
func (s *Server) SetVersion(version string) {
	s.version = version
}

// SetReadTimeout sets the per-read deadline on client connections
func (s *Server) SetReadTimeout(timeout time.Duration) {
	s.readTimeout = timeout
}

// SetMaxReadRetries sets how many consecutive read timeouts a connection
// survives
func (s *Server) SetMaxReadRetries(retries int) {
	s.maxReadRetries = retries
}

// SetWriteTimeout sets the deadline for writing a reply or propagating a
// command to a replica
func (s *Server) SetWriteTimeout(timeout time.Duration) {
	s.writeTimeout = timeout
}

// SetScriptTimeout bounds how long EVAL and EVALSHA may run. Zero removes
// the limit.
func (s *Server) SetScriptTimeout(timeout time.Duration) {
	s.lua.SetTimeLimit(timeout)
}

// SetReadOnly makes client writes fail with a READONLY error. Commands
// applied from the master are not affected.
func (s *Server) SetReadOnly(readOnly bool) {
	s.readOnly = readOnly
}

// Start binds the listening socket and starts accepting connections
func (s *Server) Start() error {
	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return &IOError{Op: "listen " + s.addr, Err: err}
	}

	s.logger.Info("Server listening", "addr", s.listener.Addr().String())

	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// Stop closes the listener, every client and every replica link
func (s *Server) Stop() error {
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.clients.Range(func(key, value interface{}) bool {
		if client, ok := value.(*Client); ok {
			client.Close()
		}
		return true
	})

	s.replicas.closeAll()

	s.wg.Wait()
	return nil
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Storage returns the store the server dispatches against
func (s *Server) Storage() storage.Storage {
	return s.storage
}

// Stats returns server statistics
func (s *Server) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clientCount := 0
	s.clients.Range(func(key, value interface{}) bool {
		clientCount++
		return true
	})

	return map[string]interface{}{
		"connected_clients": clientCount,
		"connected_slaves":  s.replicas.count(),
		"total_commands":    s.commandCount,
		"total_errors":      s.errorCount,
		"total_connections": s.connCount,
	}
}

// acceptConnections accepts new client connections
func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error("Accept failed", "error", err)
			s.recordError("accept")
			// back off on transient errors such as EMFILE
			select {
			case <-time.After(10 * time.Millisecond):
			case <-s.ctx.Done():
				return
			}
			continue
		}

		s.handleNewClient(conn)
	}
}

// handleNewClient serves conn on its own goroutine. Nothing that happens on
// the connection, panics included, reaches the listener or other clients.
func (s *Server) handleNewClient(conn net.Conn) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Connection handler panicked", "remote", conn.RemoteAddr().String(), "panic", fmt.Sprint(r))
				s.recordError("panic")
				conn.Close()
			}
		}()

		if err := s.ServeConn(conn); err != nil {
			s.logger.Debug("Connection closed", "remote", conn.RemoteAddr().String(), "reason", err)
		}
	}()
}

// ServeConn runs the request/response loop for conn until the peer closes
// it, a request fails or the read retries are exhausted. conn is closed on
// return. An orderly close by the peer returns nil.
func (s *Server) ServeConn(conn net.Conn) error {
	s.mu.Lock()
	s.connCount++
	s.mu.Unlock()

	client := s.newClient(conn)
	s.clients.Store(conn, client)
	if s.metrics != nil {
		s.metrics.RecordConnection("accepted")
	}

	defer func() {
		client.Close()
		if s.metrics != nil {
			s.metrics.RecordConnection("closed")
		}
	}()

	return client.serve()
}

func (s *Server) newClient(conn net.Conn) *Client {
	ctx, cancel := context.WithCancel(s.ctx)
	return &Client{
		id:     atomic.AddInt64(&s.nextID, 1),
		conn:   conn,
		server: s,
		buf:    make([]byte, readBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Server) recordError(errorType string) {
	s.mu.Lock()
	s.errorCount++
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordError(errorType)
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
