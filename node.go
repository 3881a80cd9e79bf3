package redislite

import (
	"context"
	"errors"
	"sync"

	"github.com/raniellyferreira/redis-lite/replication"
	"github.com/raniellyferreira/redis-lite/server"
	"github.com/raniellyferreira/redis-lite/storage"
)

// Node is a redis-lite process: a shared store, the client listener and,
// when configured with WithReplicaOf, the replication link to a master
type Node struct {
	config *config

	storage *storage.Memory
	server  *server.Server

	mu           sync.RWMutex
	starting     bool
	started      bool
	closed       bool
	handshakeErr error
	syncErr      error
	synced       chan struct{}

	// abort cancels an in-flight handshake
	abort  context.CancelFunc
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Node with the given options
//
// The node is created but not started. Use Start() to run the handshake
// and begin listening.
//
// Example:
//
//	node, err := redislite.New(
//		redislite.WithPort(6380),
//		redislite.WithReplicaOf("localhost", 6379),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
func New(opts ...Option) (*Node, error) {
	cfg := defaultConfig()

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	storeOpts := []storage.MemoryOption{storage.WithListeningPort(cfg.port)}
	if cfg.masterHost != "" {
		storeOpts = append(storeOpts, storage.WithRole(storage.ReplicaRole(cfg.masterHost, cfg.masterPort)))
	}
	stor := storage.NewMemory(storeOpts...)

	srv := server.NewServer(cfg.listenAddr(), stor)
	srv.SetLogger(&loggerAdapter{logger: cfg.logger})
	if cfg.metrics != nil {
		srv.SetMetrics(cfg.metrics)
	}
	srv.SetVersion(Version)
	srv.SetReadTimeout(cfg.readTimeout)
	srv.SetMaxReadRetries(cfg.maxReadRetries)
	srv.SetWriteTimeout(cfg.writeTimeout)
	srv.SetScriptTimeout(cfg.scriptTimeout)
	srv.SetReadOnly(cfg.masterHost != "" && cfg.readOnly)

	return &Node{
		config:  cfg,
		storage: stor,
		server:  srv,
		synced:  make(chan struct{}),
	}, nil
}

// Start runs the replica handshake, if any, and then starts the listener.
//
// A handshake failure is logged and kept for HandshakeErr; the node still
// listens and serves its local store. A bind failure is returned. ctx bounds
// the handshake only; replication keeps running until Close. The handshake
// runs without holding the node lock, so Close aborts it.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	if n.started || n.starting {
		n.mu.Unlock()
		return nil
	}
	n.starting = true
	hsCtx, abort := context.WithCancel(ctx)
	n.abort = abort
	n.mu.Unlock()

	var (
		session *replication.Session
		hsErr   error
	)
	if n.IsReplica() {
		session, hsErr = n.handshake(hsCtx)
	}
	abort()

	n.mu.Lock()
	defer n.mu.Unlock()

	n.starting = false
	n.abort = nil
	n.handshakeErr = hsErr
	if n.closed {
		if session != nil {
			session.Close()
		}
		return ErrClosed
	}

	if err := n.server.Start(); err != nil {
		n.config.logger.Error("Failed to start server", Field{Key: "error", Value: err}, Field{Key: "addr", Value: n.config.listenAddr()})
		if session != nil {
			session.Close()
		}
		return &ConnectionError{Addr: n.config.listenAddr(), Err: err}
	}
	n.config.logger.Info("Node listening", Field{Key: "addr", Value: n.server.Addr()}, Field{Key: "role", Value: n.storage.Role().Kind.String()})

	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.started = true

	switch {
	case session != nil:
		n.wg.Add(1)
		go n.replicate(runCtx, session)
	case n.handshakeErr != nil:
		n.finishSync(n.handshakeErr)
	default:
		n.finishSync(nil)
	}

	return nil
}

// handshake runs the replica handshake and logs its failure
func (n *Node) handshake(ctx context.Context) (*replication.Session, error) {
	hs := replication.NewHandshake(n.config.masterAddr(), n.config.port)
	hs.SetConnectTimeout(n.config.connectTimeout)
	hs.SetStepTimeout(n.config.handshakeTimeout)
	hs.SetLogger(&loggerAdapter{logger: n.config.logger})
	if n.config.metrics != nil {
		hs.SetMetrics(n.config.metrics)
	}

	session, err := hs.Run(ctx)
	if err != nil {
		n.config.logger.Error("Replication handshake failed, serving local data only",
			Field{Key: "master", Value: n.config.masterAddr()},
			Field{Key: "error", Value: err},
		)
		return nil, err
	}

	session.SetSnapshotTimeout(n.config.snapshotTimeout)
	session.SetAckInterval(n.config.ackInterval)
	return session, nil
}

// replicate loads the master snapshot and then applies the command stream
// until the link fails or the node is closed
func (n *Node) replicate(ctx context.Context, session *replication.Session) {
	defer n.wg.Done()
	defer session.Close()

	if _, err := session.LoadSnapshot(n.storage); err != nil {
		n.config.logger.Error("Initial sync failed", Field{Key: "error", Value: err})
		n.finishSync(&SyncError{Phase: "snapshot", Err: err})
		return
	}
	n.finishSync(nil)
	n.config.logger.Info("Initial sync completed",
		Field{Key: "replid", Value: session.ReplicationID()},
		Field{Key: "keys", Value: n.storage.KeyCount()},
	)

	err := session.Stream(ctx, n.storage, n.server)
	switch {
	case err == nil:
	case errors.Is(err, replication.ErrLinkClosed):
		n.config.logger.Info("Master closed the replication link")
	default:
		n.config.logger.Error("Replication stream failed", Field{Key: "error", Value: &SyncError{Phase: "stream", Err: err}})
	}
}

func (n *Node) finishSync(err error) {
	n.syncErr = err
	close(n.synced)
}

// WaitForSync blocks until a replica has loaded the master snapshot or ctx
// is done. It returns the handshake or snapshot error, if any. On a master
// it returns immediately once started.
func (n *Node) WaitForSync(ctx context.Context) error {
	if !n.isStarted() {
		return ErrNotStarted
	}

	select {
	case <-n.synced:
		return n.syncErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandshakeErr returns the error of the replica handshake, or nil when it
// succeeded or was not needed
func (n *Node) HandshakeErr() error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.handshakeErr
}

// IsReplica reports whether the node follows a master
func (n *Node) IsReplica() bool {
	return n.config.masterHost != ""
}

// Addr returns the listening address, which is only known after Start
func (n *Node) Addr() string {
	return n.server.Addr()
}

// Storage returns the underlying store for direct access
//
// Example:
//
//	value, exists := node.Storage().Get("mykey")
func (n *Node) Storage() storage.Storage {
	return n.storage
}

// Close stops the listener, every connection and the replication link
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	abort := n.abort
	cancel := n.cancel
	started := n.started
	n.mu.Unlock()

	if abort != nil {
		abort()
	}
	if cancel != nil {
		cancel()
	}

	var err error
	if started {
		err = n.server.Stop()
	}
	n.wg.Wait()
	return err
}

// isStarted returns true if the node is started (thread-safe)
func (n *Node) isStarted() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.started && !n.closed
}
