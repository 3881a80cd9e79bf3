package redislite

import (
	"errors"
	"fmt"

	"github.com/raniellyferreira/redis-lite/protocol"
	"github.com/raniellyferreira/redis-lite/rdb"
	"github.com/raniellyferreira/redis-lite/replication"
	"github.com/raniellyferreira/redis-lite/server"
)

// Error kinds raised by the node itself
var (
	// ErrInvalidConfig indicates invalid configuration options
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrClosed indicates the node has been closed
	ErrClosed = errors.New("node is closed")

	// ErrNotStarted indicates an operation that needs Start to have run
	ErrNotStarted = errors.New("node is not started")
)

// Error kinds of the underlying packages, re-exported so callers can match
// them with errors.Is without importing every package
var (
	ErrEmptyRequest       = protocol.ErrEmptyRequest
	ErrMalformedRequest   = protocol.ErrMalformedRequest
	ErrUnsupportedCommand = server.ErrUnsupportedCommand
	ErrArity              = server.ErrArity
	ErrSyntax             = server.ErrSyntax
	ErrReadOnly           = server.ErrReadOnly
	ErrIO                 = server.ErrIO
	ErrIdleTimeout        = server.ErrIdleTimeout
	ErrHandshake          = replication.ErrHandshake
	ErrLinkClosed         = replication.ErrLinkClosed
	ErrChecksumMismatch   = rdb.ErrChecksumMismatch
)

// SyncError represents a replication failure after the handshake
type SyncError struct {
	Phase string // "snapshot" or "stream"
	Err   error
}

// Error implements the error interface
func (e *SyncError) Error() string {
	return fmt.Sprintf("sync error in phase %s: %v", e.Phase, e.Err)
}

// Unwrap returns the wrapped error
func (e *SyncError) Unwrap() error {
	return e.Err
}

// ConnectionError represents a failure to bind the listening address
type ConnectionError struct {
	Addr string
	Err  error
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error on %s: %v", e.Addr, e.Err)
}

// Unwrap returns the wrapped error
func (e *ConnectionError) Unwrap() error {
	return e.Err
}
