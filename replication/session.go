package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/raniellyferreira/redis-lite/protocol"
	"github.com/raniellyferreira/redis-lite/rdb"
	"github.com/raniellyferreira/redis-lite/storage"
)

const (
	// DefaultSnapshotTimeout bounds the transfer of the snapshot payload
	DefaultSnapshotTimeout = 60 * time.Second

	// DefaultAckInterval is how often the replica reports its offset
	DefaultAckInterval = time.Second

	writeTimeout = 5 * time.Second
)

// ErrLinkClosed is returned by Stream when the master closes the link
var ErrLinkClosed = errors.New("master closed the replication link")

// Applier executes commands received from the master. A non-empty reply is
// sent back on the replication link.
type Applier interface {
	Apply(cmd *protocol.Command) ([]byte, error)
}

// Session is an established replication link, from the snapshot that
// follows FULLRESYNC through the command stream
type Session struct {
	conn   net.Conn
	reader *protocol.Reader
	writer *protocol.Writer

	replID string
	offset int64

	snapshotTimeout time.Duration
	ackInterval     time.Duration

	writeMu sync.Mutex

	logger  Logger
	metrics MetricsCollector
}

func newSession(conn net.Conn, reader *protocol.Reader, writer *protocol.Writer, replID string, offset int64, logger Logger, metrics MetricsCollector) *Session {
	return &Session{
		conn:            conn,
		reader:          reader,
		writer:          writer,
		replID:          replID,
		offset:          offset,
		snapshotTimeout: DefaultSnapshotTimeout,
		ackInterval:     DefaultAckInterval,
		logger:          logger,
		metrics:         metrics,
	}
}

// ReplicationID returns the master replication ID from FULLRESYNC
func (s *Session) ReplicationID() string {
	return s.replID
}

// Offset returns the master offset from FULLRESYNC
func (s *Session) Offset() int64 {
	return s.offset
}

// SetSnapshotTimeout sets the deadline for receiving the snapshot
func (s *Session) SetSnapshotTimeout(timeout time.Duration) {
	s.snapshotTimeout = timeout
}

// SetAckInterval sets how often REPLCONF ACK is sent while streaming.
// Zero disables periodic acknowledgements.
func (s *Session) SetAckInterval(interval time.Duration) {
	s.ackInterval = interval
}

// Close closes the replication link
func (s *Session) Close() error {
	return s.conn.Close()
}

// LoadSnapshot reads the RDB payload sent after FULLRESYNC, verifies it and
// replaces the contents of store with it. On success the store's master link
// is marked up at the FULLRESYNC offset.
func (s *Session) LoadSnapshot(store storage.Storage) (rdb.LoadStats, error) {
	if s.snapshotTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.snapshotTimeout))
		defer s.conn.SetReadDeadline(time.Time{})
	}

	var buf bytes.Buffer
	n, err := s.reader.ReadPayload(func(chunk []byte) error {
		buf.Write(chunk)
		return nil
	})
	if s.metrics != nil {
		s.metrics.RecordNetworkBytes(n)
	}
	if err != nil {
		s.recordError("snapshot")
		return rdb.LoadStats{}, fmt.Errorf("read snapshot: %w", err)
	}

	stats, err := rdb.Load(buf.Bytes(), store)
	if err != nil {
		s.recordError("snapshot")
		return stats, fmt.Errorf("load snapshot: %w", err)
	}

	store.SetMasterLink(s.replID, s.offset, true)
	s.logger.Info("Snapshot loaded",
		"bytes", n,
		"keys", stats.Keys,
		"skipped", stats.Skipped,
		"elapsed", stats.Elapsed,
	)
	return stats, nil
}

// Stream applies commands from the master until ctx is cancelled or the
// link fails. The store offset advances by the wire size of each command
// after it has been applied, so a GETACK reply reports the offset
// before the GETACK itself. The master link is marked down on return.
// Cancellation returns nil.
func (s *Session) Stream(ctx context.Context, store storage.Storage, applier Applier) error {
	stop := context.AfterFunc(ctx, func() {
		s.conn.Close()
	})
	defer stop()
	defer store.SetMasterLink("", 0, false)

	s.conn.SetReadDeadline(time.Time{})

	if s.ackInterval > 0 {
		ackCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go s.sendAcks(ackCtx, store)
	}

	for {
		before := s.reader.Consumed()
		v, err := s.reader.ReadNext()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.recordError("stream")
			if errors.Is(err, io.EOF) {
				return ErrLinkClosed
			}
			return fmt.Errorf("read from master: %w", err)
		}

		size := s.reader.Consumed() - before

		cmd, err := protocol.ParseCommand(v)
		if err != nil {
			s.logger.Error("Ignoring malformed command from master", "error", err)
			s.recordError("parse")
			store.AdvanceOffset(size)
			continue
		}

		start := time.Now()
		reply, err := applier.Apply(cmd)
		if s.metrics != nil {
			s.metrics.RecordCommandProcessed(cmd.Name, time.Since(start))
			s.metrics.RecordNetworkBytes(size)
		}
		if err != nil {
			s.logger.Error("Failed to apply command from master", "command", cmd.Name, "error", err)
			s.recordError("apply")
		}

		if len(reply) > 0 {
			if err := s.send(reply); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}

		store.AdvanceOffset(size)
	}
}

// sendAcks reports the replica offset at every ack interval
func (s *Session) sendAcks(ctx context.Context, store storage.Storage) {
	ticker := time.NewTicker(s.ackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			offset := store.Role().Offset
			ack := protocol.AppendCommand(nil, "REPLCONF", "ACK", strconv.FormatInt(offset, 10))
			if err := s.send(ack); err != nil {
				s.logger.Debug("Failed to send REPLCONF ACK", "error", err)
				return
			}
		}
	}
}

func (s *Session) send(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.writer.WriteRaw(p); err != nil {
		return fmt.Errorf("write to master: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("write to master: %w", err)
	}
	return nil
}

func (s *Session) recordError(errorType string) {
	if s.metrics != nil {
		s.metrics.RecordError(errorType)
	}
}
