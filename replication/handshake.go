package replication

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/raniellyferreira/redis-lite/protocol"
)

// Logger interface for replication logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// MetricsCollector interface for replication metrics
type MetricsCollector interface {
	RecordHandshakeDuration(duration time.Duration)
	RecordCommandProcessed(cmd string, duration time.Duration)
	RecordNetworkBytes(bytes int64)
	RecordError(errorType string)
}

const (
	// DefaultConnectTimeout bounds the TCP dial to the master
	DefaultConnectTimeout = 5 * time.Second

	// DefaultStepTimeout bounds each request/reply exchange of the handshake
	DefaultStepTimeout = 5 * time.Second
)

// ErrHandshake is matched by every *HandshakeError
var ErrHandshake = errors.New("replication handshake failed")

// Step identifies a stage of the replica handshake
type Step int

const (
	StepConnect Step = iota
	StepPing
	StepReplconfPort
	StepReplconfCapa
	StepPsync
	StepDone
)

// String returns the step name used in logs and errors
func (s Step) String() string {
	switch s {
	case StepConnect:
		return "connect"
	case StepPing:
		return "PING"
	case StepReplconfPort:
		return "REPLCONF listening-port"
	case StepReplconfCapa:
		return "REPLCONF capa"
	case StepPsync:
		return "PSYNC"
	case StepDone:
		return "done"
	default:
		return "step(" + strconv.Itoa(int(s)) + ")"
	}
}

// HandshakeError reports the step at which the handshake stopped. Reply holds
// the master's reply when it was not the expected one; Err holds the I/O
// error otherwise.
type HandshakeError struct {
	Step  Step
	Reply string
	Err   error
}

// Error implements the error interface
func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("replication handshake failed at %s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("replication handshake failed at %s: unexpected reply %q", e.Step, e.Reply)
}

// Unwrap returns the underlying I/O error, if any
func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Is makes every HandshakeError match ErrHandshake
func (e *HandshakeError) Is(target error) bool {
	return target == ErrHandshake
}

// Handshake performs the replica side of the Redis replication handshake:
//
//	PING                              -> +PONG
//	REPLCONF listening-port <port>    -> +OK
//	REPLCONF capa psync2              -> +OK
//	PSYNC ? -1                        -> +FULLRESYNC <replid> <offset>
//
// Each step waits for its reply before the next one is sent.
type Handshake struct {
	masterAddr     string
	listeningPort  int
	connectTimeout time.Duration
	stepTimeout    time.Duration

	logger  Logger
	metrics MetricsCollector
}

// NewHandshake creates a handshake against masterAddr announcing
// listeningPort as this replica's port
func NewHandshake(masterAddr string, listeningPort int) *Handshake {
	return &Handshake{
		masterAddr:     masterAddr,
		listeningPort:  listeningPort,
		connectTimeout: DefaultConnectTimeout,
		stepTimeout:    DefaultStepTimeout,
		logger:         nopLogger{},
	}
}

// SetConnectTimeout sets the dial timeout
func (h *Handshake) SetConnectTimeout(timeout time.Duration) {
	h.connectTimeout = timeout
}

// SetStepTimeout sets the deadline for each exchange
func (h *Handshake) SetStepTimeout(timeout time.Duration) {
	h.stepTimeout = timeout
}

// SetLogger sets the logger
func (h *Handshake) SetLogger(logger Logger) {
	if logger != nil {
		h.logger = logger
	}
}

// SetMetrics sets the metrics collector
func (h *Handshake) SetMetrics(metrics MetricsCollector) {
	h.metrics = metrics
}

// Run dials the master and performs the handshake. On success the returned
// Session owns the connection, positioned at the start of the snapshot
// payload. Every failure is a *HandshakeError and closes the connection.
func (h *Handshake) Run(ctx context.Context) (*Session, error) {
	start := time.Now()
	h.logger.Info("Starting replication handshake", "master", h.masterAddr)

	dialer := &net.Dialer{Timeout: h.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", h.masterAddr)
	if err != nil {
		return nil, h.fail(&HandshakeError{Step: StepConnect, Err: err})
	}

	// cancellation unblocks whatever exchange is in flight
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	reader := protocol.NewReader(conn)
	writer := protocol.NewWriter(conn)

	exchange := func(step Step, cmd string, args ...string) (protocol.Value, error) {
		if err := ctx.Err(); err != nil {
			return protocol.Value{}, &HandshakeError{Step: step, Err: err}
		}
		if h.stepTimeout > 0 {
			conn.SetDeadline(time.Now().Add(h.stepTimeout))
		}
		if err := writer.WriteCommand(cmd, args...); err != nil {
			return protocol.Value{}, &HandshakeError{Step: step, Err: err}
		}
		if err := writer.Flush(); err != nil {
			return protocol.Value{}, &HandshakeError{Step: step, Err: err}
		}
		v, err := reader.ReadNext()
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			return protocol.Value{}, &HandshakeError{Step: step, Err: err}
		}
		h.logger.Debug("Handshake step completed", "step", step.String(), "reply", v.String())
		return v, nil
	}

	expect := func(step Step, want string, cmd string, args ...string) error {
		v, err := exchange(step, cmd, args...)
		if err != nil {
			return err
		}
		if v.Type != protocol.TypeSimpleString || !strings.EqualFold(v.String(), want) {
			return &HandshakeError{Step: step, Reply: replyText(v)}
		}
		return nil
	}

	if err := expect(StepPing, "PONG", "PING"); err != nil {
		conn.Close()
		return nil, h.fail(err)
	}
	if err := expect(StepReplconfPort, "OK", "REPLCONF", "listening-port", strconv.Itoa(h.listeningPort)); err != nil {
		conn.Close()
		return nil, h.fail(err)
	}
	if err := expect(StepReplconfCapa, "OK", "REPLCONF", "capa", "psync2"); err != nil {
		conn.Close()
		return nil, h.fail(err)
	}

	v, err := exchange(StepPsync, "PSYNC", "?", "-1")
	if err != nil {
		conn.Close()
		return nil, h.fail(err)
	}
	replID, offset, ok := parseFullResync(v)
	if !ok {
		conn.Close()
		return nil, h.fail(&HandshakeError{Step: StepPsync, Reply: replyText(v)})
	}

	conn.SetDeadline(time.Time{})

	elapsed := time.Since(start)
	if h.metrics != nil {
		h.metrics.RecordHandshakeDuration(elapsed)
	}
	h.logger.Info("Replication handshake completed", "master", h.masterAddr, "replid", replID, "offset", offset, "duration", elapsed)

	return newSession(conn, reader, writer, replID, offset, h.logger, h.metrics), nil
}

func (h *Handshake) fail(err error) error {
	h.logger.Error("Replication handshake failed", "master", h.masterAddr, "error", err)
	if h.metrics != nil {
		h.metrics.RecordError("handshake")
	}
	return err
}

// parseFullResync parses "+FULLRESYNC <replid> <offset>"
func parseFullResync(v protocol.Value) (string, int64, bool) {
	if v.Type != protocol.TypeSimpleString {
		return "", 0, false
	}
	parts := strings.Fields(v.String())
	if len(parts) != 3 || !strings.EqualFold(parts[0], "FULLRESYNC") || parts[1] == "" {
		return "", 0, false
	}
	offset, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || offset < 0 {
		return "", 0, false
	}
	return parts[1], offset, true
}

func replyText(v protocol.Value) string {
	if v.Type == protocol.TypeError {
		return "-" + v.String()
	}
	return v.String()
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
