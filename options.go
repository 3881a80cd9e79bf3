package redislite

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// config holds the configuration for a Node
type config struct {
	// Listener settings
	bindHost string
	port     int

	// Master settings, empty masterHost means this node is a master
	masterHost string
	masterPort int

	// Timeouts and limits
	readTimeout      time.Duration
	maxReadRetries   int
	writeTimeout     time.Duration
	connectTimeout   time.Duration
	handshakeTimeout time.Duration
	snapshotTimeout  time.Duration
	ackInterval      time.Duration
	scriptTimeout    time.Duration

	// Observability
	logger  Logger
	metrics MetricsCollector

	// Behavioral options
	readOnly bool
}

// defaultConfig returns a configuration with sensible defaults
func defaultConfig() *config {
	return &config{
		bindHost:         "127.0.0.1",
		port:             6379,
		readTimeout:      time.Second,
		maxReadRetries:   3,
		writeTimeout:     5 * time.Second,
		connectTimeout:   5 * time.Second,
		handshakeTimeout: 5 * time.Second,
		snapshotTimeout:  60 * time.Second,
		ackInterval:      time.Second,
		scriptTimeout:    5 * time.Second,
		readOnly:         true,
		logger:           &defaultLogger{},
	}
}

// listenAddr returns the address the server binds
func (c *config) listenAddr() string {
	return net.JoinHostPort(c.bindHost, strconv.Itoa(c.port))
}

// masterAddr returns the master address, or "" on a master
func (c *config) masterAddr() string {
	if c.masterHost == "" {
		return ""
	}
	return net.JoinHostPort(c.masterHost, strconv.Itoa(c.masterPort))
}

// Option represents a configuration option for a Node
type Option func(*config) error

// WithPort sets the TCP port to listen on (default 6379). Port 0 picks a
// free port, which is then announced to the master as 0.
//
// Example:
//
//	WithPort(6380)
func WithPort(port int) Option {
	return func(c *config) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, port)
		}
		c.port = port
		return nil
	}
}

// WithBindHost sets the interface to listen on (default 127.0.0.1)
func WithBindHost(host string) Option {
	return func(c *config) error {
		if host == "" {
			return fmt.Errorf("%w: empty bind host", ErrInvalidConfig)
		}
		c.bindHost = host
		return nil
	}
}

// WithReplicaOf makes the node a replica of host:port
//
// Example:
//
//	WithReplicaOf("localhost", 6379)
func WithReplicaOf(host string, port int) Option {
	return func(c *config) error {
		if host == "" {
			return fmt.Errorf("%w: empty master host", ErrInvalidConfig)
		}
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%w: master port %d out of range", ErrInvalidConfig, port)
		}
		c.masterHost = host
		c.masterPort = port
		return nil
	}
}

// ParseReplicaOf parses the "<host> <port>" form used by the replicaof flag
func ParseReplicaOf(s string) (string, int, error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("%w: replicaof must be \"<host> <port>\", got %q", ErrInvalidConfig, s)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("%w: invalid master port %q", ErrInvalidConfig, parts[1])
	}
	return parts[0], port, nil
}

// WithReadTimeout sets the per-read deadline on client connections
//
// Example:
//
//	WithReadTimeout(1 * time.Second)
func WithReadTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return ErrInvalidConfig
		}
		c.readTimeout = timeout
		return nil
	}
}

// WithMaxReadRetries sets how many consecutive read timeouts close an idle
// client connection
func WithMaxReadRetries(retries int) Option {
	return func(c *config) error {
		if retries <= 0 {
			return ErrInvalidConfig
		}
		c.maxReadRetries = retries
		return nil
	}
}

// WithWriteTimeout sets the write timeout for client and replica links
func WithWriteTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return ErrInvalidConfig
		}
		c.writeTimeout = timeout
		return nil
	}
}

// WithConnectTimeout sets the dial timeout for the master connection
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return ErrInvalidConfig
		}
		c.connectTimeout = timeout
		return nil
	}
}

// WithHandshakeTimeout sets the deadline for each handshake step
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return ErrInvalidConfig
		}
		c.handshakeTimeout = timeout
		return nil
	}
}

// WithSnapshotTimeout sets the deadline for receiving the master snapshot
func WithSnapshotTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return ErrInvalidConfig
		}
		c.snapshotTimeout = timeout
		return nil
	}
}

// WithScriptTimeout bounds how long a single EVAL or EVALSHA may run.
// Zero removes the limit.
func WithScriptTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return ErrInvalidConfig
		}
		c.scriptTimeout = timeout
		return nil
	}
}

// WithAckInterval sets how often a replica reports its offset to the
// master. Zero disables periodic acknowledgements.
func WithAckInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval < 0 {
			return ErrInvalidConfig
		}
		c.ackInterval = interval
		return nil
	}
}

// WithLogger sets a custom logger for the node
//
// Example:
//
//	WithLogger(redislite.NewHCLogger(hclog.Default()))
func WithLogger(logger Logger) Option {
	return func(c *config) error {
		if logger == nil {
			return ErrInvalidConfig
		}
		c.logger = logger
		return nil
	}
}

// WithMetrics enables metrics collection with the provided collector
//
// Example:
//
//	WithMetrics(metrics.NewCollector())
func WithMetrics(collector MetricsCollector) Option {
	return func(c *config) error {
		c.metrics = collector
		return nil
	}
}

// WithReadOnly sets whether a replica rejects client writes (default: true).
// It has no effect on a master.
//
// Example:
//
//	WithReadOnly(false) // Allow local writes on the replica (dangerous)
func WithReadOnly(readOnly bool) Option {
	return func(c *config) error {
		c.readOnly = readOnly
		return nil
	}
}
