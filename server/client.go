package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/raniellyferreira/redis-lite/protocol"
)

// Client represents a connected client
type Client struct {
	id     int64
	conn   net.Conn
	server *Server
	buf    []byte
	name   string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// ID returns the connection identifier reported by CLIENT ID
func (c *Client) ID() int64 {
	return c.id
}

func (c *Client) remoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Close closes the client connection
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.server.clients.Delete(c.conn)
		err = c.conn.Close()
	})
	return err
}

// serve runs the read, decode, dispatch and respond cycle. Each successful
// read is treated as exactly one request.
func (c *Client) serve() error {
	s := c.server
	timeouts := 0

	for {
		if s.readTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		}

		n, err := c.conn.Read(c.buf)
		if err != nil {
			if isTimeout(err) {
				timeouts++
				if s.metrics != nil {
					s.metrics.RecordReadTimeout()
				}
				if timeouts >= s.maxReadRetries {
					return ErrIdleTimeout
				}
				continue
			}
			if errors.Is(err, io.EOF) || c.ctx.Err() != nil {
				return nil
			}
			s.recordError("read")
			return &IOError{Op: "read", Err: err}
		}
		if n == 0 {
			return nil
		}
		timeouts = 0

		if s.metrics != nil {
			s.metrics.RecordNetworkBytes(int64(n))
		}

		cc := &ConnContext{
			Input:     c.buf[:n],
			ByteCount: n,
			client:    c,
		}

		if err := c.process(cc); err != nil {
			return err
		}

		if cc.detached {
			return c.serveReplicaLink()
		}
	}
}

// process decodes and dispatches one request and writes its reply
func (c *Client) process(cc *ConnContext) error {
	s := c.server

	cmd, err := protocol.Decode(cc.Input)
	if err != nil {
		if errors.Is(err, protocol.ErrEmptyRequest) {
			return err
		}
		s.recordError("protocol")
		c.write(protocol.AppendError(nil, "ERR Protocol error: "+err.Error()))
		return err
	}
	cc.Command = cmd

	start := time.Now()
	err = s.dispatch(cc)
	s.recordCommand(cmd.Name, time.Since(start))

	if err != nil {
		var cmdErr *CommandError
		if !errors.As(err, &cmdErr) {
			// I/O failures while streaming a snapshot leave nothing to reply to
			return err
		}
		s.recordError(errorType(cmdErr))
		if werr := c.write(protocol.AppendError(nil, cmdErr.Message)); werr != nil {
			return werr
		}
		if cmdErr.closesConnection() {
			return err
		}
		return nil
	}

	if len(cc.Response) == 0 {
		return nil
	}
	return c.write(cc.Response)
}

// write sends a full reply within the write deadline
func (c *Client) write(p []byte) error {
	s := c.server
	if s.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	n, err := c.conn.Write(p)
	if s.metrics != nil {
		s.metrics.RecordNetworkBytes(int64(n))
	}
	if err != nil {
		s.recordError("write")
		return &IOError{Op: "write", Err: err}
	}
	return nil
}

// maxReplicaBulk caps bulk strings read from a replica link. REPLCONF ACK
// arguments are a few bytes long.
const maxReplicaBulk = 4096

// serveReplicaLink reads from a connection promoted by PSYNC. The replica
// only ever sends REPLCONF ACK, which is recorded without a reply. The link
// is dropped when the replica disconnects.
func (c *Client) serveReplicaLink() error {
	s := c.server
	addr := c.remoteAddr()

	defer func() {
		s.replicas.remove(addr)
		s.storage.ForgetReplica(addr)
		s.logger.Info("Replica disconnected", "addr", addr)
	}()

	c.conn.SetReadDeadline(time.Time{})
	reader := protocol.NewReader(c.conn)
	reader.SetMaxBulkSize(maxReplicaBulk)

	for {
		v, err := reader.ReadNext()
		if err != nil {
			if errors.Is(err, io.EOF) || c.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return &IOError{Op: "read replica link", Err: err}
		}

		cmd, err := protocol.ParseCommand(v)
		if err != nil {
			s.logger.Debug("Ignoring malformed replica message", "addr", addr, "error", err)
			continue
		}

		if cmd.Kind == protocol.KindReplconf && len(cmd.Params) == 2 {
			if _, err := strconv.ParseInt(cmd.Params[1], 10, 64); err == nil {
				s.storage.RecordReplicaConf(addr, cmd.Params[0], cmd.Params[1])
				continue
			}
		}
		s.logger.Debug("Ignoring replica message", "addr", addr, "command", cmd.Name)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func errorType(err *CommandError) string {
	switch {
	case errors.Is(err, ErrUnsupportedCommand):
		return "unsupported_command"
	case errors.Is(err, ErrArity):
		return "arity"
	case errors.Is(err, ErrReadOnly):
		return "read_only"
	default:
		return "syntax"
	}
}
