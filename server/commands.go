package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/raniellyferreira/redis-lite/lua"
	"github.com/raniellyferreira/redis-lite/protocol"
	"github.com/raniellyferreira/redis-lite/rdb"
)

func (s *Server) handlePing(cc *ConnContext) error {
	cc.Response = protocol.AppendSimpleString(nil, "PONG")
	return nil
}

func (s *Server) handleEcho(cc *ConnContext) error {
	params := cc.Command.Params
	if len(params) != 1 {
		return arityError(cc.Command.Name)
	}
	cc.Response = protocol.AppendBulkString(nil, params[0])
	return nil
}

func (s *Server) handleGet(cc *ConnContext) error {
	params := cc.Command.Params
	if len(params) != 1 {
		return arityError(cc.Command.Name)
	}

	value, ok := s.storage.Get(params[0])
	if !ok {
		cc.Response = protocol.AppendNullBulkString(nil)
		return nil
	}
	cc.Response = protocol.AppendBulkBytes(nil, value)
	return nil
}

// handleSet implements SET key value [EX seconds | PX milliseconds |
// EXAT unix-seconds | PXAT unix-milliseconds]
func (s *Server) handleSet(cc *ConnContext) error {
	params := cc.Command.Params
	if len(params) < 2 {
		return arityError(cc.Command.Name)
	}

	expiry, err := parseSetExpiry(params[2:], time.Now())
	if err != nil {
		return err
	}

	if err := s.checkWrite(cc); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	key, value := params[0], params[1]
	if err := s.storage.Set(key, []byte(value), expiry); err != nil {
		return &CommandError{Kind: ErrSyntax, Command: cc.Command.Name, Message: "ERR " + err.Error()}
	}

	if expiry != nil {
		s.propagate(protocol.NewCommand("SET", key, value, "PXAT", strconv.FormatInt(expiry.UnixMilli(), 10)))
	} else {
		s.propagate(protocol.NewCommand("SET", key, value))
	}

	cc.Response = protocol.AppendSimpleString(nil, "OK")
	return nil
}

// parseSetExpiry turns the SET options into an absolute deadline. At most
// one expiry option is accepted.
func parseSetExpiry(opts []string, now time.Time) (*time.Time, error) {
	var expiry *time.Time

	for i := 0; i < len(opts); i++ {
		opt := strings.ToUpper(opts[i])
		switch opt {
		case "EX", "PX", "EXAT", "PXAT":
		default:
			return nil, syntaxError("SET", "ERR syntax error")
		}
		if expiry != nil || i+1 >= len(opts) {
			return nil, syntaxError("SET", "ERR syntax error")
		}

		i++
		n, err := strconv.ParseInt(opts[i], 10, 64)
		if err != nil {
			return nil, syntaxError("SET", "ERR value is not an integer or out of range")
		}
		if n <= 0 {
			return nil, syntaxError("SET", "ERR invalid expire time in 'set' command")
		}

		deadline, ok := expiryDeadline(opt, n, now)
		if !ok {
			return nil, syntaxError("SET", "ERR invalid expire time in 'set' command")
		}
		expiry = &deadline
	}

	return expiry, nil
}

// expiryDeadline resolves a positive SET expiry value. ok is false when the
// value does not fit in a millisecond unix time.
func expiryDeadline(opt string, n int64, now time.Time) (time.Time, bool) {
	ms := n
	if opt == "EX" || opt == "EXAT" {
		if n > math.MaxInt64/1000 {
			return time.Time{}, false
		}
		ms = n * 1000
	}

	switch opt {
	case "EXAT", "PXAT":
		return time.UnixMilli(ms), true
	}

	base := now.UnixMilli()
	if ms > math.MaxInt64-base {
		return time.Time{}, false
	}
	if ms <= math.MaxInt64/int64(time.Millisecond) {
		return now.Add(time.Duration(ms) * time.Millisecond), true
	}
	return time.UnixMilli(base + ms), true
}

func (s *Server) handleDel(cc *ConnContext) error {
	params := cc.Command.Params
	if len(params) == 0 {
		return arityError(cc.Command.Name)
	}
	if err := s.checkWrite(cc); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deleted := s.storage.Del(params...)
	if deleted > 0 {
		s.propagate(cc.Command)
	}

	cc.Response = protocol.AppendInteger(nil, deleted)
	return nil
}

func (s *Server) handleExists(cc *ConnContext) error {
	params := cc.Command.Params
	if len(params) == 0 {
		return arityError(cc.Command.Name)
	}
	cc.Response = protocol.AppendInteger(nil, s.storage.Exists(params...))
	return nil
}

// handleSelect only knows database 0
func (s *Server) handleSelect(cc *ConnContext) error {
	params := cc.Command.Params
	if len(params) != 1 {
		return arityError(cc.Command.Name)
	}
	db, err := strconv.Atoi(params[0])
	if err != nil {
		return syntaxError(cc.Command.Name, "ERR value is not an integer or out of range")
	}
	if db != 0 {
		return syntaxError(cc.Command.Name, "ERR DB index is out of range")
	}
	cc.Response = protocol.AppendSimpleString(nil, "OK")
	return nil
}

func (s *Server) handleInfo(cc *ConnContext) error {
	params := cc.Command.Params
	if len(params) > 1 {
		return arityError(cc.Command.Name)
	}

	section := "default"
	if len(params) == 1 {
		section = strings.ToLower(params[0])
	}

	cc.Response = protocol.AppendBulkString(nil, s.info(section))
	return nil
}

// handleReplconf records the options a replica announces during the
// handshake, and answers GETACK from the current replication offset
func (s *Server) handleReplconf(cc *ConnContext) error {
	params := cc.Command.Params
	if len(params) < 2 {
		return arityError(cc.Command.Name)
	}

	switch strings.ToLower(params[0]) {
	case "getack":
		offset := s.storage.Role().Offset
		cc.Response = protocol.AppendCommand(nil, "REPLCONF", "ACK", strconv.FormatInt(offset, 10))
		return nil
	case "ack":
		if cc.client != nil {
			s.storage.RecordReplicaConf(cc.client.remoteAddr(), params[0], params[1])
		}
		return nil
	}

	if cc.fromMaster {
		return nil
	}

	if len(params)%2 != 0 {
		return syntaxError(cc.Command.Name, "ERR syntax error")
	}

	for i := 0; i < len(params); i += 2 {
		option, value := strings.ToLower(params[i]), params[i+1]
		switch option {
		case "listening-port":
			if port, err := strconv.Atoi(value); err != nil || port < 0 || port > 65535 {
				return syntaxError(cc.Command.Name, "ERR value is not an integer or out of range")
			}
		case "capa", "ip-address":
		default:
			return syntaxError(cc.Command.Name, fmt.Sprintf("ERR Unrecognized REPLCONF option: %s", params[i]))
		}
	}

	addr := cc.client.remoteAddr()
	for i := 0; i < len(params); i += 2 {
		s.storage.RecordReplicaConf(addr, params[i], params[i+1])
	}

	cc.Response = protocol.AppendSimpleString(nil, "OK")
	return nil
}

// handlePsync answers every PSYNC with a full resynchronization: the
// FULLRESYNC line, then a snapshot of the store as an RDB payload. The
// connection then becomes a replica link fed by propagate.
func (s *Server) handlePsync(cc *ConnContext) error {
	params := cc.Command.Params
	if len(params) != 2 {
		return arityError(cc.Command.Name)
	}
	if cc.fromMaster || s.storage.Role().IsReplica() {
		return &CommandError{
			Kind:    ErrUnsupportedCommand,
			Command: cc.Command.Name,
			Message: "ERR PSYNC is not supported on a replica",
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	role := s.storage.Role()
	payload := rdb.Encode(s.storage.Snapshot(), s.rdbAux())

	out := protocol.AppendSimpleString(nil, fmt.Sprintf("FULLRESYNC %s %d", role.ReplicationID, role.Offset))
	out = append(out, '$')
	out = strconv.AppendInt(out, int64(len(payload)), 10)
	out = append(out, protocol.CRLF...)
	out = append(out, payload...)

	if err := cc.client.write(out); err != nil {
		return err
	}

	addr := cc.client.remoteAddr()
	s.replicas.add(addr, newReplicaLink(addr, cc.client.conn, s.writeTimeout))
	s.storage.MarkReplicaOnline(addr, true)
	s.logger.Info("Replica synchronized", "addr", addr, "replid", role.ReplicationID, "offset", role.Offset, "rdb_bytes", len(payload))

	cc.detached = true
	return nil
}

func (s *Server) rdbAux() rdb.Aux {
	return rdb.Aux{
		"redis-ver":  redisVersion,
		"redis-bits": strconv.Itoa(strconv.IntSize),
		"ctime":      strconv.FormatInt(time.Now().Unix(), 10),
		"aof-base":   "0",
	}
}

// handleHello accepts protocol version 2 only. Any other version gets a
// NOPROTO error that leaves the connection open, which is how RESP3 clients
// learn to fall back to RESP2.
func (s *Server) handleHello(cc *ConnContext) error {
	params := cc.Command.Params
	if len(params) > 0 {
		version, err := strconv.Atoi(params[0])
		if err != nil {
			return syntaxError(cc.Command.Name, "ERR Protocol version is not an integer or out of range")
		}
		if version != 2 {
			return syntaxError(cc.Command.Name, "NOPROTO unsupported protocol version")
		}
	}

	var id int64
	if cc.client != nil {
		id = cc.client.id
	}
	role := "master"
	if s.storage.Role().IsReplica() {
		role = "replica"
	}

	out := protocol.AppendArrayHeader(nil, 14)
	out = protocol.AppendBulkString(out, "server")
	out = protocol.AppendBulkString(out, "redis")
	out = protocol.AppendBulkString(out, "version")
	out = protocol.AppendBulkString(out, redisVersion)
	out = protocol.AppendBulkString(out, "proto")
	out = protocol.AppendInteger(out, 2)
	out = protocol.AppendBulkString(out, "id")
	out = protocol.AppendInteger(out, id)
	out = protocol.AppendBulkString(out, "mode")
	out = protocol.AppendBulkString(out, "standalone")
	out = protocol.AppendBulkString(out, "role")
	out = protocol.AppendBulkString(out, role)
	out = protocol.AppendBulkString(out, "modules")
	out = protocol.AppendArrayHeader(out, 0)

	cc.Response = out
	return nil
}

func (s *Server) handleClient(cc *ConnContext) error {
	params := cc.Command.Params
	if len(params) == 0 {
		return arityError(cc.Command.Name)
	}
	if cc.client == nil {
		return nil
	}

	sub := strings.ToUpper(params[0])
	switch sub {
	case "ID":
		cc.Response = protocol.AppendInteger(nil, cc.client.id)
	case "GETNAME":
		if cc.client.name == "" {
			cc.Response = protocol.AppendNullBulkString(nil)
		} else {
			cc.Response = protocol.AppendBulkString(nil, cc.client.name)
		}
	case "SETNAME":
		if len(params) != 2 {
			return arityError("client|setname")
		}
		if strings.ContainsAny(params[1], " \r\n") {
			return syntaxError(cc.Command.Name, "ERR Client names cannot contain spaces, newlines or special characters.")
		}
		cc.client.name = params[1]
		cc.Response = protocol.AppendSimpleString(nil, "OK")
	case "SETINFO":
		if len(params) != 3 {
			return arityError("client|setinfo")
		}
		cc.Response = protocol.AppendSimpleString(nil, "OK")
	default:
		return syntaxError(cc.Command.Name, fmt.Sprintf("ERR unknown subcommand '%s'. Try CLIENT HELP.", params[0]))
	}
	return nil
}

func (s *Server) handleDebug(cc *ConnContext) error {
	params := cc.Command.Params
	if len(params) == 0 {
		return arityError(cc.Command.Name)
	}
	if !strings.EqualFold(params[0], "DIGEST") {
		return syntaxError(cc.Command.Name, fmt.Sprintf("ERR unknown subcommand '%s'. Try DEBUG HELP.", params[0]))
	}
	cc.Response = protocol.AppendBulkString(nil, s.storage.Digest())
	return nil
}

// handleEval implements EVAL script numkeys [key ...] [arg ...]
func (s *Server) handleEval(cc *ConnContext) error {
	return s.runScript(cc, func(ctx context.Context, body string, keys, args []string) (interface{}, error) {
		return s.lua.EvalContext(ctx, body, keys, args)
	})
}

// handleEvalSHA implements EVALSHA sha1 numkeys [key ...] [arg ...]
func (s *Server) handleEvalSHA(cc *ConnContext) error {
	return s.runScript(cc, func(ctx context.Context, sha string, keys, args []string) (interface{}, error) {
		return s.lua.EvalSHAContext(ctx, sha, keys, args)
	})
}

func (s *Server) runScript(cc *ConnContext, run func(context.Context, string, []string, []string) (interface{}, error)) error {
	params := cc.Command.Params
	if len(params) < 2 {
		return arityError(cc.Command.Name)
	}

	numKeys, err := strconv.Atoi(params[1])
	if err != nil {
		return syntaxError(cc.Command.Name, "ERR value is not an integer or out of range")
	}
	if numKeys < 0 {
		return syntaxError(cc.Command.Name, "ERR Number of keys can't be negative")
	}
	if numKeys > len(params)-2 {
		return syntaxError(cc.Command.Name, "ERR Number of keys can't be greater than number of args")
	}
	keys := params[2 : 2+numKeys]
	args := params[2+numKeys:]

	ctx := s.ctx
	if cc.client != nil {
		ctx = cc.client.ctx
	}

	// scripts write through the engine, which propagates each effect.
	// The engine's time limit bounds how long writeMu is held.
	s.writeMu.Lock()
	result, err := run(ctx, params[0], keys, args)
	s.writeMu.Unlock()

	if err != nil {
		if errors.Is(err, lua.ErrNoScript) || errors.Is(err, lua.ErrTimeLimit) || errors.Is(err, lua.ErrAborted) {
			return syntaxError(cc.Command.Name, err.Error())
		}
		return syntaxError(cc.Command.Name, scriptErrorMessage(err.Error()))
	}

	cc.Response = appendResult(nil, result)
	return nil
}

func (s *Server) handleScript(cc *ConnContext) error {
	params := cc.Command.Params
	if len(params) == 0 {
		return arityError(cc.Command.Name)
	}

	switch strings.ToUpper(params[0]) {
	case "LOAD":
		if len(params) != 2 {
			return arityError("script|load")
		}
		cc.Response = protocol.AppendBulkString(nil, s.lua.LoadScript(params[1]))
	case "EXISTS":
		if len(params) < 2 {
			return arityError("script|exists")
		}
		found := s.lua.ScriptExists(params[1:])
		out := protocol.AppendArrayHeader(nil, len(found))
		for _, ok := range found {
			if ok {
				out = protocol.AppendInteger(out, 1)
			} else {
				out = protocol.AppendInteger(out, 0)
			}
		}
		cc.Response = out
	case "FLUSH":
		s.lua.ScriptFlush()
		cc.Response = protocol.AppendSimpleString(nil, "OK")
	default:
		return syntaxError(cc.Command.Name, fmt.Sprintf("ERR unknown subcommand '%s'. Try SCRIPT HELP.", params[0]))
	}
	return nil
}

// scriptErrorMessage makes sure a script failure reads as a Redis error
// reply, keeping the error code when the script raised one
func scriptErrorMessage(msg string) string {
	for _, code := range []string{"READONLY ", "ERR ", "NOSCRIPT ", "WRONGTYPE "} {
		if i := strings.Index(msg, code); i >= 0 {
			return msg[i:]
		}
	}
	return "ERR Error running script: " + msg
}

// appendResult encodes a script result
func appendResult(dst []byte, result interface{}) []byte {
	switch v := result.(type) {
	case nil:
		return protocol.AppendNullBulkString(dst)
	case lua.Status:
		return protocol.AppendSimpleString(dst, string(v))
	case lua.ScriptError:
		return protocol.AppendError(dst, string(v))
	case string:
		return protocol.AppendBulkString(dst, v)
	case int64:
		return protocol.AppendInteger(dst, v)
	case []interface{}:
		dst = protocol.AppendArrayHeader(dst, len(v))
		for _, item := range v {
			dst = appendResult(dst, item)
		}
		return dst
	default:
		return protocol.AppendBulkString(dst, fmt.Sprintf("%v", v))
	}
}

// checkWrite rejects client writes on a read-only server. Commands replayed
// from the master always pass.
func (s *Server) checkWrite(cc *ConnContext) error {
	if s.readOnly && !cc.fromMaster {
		return readOnlyError(cc.Command.Name)
	}
	return nil
}
