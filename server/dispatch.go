package server

import (
	"time"

	"github.com/raniellyferreira/redis-lite/protocol"
)

type handlerFunc func(s *Server, cc *ConnContext) error

// handlers maps every supported command kind to its implementation.
// Handlers fill cc.Response; an empty response writes nothing.
var handlers = map[protocol.CommandKind]handlerFunc{
	protocol.KindPing:     (*Server).handlePing,
	protocol.KindEcho:     (*Server).handleEcho,
	protocol.KindSet:      (*Server).handleSet,
	protocol.KindGet:      (*Server).handleGet,
	protocol.KindDel:      (*Server).handleDel,
	protocol.KindExists:   (*Server).handleExists,
	protocol.KindSelect:   (*Server).handleSelect,
	protocol.KindInfo:     (*Server).handleInfo,
	protocol.KindReplconf: (*Server).handleReplconf,
	protocol.KindPsync:    (*Server).handlePsync,
	protocol.KindHello:    (*Server).handleHello,
	protocol.KindClient:   (*Server).handleClient,
	protocol.KindEval:     (*Server).handleEval,
	protocol.KindEvalSHA:  (*Server).handleEvalSHA,
	protocol.KindScript:   (*Server).handleScript,
	protocol.KindDebug:    (*Server).handleDebug,
}

// dispatch runs the handler for cc.Command
func (s *Server) dispatch(cc *ConnContext) error {
	handler, ok := handlers[cc.Command.Kind]
	if !ok {
		return unknownCommand(cc.Command.Name, cc.Command.Params)
	}
	return handler(s, cc)
}

// Apply executes a command received from the master. Replies are
// suppressed, except for REPLCONF GETACK whose acknowledgement is returned
// for the caller to send back on the replication link.
func (s *Server) Apply(cmd *protocol.Command) ([]byte, error) {
	cc := &ConnContext{
		Command:    cmd,
		fromMaster: true,
	}

	start := time.Now()
	err := s.dispatch(cc)
	s.recordCommand(cmd.Name, time.Since(start))
	if err != nil {
		return nil, err
	}

	if cmd.Kind == protocol.KindReplconf {
		return cc.Response, nil
	}
	return nil, nil
}

func (s *Server) recordCommand(name string, duration time.Duration) {
	s.mu.Lock()
	s.commandCount++
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordCommandProcessed(name, duration)
	}
}
