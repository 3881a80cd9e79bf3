// Package server accepts RESP client connections and dispatches their
// commands against the shared store.
//
// Every accepted connection is served by its own goroutine running a strict
// request/response loop: one read into a fixed buffer, decode, dispatch,
// write the full reply, read again. Pipelined requests are not supported.
// Each read carries a deadline; a connection that times out
// MaxReadRetries times in a row is closed with ErrIdleTimeout.
//
// Supported commands are PING, ECHO, SET, GET, DEL, EXISTS, SELECT, INFO,
// HELLO, CLIENT, DEBUG DIGEST, EVAL, EVALSHA and SCRIPT, plus REPLCONF and
// PSYNC between a master and its replicas. PSYNC always performs a full
// resynchronization and turns the connection into a replica link that
// receives every later write.
//
// Unknown commands and arity errors are answered and then close the
// connection. Option, value and read-only errors only fail the request.
//
// On a replica, Apply runs commands received from the master through the
// same handlers with replies suppressed.
package server
