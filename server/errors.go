package server

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupportedCommand indicates a well-formed request naming a command
	// this server does not implement
	ErrUnsupportedCommand = errors.New("unsupported command")

	// ErrArity indicates a known command called with the wrong number of
	// parameters
	ErrArity = errors.New("wrong number of arguments")

	// ErrSyntax indicates invalid options or values for a known command
	ErrSyntax = errors.New("syntax error")

	// ErrReadOnly indicates a client write against a read-only replica
	ErrReadOnly = errors.New("read only replica")

	// ErrIO indicates a socket read, write or accept failure
	ErrIO = errors.New("i/o failure")

	// ErrIdleTimeout is returned by ServeConn when a connection hit the
	// consecutive read timeout limit
	ErrIdleTimeout = errors.New("connection idle: read retries exhausted")
)

// CommandError is a dispatch failure carrying the reply sent to the client
type CommandError struct {
	Kind    error
	Command string
	Message string
}

// Error implements the error interface
func (e *CommandError) Error() string {
	return e.Message
}

// Unwrap returns the error kind
func (e *CommandError) Unwrap() error {
	return e.Kind
}

// closesConnection reports whether the error ends the connection after the
// error reply has been written. Malformed and unsupported requests do;
// option, value and role errors only fail the current request.
func (e *CommandError) closesConnection() bool {
	return errors.Is(e.Kind, ErrUnsupportedCommand) || errors.Is(e.Kind, ErrArity)
}

// IOError wraps a socket failure with the operation that failed
type IOError struct {
	Op  string
	Err error
}

// Error implements the error interface
func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *IOError) Unwrap() error {
	return e.Err
}

// Is makes every IOError match ErrIO
func (e *IOError) Is(target error) bool {
	return target == ErrIO
}

func unknownCommand(name string, params []string) error {
	var b strings.Builder
	for _, p := range params {
		fmt.Fprintf(&b, "'%s' ", p)
	}
	return &CommandError{
		Kind:    ErrUnsupportedCommand,
		Command: name,
		Message: fmt.Sprintf("ERR unknown command '%s', with args beginning with: %s", name, b.String()),
	}
}

func arityError(name string) error {
	return &CommandError{
		Kind:    ErrArity,
		Command: name,
		Message: fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(name)),
	}
}

func syntaxError(name, message string) error {
	return &CommandError{
		Kind:    ErrSyntax,
		Command: name,
		Message: message,
	}
}

func readOnlyError(name string) error {
	return &CommandError{
		Kind:    ErrReadOnly,
		Command: name,
		Message: "READONLY You can't write against a read only replica.",
	}
}
