package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyRequest indicates a zero-length request buffer. Callers treat it
	// as the peer going away rather than as a protocol violation.
	ErrEmptyRequest = errors.New("empty request")

	// ErrMalformedRequest indicates structurally invalid wire data
	ErrMalformedRequest = errors.New("malformed request")
)

// DecodeError describes why a request buffer could not be decoded
type DecodeError struct {
	Kind   error  // ErrEmptyRequest or ErrMalformedRequest
	Reason string // human readable detail
	Offset int    // byte offset where decoding stopped
}

// Error implements the error interface
func (e *DecodeError) Error() string {
	if e.Reason == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %s (offset %d)", e.Kind, e.Reason, e.Offset)
}

// Unwrap returns the error kind
func (e *DecodeError) Unwrap() error {
	return e.Kind
}

func malformed(offset int, format string, args ...interface{}) error {
	return &DecodeError{
		Kind:   ErrMalformedRequest,
		Reason: fmt.Sprintf(format, args...),
		Offset: offset,
	}
}
