package protocol

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
)

const (
	// CRLF is the Redis protocol line terminator
	CRLF = "\r\n"

	// maxBulkSize is the maximum size for bulk strings and snapshot payloads (1GB)
	maxBulkSize = 1024 * 1024 * 1024

	// maxArraySize is the maximum number of array elements
	maxArraySize = 1024 * 1024

	// payloadChunkSize is the size of the chunks ReadPayload hands out
	payloadChunkSize = 8192
)

var crlfBytes = []byte(CRLF)

// Reader decodes RESP values from a stream. The replication link uses it for
// handshake replies, the snapshot payload and the command stream that
// follows. Structural errors are *DecodeError values wrapping
// ErrMalformedRequest with Offset set to the stream position; I/O errors are
// returned as they come from the underlying reader.
type Reader struct {
	br       *bufio.Reader
	consumed int64
	maxBulk  int64
}

// NewReader creates a new streaming RESP reader
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r), maxBulk: maxBulkSize}
}

// SetMaxBulkSize lowers the largest bulk string ReadNext accepts. Longer
// bulks are rejected as malformed before anything is allocated. The
// snapshot payload limit is not affected.
func (r *Reader) SetMaxBulkSize(n int64) {
	if n >= 0 && n < maxBulkSize {
		r.maxBulk = n
	}
}

// Consumed returns the number of bytes decoded so far. The difference
// around a ReadNext call is the wire size of the value it returned.
func (r *Reader) Consumed() int64 {
	return r.consumed
}

// ReadNext reads the next RESP value from the stream
func (r *Reader) ReadNext() (Value, error) {
	start := r.consumed

	typeByte, err := r.readByte()
	if err != nil {
		return Value{}, err
	}
	line, err := r.readLine()
	if err != nil {
		return Value{}, err
	}

	switch t := ValueType(typeByte); t {
	case TypeSimpleString, TypeError:
		return Value{Type: t, Data: line}, nil

	case TypeInteger:
		n, err := parseInt64(line)
		if err != nil {
			return Value{}, r.malformed(start, "invalid integer %q", line)
		}
		return Value{Type: TypeInteger, Integer: n}, nil

	case TypeBulkString:
		length, err := r.length(start, line, r.maxBulk)
		if err != nil || length < 0 {
			return Value{Type: TypeBulkString, IsNull: true}, err
		}
		data := make([]byte, length)
		if err := r.readFull(data); err != nil {
			return Value{}, err
		}
		if err := r.expectCRLF(); err != nil {
			return Value{}, err
		}
		return Value{Type: TypeBulkString, Data: data}, nil

	case TypeArray:
		length, err := r.length(start, line, maxArraySize)
		if err != nil || length < 0 {
			return Value{Type: TypeArray, IsNull: true}, err
		}
		array := make([]Value, 0, min(length, maxPreallocParams))
		for i := int64(0); i < length; i++ {
			v, err := r.ReadNext()
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			if err != nil {
				return Value{}, err
			}
			array = append(array, v)
		}
		return Value{Type: TypeArray, Array: array}, nil

	default:
		return Value{}, r.malformed(start, "unknown RESP type %q", typeByte)
	}
}

// ReadPayload reads the snapshot that follows a FULLRESYNC reply. It is
// framed like a bulk string but has no CRLF after the data, and may be
// preceded by bare newlines the master sends as keepalives while the
// snapshot is being produced. fn is called for each chunk; the number of
// payload bytes read is returned.
func (r *Reader) ReadPayload(fn func(chunk []byte) error) (int64, error) {
	typeByte, err := r.readByte()
	for err == nil && typeByte == '\n' {
		typeByte, err = r.readByte()
	}
	if err != nil {
		return 0, err
	}

	start := r.consumed - 1
	if ValueType(typeByte) != TypeBulkString {
		return 0, r.malformed(start, "expected snapshot payload, got %q", typeByte)
	}

	line, err := r.readLine()
	if err != nil {
		return 0, err
	}
	length, err := r.length(start, line, maxBulkSize)
	if err != nil {
		return 0, err
	}
	if length < 0 {
		return 0, r.malformed(start, "null snapshot payload")
	}

	buf := make([]byte, min(length, payloadChunkSize))
	var read int64
	for read < length {
		chunk := buf[:min(length-read, payloadChunkSize)]
		if err := r.readFull(chunk); err != nil {
			return read, err
		}
		if err := fn(chunk); err != nil {
			return read, err
		}
		read += int64(len(chunk))
	}

	return read, nil
}

// length parses an aggregate header; -1 means null
func (r *Reader) length(start int64, line []byte, limit int64) (int64, error) {
	n, err := parseInt64(line)
	if err != nil || n < -1 || n > limit {
		return 0, r.malformed(start, "invalid length %q", line)
	}
	return n, nil
}

func (r *Reader) readByte() (byte, error) {
	b, err := r.br.ReadByte()
	if err == nil {
		r.consumed++
	}
	return b, err
}

func (r *Reader) readFull(p []byte) error {
	n, err := io.ReadFull(r.br, p)
	r.consumed += int64(n)
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// readLine reads up to CRLF and returns the line without it
func (r *Reader) readLine() ([]byte, error) {
	start := r.consumed
	line, err := r.br.ReadBytes('\n')
	r.consumed += int64(len(line))
	if err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, r.malformed(start, "line is not terminated by CRLF")
	}
	return line[:len(line)-2], nil
}

func (r *Reader) expectCRLF() error {
	var crlf [2]byte
	if err := r.readFull(crlf[:]); err != nil {
		return err
	}
	if crlf[0] != '\r' || crlf[1] != '\n' {
		return r.malformed(r.consumed-2, "bulk string is not terminated")
	}
	return nil
}

func (r *Reader) malformed(offset int64, format string, args ...interface{}) error {
	return &DecodeError{
		Kind:   ErrMalformedRequest,
		Reason: fmt.Sprintf(format, args...),
		Offset: int(offset),
	}
}

// parseInt64 parses a decimal length or integer without allocating
func parseInt64(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, strconv.ErrSyntax
	}

	neg := false
	i := 0
	switch b[0] {
	case '-':
		neg = true
		i = 1
	case '+':
		i = 1
	}
	if i >= len(b) {
		return 0, strconv.ErrSyntax
	}

	limit := uint64(math.MaxInt64)
	if neg {
		limit++
	}

	var n uint64
	for ; i < len(b); i++ {
		if b[i] < '0' || b[i] > '9' {
			return 0, strconv.ErrSyntax
		}
		d := uint64(b[i] - '0')
		if n > (limit-d)/10 {
			return 0, strconv.ErrRange
		}
		n = n*10 + d
	}

	if neg {
		return -int64(n), nil
	}
	return int64(n), nil
}
