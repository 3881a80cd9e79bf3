package protocol

import "bytes"

// maxPreallocParams bounds the parameter slice allocated up front so a
// hostile element count cannot force a large allocation.
const maxPreallocParams = 16

// decoder walks a request buffer with an explicit cursor
type decoder struct {
	buf []byte
	pos int
}

// Decode parses a request buffer holding one array of bulk strings into a
// Command. The first element becomes the upper-cased command name, the rest
// become parameters in their original order. Bytes after the last declared
// element are ignored.
//
// Input examples:
//
//	"*1\r\n$4\r\nping\r\n"
//	"*2\r\n$4\r\necho\r\n$3\r\nhey\r\n"
//
// Every failure is a *DecodeError wrapping ErrEmptyRequest or
// ErrMalformedRequest.
func Decode(buf []byte) (*Command, error) {
	if len(buf) == 0 {
		return nil, &DecodeError{Kind: ErrEmptyRequest}
	}

	if ValueType(buf[0]) != TypeArray {
		return nil, malformed(0, "not an array")
	}

	d := decoder{buf: buf}

	header, ok := d.line()
	if !ok {
		return nil, malformed(0, "array header is not terminated")
	}
	if len(header) < 2 {
		return nil, malformed(0, "array header too short")
	}

	count, err := parseInt64(header[1:])
	if err != nil || count < 1 || count > maxArraySize {
		return nil, malformed(1, "invalid element count %q", header[1:])
	}

	name, err := d.bulkString()
	if err != nil {
		return nil, err
	}
	if len(name) == 0 {
		return nil, malformed(d.pos, "empty command name")
	}

	remaining := int(count - 1)
	params := make([]string, 0, min(remaining, maxPreallocParams))
	for i := 0; i < remaining; i++ {
		param, err := d.bulkString()
		if err != nil {
			return nil, err
		}
		params = append(params, string(param))
	}

	return NewCommand(string(name), params...), nil
}

// line returns the bytes up to the next CRLF and moves past it
func (d *decoder) line() ([]byte, bool) {
	idx := bytes.Index(d.buf[d.pos:], crlfBytes)
	if idx < 0 {
		return nil, false
	}
	line := d.buf[d.pos : d.pos+idx]
	d.pos += idx + len(crlfBytes)
	return line, true
}

// bulkString reads one $<len>\r\n<data>\r\n element
func (d *decoder) bulkString() ([]byte, error) {
	start := d.pos
	if d.pos >= len(d.buf) {
		return nil, malformed(start, "missing bulk string")
	}

	if ValueType(d.buf[d.pos]) != TypeBulkString {
		return nil, malformed(start, "expected bulk string, got %q", d.buf[d.pos])
	}
	d.pos++

	header, ok := d.line()
	if !ok {
		return nil, malformed(start, "bulk string header is not terminated")
	}

	length, err := parseInt64(header)
	if err != nil || length < 0 {
		return nil, malformed(start, "invalid bulk string length %q", header)
	}

	if length > int64(len(d.buf)-d.pos) {
		return nil, malformed(d.pos, "bulk string of %d bytes exceeds request", length)
	}

	data := d.buf[d.pos : d.pos+int(length)]
	d.pos += int(length)

	if !bytes.HasPrefix(d.buf[d.pos:], crlfBytes) {
		return nil, malformed(d.pos, "bulk string is not terminated")
	}
	d.pos += len(crlfBytes)

	return data, nil
}
