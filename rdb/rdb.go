package rdb

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

// RDB format constants
const (
	// Version written by WriteSnapshot
	Version = 11

	// MaxSupportedVersion is the newest format Parse accepts
	MaxSupportedVersion = 12

	OpcodeEOF          = 0xFF
	OpcodeSelectDB     = 0xFE
	OpcodeExpireTime   = 0xFD
	OpcodeExpireTimeMs = 0xFC
	OpcodeResizeDB     = 0xFB
	OpcodeAux          = 0xFA

	TypeString = 0

	// special string encodings (low 6 bits after the 0b11 prefix)
	encInt8  = 0
	encInt16 = 1
	encInt32 = 2
	encLZF   = 3

	// maxStringLen mirrors the default proto-max-bulk-len
	maxStringLen = 512 * 1024 * 1024
)

var (
	// ErrInvalidFormat indicates a payload that is not an RDB snapshot
	ErrInvalidFormat = errors.New("invalid rdb format")

	// ErrUnsupportedType indicates a value type this store cannot hold
	ErrUnsupportedType = errors.New("unsupported rdb value type")
)

// Handler processes RDB entries during parsing
type Handler interface {
	// OnAux is called for auxiliary fields
	OnAux(key, value []byte) error

	// OnDatabase is called when switching to a new database
	OnDatabase(index int) error

	// OnKey is called for each string key
	OnKey(key, value []byte, expiry *time.Time) error

	// OnEnd is called when parsing is complete
	OnEnd() error
}

// Parser parses RDB snapshots in streaming mode
type Parser struct {
	br      *bufio.Reader
	handler Handler
	version int
}

// NewParser creates a new RDB parser
func NewParser(r io.Reader, handler Handler) *Parser {
	return &Parser{
		br:      bufio.NewReader(r),
		handler: handler,
	}
}

// Version returns the format version read from the header
func (p *Parser) Version() int {
	return p.version
}

// Parse parses the RDB stream up to and including the EOF opcode. The
// trailing checksum is not consumed; use Verify on the raw payload.
func (p *Parser) Parse() error {
	header := make([]byte, 9)
	if _, err := io.ReadFull(p.br, header); err != nil {
		return fmt.Errorf("failed to read RDB header: %w", err)
	}

	if string(header[:5]) != "REDIS" {
		return fmt.Errorf("%w: bad magic %q", ErrInvalidFormat, header[:5])
	}

	version, err := strconv.Atoi(string(header[5:]))
	if err != nil {
		return fmt.Errorf("%w: bad version %q", ErrInvalidFormat, header[5:])
	}
	if version > MaxSupportedVersion {
		return fmt.Errorf("unsupported RDB version: %d (max supported: %d)", version, MaxSupportedVersion)
	}
	p.version = version

	var expiry *time.Time
	for {
		opcode, err := p.br.ReadByte()
		if err != nil {
			return fmt.Errorf("failed to read opcode: %w", err)
		}

		switch opcode {
		case OpcodeEOF:
			return p.handler.OnEnd()

		case OpcodeSelectDB:
			db, err := p.readLength()
			if err != nil {
				return fmt.Errorf("failed to read database number: %w", err)
			}
			if err := p.handler.OnDatabase(int(db)); err != nil {
				return err
			}

		case OpcodeExpireTime:
			var seconds uint32
			if err := binary.Read(p.br, binary.LittleEndian, &seconds); err != nil {
				return fmt.Errorf("failed to read expiry timestamp: %w", err)
			}
			t := time.Unix(int64(seconds), 0)
			expiry = &t

		case OpcodeExpireTimeMs:
			var ms uint64
			if err := binary.Read(p.br, binary.LittleEndian, &ms); err != nil {
				return fmt.Errorf("failed to read expiry timestamp: %w", err)
			}
			t := time.UnixMilli(int64(ms))
			expiry = &t

		case OpcodeResizeDB:
			// size hints only
			if _, err := p.readLength(); err != nil {
				return err
			}
			if _, err := p.readLength(); err != nil {
				return err
			}

		case OpcodeAux:
			if err := p.readAuxField(); err != nil {
				return fmt.Errorf("failed to read aux field: %w", err)
			}

		case TypeString:
			if err := p.readKeyValue(expiry); err != nil {
				return err
			}
			expiry = nil

		default:
			return fmt.Errorf("%w: %d", ErrUnsupportedType, opcode)
		}
	}
}

// readLength reads a length-encoded integer
func (p *Parser) readLength() (uint64, error) {
	length, special, err := p.readLengthOrEncoding()
	if err != nil {
		return 0, err
	}
	if special {
		return 0, fmt.Errorf("%w: unexpected string encoding %d in length", ErrInvalidFormat, length)
	}
	return length, nil
}

// readLengthOrEncoding reads a length prefix. When special is true the
// returned value is a string encoding type instead of a length.
func (p *Parser) readLengthOrEncoding() (uint64, bool, error) {
	b, err := p.br.ReadByte()
	if err != nil {
		return 0, false, err
	}

	switch (b & 0xC0) >> 6 {
	case 0:
		// 6-bit length
		return uint64(b & 0x3F), false, nil

	case 1:
		// 14-bit length
		b2, err := p.br.ReadByte()
		if err != nil {
			return 0, false, err
		}
		return uint64(b&0x3F)<<8 | uint64(b2), false, nil

	case 2:
		switch b {
		case 0x80:
			var length uint32
			if err := binary.Read(p.br, binary.BigEndian, &length); err != nil {
				return 0, false, err
			}
			return uint64(length), false, nil
		case 0x81:
			var length uint64
			if err := binary.Read(p.br, binary.BigEndian, &length); err != nil {
				return 0, false, err
			}
			return length, false, nil
		default:
			return 0, false, fmt.Errorf("%w: length prefix 0x%02x", ErrInvalidFormat, b)
		}

	default:
		return uint64(b & 0x3F), true, nil
	}
}

func (p *Parser) readAuxField() error {
	key, err := p.readString()
	if err != nil {
		return fmt.Errorf("failed to read aux key: %w", err)
	}

	value, err := p.readString()
	if err != nil {
		return fmt.Errorf("failed to read aux value for key %s: %w", key, err)
	}

	return p.handler.OnAux(key, value)
}

func (p *Parser) readKeyValue(expiry *time.Time) error {
	key, err := p.readString()
	if err != nil {
		return fmt.Errorf("failed to read key: %w", err)
	}

	value, err := p.readString()
	if err != nil {
		return fmt.Errorf("failed to read value for key %s: %w", key, err)
	}

	return p.handler.OnKey(key, value, expiry)
}

// readString reads a string in any of its encodings
func (p *Parser) readString() ([]byte, error) {
	length, special, err := p.readLengthOrEncoding()
	if err != nil {
		return nil, err
	}

	if !special {
		return p.readStringData(length)
	}

	switch length {
	case encInt8:
		val, err := p.br.ReadByte()
		if err != nil {
			return nil, err
		}
		return strconv.AppendInt(nil, int64(int8(val)), 10), nil
	case encInt16:
		var val int16
		if err := binary.Read(p.br, binary.LittleEndian, &val); err != nil {
			return nil, err
		}
		return strconv.AppendInt(nil, int64(val), 10), nil
	case encInt32:
		var val int32
		if err := binary.Read(p.br, binary.LittleEndian, &val); err != nil {
			return nil, err
		}
		return strconv.AppendInt(nil, int64(val), 10), nil
	case encLZF:
		return p.readCompressedString()
	default:
		return nil, fmt.Errorf("%w: string encoding %d", ErrInvalidFormat, length)
	}
}

func (p *Parser) readCompressedString() ([]byte, error) {
	compressedLen, err := p.readLength()
	if err != nil {
		return nil, fmt.Errorf("failed to read compressed length: %w", err)
	}

	uncompressedLen, err := p.readLength()
	if err != nil {
		return nil, fmt.Errorf("failed to read uncompressed length: %w", err)
	}
	if uncompressedLen > maxStringLen {
		return nil, fmt.Errorf("string length too large: %d", uncompressedLen)
	}

	compressed, err := p.readStringData(compressedLen)
	if err != nil {
		return nil, err
	}

	return lzfDecompress(compressed, int(uncompressedLen))
}

func (p *Parser) readStringData(length uint64) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}

	if length > maxStringLen {
		return nil, fmt.Errorf("string length too large: %d", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(p.br, data); err != nil {
		return nil, fmt.Errorf("failed to read string data: %w", err)
	}

	return data, nil
}

// Parse is a convenience function to parse an RDB stream
func Parse(r io.Reader, handler Handler) error {
	return NewParser(r, handler).Parse()
}
