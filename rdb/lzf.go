package rdb

import (
	"errors"
	"fmt"
)

var errLZFCorrupt = errors.New("lzf: corrupt input")

// lzfDecompress expands an LZF block into exactly uncompressedLen bytes.
//
// Each control byte either starts a literal run (ctrl < 32, ctrl+1 bytes
// follow) or a back reference of (ctrl>>5)+2 bytes, with an extra length
// byte when that field is 7.
func lzfDecompress(compressed []byte, uncompressedLen int) ([]byte, error) {
	if len(compressed) == 0 {
		if uncompressedLen != 0 {
			return nil, fmt.Errorf("%w: empty input for %d bytes", errLZFCorrupt, uncompressedLen)
		}
		return []byte{}, nil
	}

	out := make([]byte, uncompressedLen)
	op := 0
	ip := 0

	for ip < len(compressed) {
		ctrl := int(compressed[ip])
		ip++

		if ctrl < 32 {
			run := ctrl + 1
			if ip+run > len(compressed) {
				return nil, fmt.Errorf("%w: literal run past end of input", errLZFCorrupt)
			}
			if op+run > uncompressedLen {
				return nil, fmt.Errorf("%w: output overflow", errLZFCorrupt)
			}
			copy(out[op:], compressed[ip:ip+run])
			op += run
			ip += run
			continue
		}

		length := ctrl >> 5
		if length == 7 {
			if ip >= len(compressed) {
				return nil, fmt.Errorf("%w: missing extended length", errLZFCorrupt)
			}
			length += int(compressed[ip])
			ip++
		}
		length += 2

		if ip >= len(compressed) {
			return nil, fmt.Errorf("%w: missing back reference offset", errLZFCorrupt)
		}
		ref := op - ((ctrl&0x1F)<<8 + int(compressed[ip])) - 1
		ip++

		if ref < 0 {
			return nil, fmt.Errorf("%w: back reference before start", errLZFCorrupt)
		}
		if op+length > uncompressedLen {
			return nil, fmt.Errorf("%w: output overflow", errLZFCorrupt)
		}

		// byte by byte: source and destination may overlap
		for i := 0; i < length; i++ {
			out[op] = out[ref]
			op++
			ref++
		}
	}

	if op != uncompressedLen {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", errLZFCorrupt, uncompressedLen, op)
	}

	return out, nil
}
