package rdb

import (
	"bytes"
	"testing"
)

func TestLZFDecompression(t *testing.T) {
	tests := []struct {
		name            string
		compressed      []byte
		uncompressedLen int
		expected        []byte
		shouldError     bool
	}{
		{
			name:            "empty data",
			compressed:      []byte{},
			uncompressedLen: 0,
			expected:        []byte{},
		},
		{
			name:            "simple literal",
			compressed:      []byte{0x05, 'h', 'e', 'l', 'l', 'o', '!'},
			uncompressedLen: 6,
			expected:        []byte("hello!"),
		},
		{
			// literal "ab", then copy 4 bytes starting 2 back
			name:            "overlapping back reference",
			compressed:      []byte{0x01, 'a', 'b', 0x40, 0x01},
			uncompressedLen: 6,
			expected:        []byte("ababab"),
		},
		{
			// literal "a", then extended length 7+3+2=12 at offset 1
			name:            "extended length",
			compressed:      []byte{0x00, 'a', 0xE0, 0x03, 0x00},
			uncompressedLen: 13,
			expected:        bytes.Repeat([]byte("a"), 13),
		},
		{
			name:            "truncated literal",
			compressed:      []byte{0x05, 'h', 'e', 'l'},
			uncompressedLen: 6,
			shouldError:     true,
		},
		{
			name:            "reference before start",
			compressed:      []byte{0x00, 'a', 0x20, 0x05},
			uncompressedLen: 4,
			shouldError:     true,
		},
		{
			name:            "size mismatch",
			compressed:      []byte{0x01, 'a', 'b'},
			uncompressedLen: 3,
			shouldError:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := lzfDecompress(tt.compressed, tt.uncompressedLen)

			if tt.shouldError {
				if err == nil {
					t.Errorf("Expected error but got none")
				}
				return
			}

			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			if !bytes.Equal(result, tt.expected) {
				t.Errorf("lzfDecompress() = %q, want %q", result, tt.expected)
			}
		})
	}
}
