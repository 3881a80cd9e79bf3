package rdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc64"
)

// jonesPoly is the reflected CRC-64/Jones polynomial used by Redis
const jonesPoly = 0x95AC9329AC4BC9B5

var (
	jonesTable = crc64.MakeTable(jonesPoly)

	// ErrChecksumMismatch indicates a snapshot whose trailing CRC64 does not
	// match its contents
	ErrChecksumMismatch = errors.New("rdb checksum mismatch")
)

// Checksum returns the Redis CRC64 of data. Redis runs the reflected
// algorithm with a zero initial value and no final xor, so the inversions
// applied by hash/crc64 are undone here.
func Checksum(data []byte) uint64 {
	return ^crc64.Update(^uint64(0), jonesTable, data)
}

// Verify checks the 8 byte little-endian checksum that ends payload.
// A stored checksum of zero means the producer disabled checksums.
func Verify(payload []byte) error {
	if len(payload) < 9+1+8 {
		return fmt.Errorf("%w: payload of %d bytes is too short", ErrInvalidFormat, len(payload))
	}

	body := payload[:len(payload)-8]
	stored := binary.LittleEndian.Uint64(payload[len(payload)-8:])
	if stored == 0 {
		return nil
	}

	if sum := Checksum(body); sum != stored {
		return fmt.Errorf("%w: stored %016x, computed %016x", ErrChecksumMismatch, stored, sum)
	}
	return nil
}
