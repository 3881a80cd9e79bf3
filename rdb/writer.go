package rdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/raniellyferreira/redis-lite/storage"
)

// Aux holds the auxiliary fields written after the header
type Aux map[string]string

// Writer builds an RDB snapshot in memory, keeping the running checksum
type Writer struct {
	buf bytes.Buffer
}

// NewWriter creates a Writer and emits the header
func NewWriter() *Writer {
	w := &Writer{}
	fmt.Fprintf(&w.buf, "REDIS%04d", Version)
	return w
}

// WriteAux writes one auxiliary field
func (w *Writer) WriteAux(key, value string) {
	w.buf.WriteByte(OpcodeAux)
	w.writeString([]byte(key))
	w.writeString([]byte(value))
}

// WriteSelectDB starts a database section with its size hints
func (w *Writer) WriteSelectDB(db int, keys, expires int) {
	w.buf.WriteByte(OpcodeSelectDB)
	w.writeLength(uint64(db))
	w.buf.WriteByte(OpcodeResizeDB)
	w.writeLength(uint64(keys))
	w.writeLength(uint64(expires))
}

// WriteEntry writes one string key, preceded by its millisecond deadline
// when it has one
func (w *Writer) WriteEntry(e storage.Entry) {
	if e.Expiry != nil {
		w.buf.WriteByte(OpcodeExpireTimeMs)
		var ms [8]byte
		binary.LittleEndian.PutUint64(ms[:], uint64(e.Expiry.UnixMilli()))
		w.buf.Write(ms[:])
	}
	w.buf.WriteByte(TypeString)
	w.writeString([]byte(e.Key))
	w.writeString(e.Value)
}

// Bytes terminates the snapshot with the EOF opcode and checksum and
// returns it. The Writer must not be used afterwards.
func (w *Writer) Bytes() []byte {
	w.buf.WriteByte(OpcodeEOF)
	var sum [8]byte
	binary.LittleEndian.PutUint64(sum[:], Checksum(w.buf.Bytes()))
	w.buf.Write(sum[:])
	return w.buf.Bytes()
}

func (w *Writer) writeLength(n uint64) {
	switch {
	case n < 1<<6:
		w.buf.WriteByte(byte(n))
	case n < 1<<14:
		w.buf.WriteByte(byte(n>>8) | 0x40)
		w.buf.WriteByte(byte(n))
	case n <= 0xFFFFFFFF:
		var b [5]byte
		b[0] = 0x80
		binary.BigEndian.PutUint32(b[1:], uint32(n))
		w.buf.Write(b[:])
	default:
		var b [9]byte
		b[0] = 0x81
		binary.BigEndian.PutUint64(b[1:], n)
		w.buf.Write(b[:])
	}
}

// writeString writes a length-prefixed string. Values that fit a small
// integer use the integer encoding, as Redis does.
func (w *Writer) writeString(s []byte) {
	if len(s) > 0 && len(s) <= 11 {
		if v, err := strconv.ParseInt(string(s), 10, 32); err == nil && strconv.FormatInt(v, 10) == string(s) {
			w.writeInt(v)
			return
		}
	}
	w.writeLength(uint64(len(s)))
	w.buf.Write(s)
}

func (w *Writer) writeInt(v int64) {
	switch {
	case v >= -(1<<7) && v < 1<<7:
		w.buf.WriteByte(0xC0 | encInt8)
		w.buf.WriteByte(byte(int8(v)))
	case v >= -(1<<15) && v < 1<<15:
		w.buf.WriteByte(0xC0 | encInt16)
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(int16(v)))
		w.buf.Write(b[:])
	default:
		w.buf.WriteByte(0xC0 | encInt32)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(int32(v)))
		w.buf.Write(b[:])
	}
}

// Encode returns a complete snapshot of entries in database 0
func Encode(entries []storage.Entry, aux Aux) []byte {
	w := NewWriter()

	keys := make([]string, 0, len(aux))
	for k := range aux {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		w.WriteAux(k, aux[k])
	}

	if len(entries) > 0 {
		expires := 0
		for _, e := range entries {
			if e.Expiry != nil {
				expires++
			}
		}
		w.WriteSelectDB(0, len(entries), expires)
		for _, e := range entries {
			w.WriteEntry(e)
		}
	}

	return w.Bytes()
}

// WriteSnapshot encodes entries and writes the snapshot to out
func WriteSnapshot(out io.Writer, entries []storage.Entry, aux Aux) error {
	_, err := out.Write(Encode(entries, aux))
	return err
}
