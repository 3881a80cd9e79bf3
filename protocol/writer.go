package protocol

import (
	"bufio"
	"io"
)

// Writer buffers outgoing commands on a replication link. Nothing reaches
// the underlying writer until Flush is called.
type Writer struct {
	bw  *bufio.Writer
	buf []byte
}

// NewWriter creates a new RESP protocol writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		bw:  bufio.NewWriter(w),
		buf: make([]byte, 0, 128),
	}
}

// WriteCommand writes a command as a RESP array of bulk strings
func (w *Writer) WriteCommand(cmd string, args ...string) error {
	out := AppendCommand(w.buf[:0], cmd, args...)
	// keep the grown scratch buffer for the next command
	w.buf = out[:0]
	_, err := w.bw.Write(out)
	return err
}

// WriteRaw writes pre-encoded bytes unchanged
func (w *Writer) WriteRaw(p []byte) error {
	_, err := w.bw.Write(p)
	return err
}

// Flush flushes any buffered data to the underlying writer
func (w *Writer) Flush() error {
	return w.bw.Flush()
}

// Buffered returns the number of bytes waiting for Flush
func (w *Writer) Buffered() int {
	return w.bw.Buffered()
}
