// Package binenc provides the sticky-error little-endian buffers used by the
// segment and manifest file formats.
package binenc

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Writer appends fixed-width little-endian values to a byte slice.
// The first error sticks; later writes are no-ops.
type Writer struct {
	buf []byte
	err error
}

// NewWriter returns a Writer appending to buf.
func NewWriter(buf []byte) *Writer {
	return &Writer{buf: buf}
}

// Bytes returns the encoded payload.
func (w *Writer) Bytes() []byte { return w.buf }

// Err returns the first encoding error.
func (w *Writer) Err() error { return w.err }

func (w *Writer) Uint64(v uint64) {
	if w.err != nil {
		return
	}
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *Writer) Uint32(v uint32) {
	if w.err != nil {
		return
	}
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *Writer) Float32s(v []float32) {
	if w.err != nil {
		return
	}
	for _, f := range v {
		w.buf = binary.LittleEndian.AppendUint32(w.buf, math.Float32bits(f))
	}
}

// String writes a uint16 length-prefixed string.
func (w *Writer) String(s string) {
	if w.err != nil {
		return
	}
	if len(s) > math.MaxUint16 {
		w.err = fmt.Errorf("string too long: %d", len(s))
		return
	}
	w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// Blob writes a uint32 length-prefixed byte slice.
func (w *Writer) Blob(b []byte) {
	if w.err != nil {
		return
	}
	if uint64(len(b)) > math.MaxUint32 {
		w.err = fmt.Errorf("blob too long: %d", len(b))
		return
	}
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// Reader decodes values written by Writer. Reads past the end set
// io.ErrUnexpectedEOF and return zero values.
type Reader struct {
	buf []byte
	pos int
	err error
}

// NewReader returns a Reader over buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Err returns the first decoding error.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.buf) {
		r.err = io.ErrUnexpectedEOF
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *Reader) Uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) Uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// Float32s reads n float32 values into a new slice.
func (r *Reader) Float32s(n int) []float32 {
	b := r.take(4 * n)
	if b == nil {
		return nil
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

func (r *Reader) String() string {
	l := r.take(2)
	if l == nil {
		return ""
	}
	return string(r.take(int(binary.LittleEndian.Uint16(l))))
}

// Blob returns a sub-slice of the underlying buffer; callers that retain it
// past the buffer's lifetime must copy.
func (r *Reader) Blob() []byte {
	l := r.take(4)
	if l == nil {
		return nil
	}
	return r.take(int(binary.LittleEndian.Uint32(l)))
}
