// Package packets implements the binary wire format shared with the
// acquisition side and the visualization clients.
//
// Scalars are fixed width little-endian in declaration order, strings are raw
// bytes followed by a single NUL, and sequences are an int32 element count
// followed by the elements. Fixed-size arrays carry no count. Every packet
// starts with its int32 Desc tag. On a stream connection each packet travels
// in a frame prefixed by its uint32 byte length.
package packets

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

var (
	// ErrShortPacket is returned when a packet ends before all fields were read.
	ErrShortPacket = errors.New("packet truncated")
	// ErrFrameTooLarge is returned by ReadFrame for frames above the limit.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	// ErrUnterminatedString is returned when a string has no NUL terminator.
	ErrUnterminatedString = errors.New("string is not NUL terminated")
	// ErrNegativeLength is returned for sequences with a negative count.
	ErrNegativeLength = errors.New("negative sequence length")
)

// DefaultMaxFrame bounds a single frame. A 4k x 4k float detector frame
// fits with room to spare.
const DefaultMaxFrame = 128 << 20

// Writer serializes fields into a growing buffer.
type Writer struct {
	buf bytes.Buffer
	tmp [8]byte
}

// Bytes returns the serialized fields.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// Int32 appends a 32-bit signed integer.
func (w *Writer) Int32(v int32) {
	binary.LittleEndian.PutUint32(w.tmp[:4], uint32(v))
	w.buf.Write(w.tmp[:4])
}

// Float32 appends an IEEE-754 single.
func (w *Writer) Float32(v float32) {
	binary.LittleEndian.PutUint32(w.tmp[:4], math.Float32bits(v))
	w.buf.Write(w.tmp[:4])
}

// Bool appends a single byte, 1 for true.
func (w *Writer) Bool(v bool) {
	if v {
		w.buf.WriteByte(1)
		return
	}
	w.buf.WriteByte(0)
}

// String appends s and its NUL terminator.
func (w *Writer) String(s string) {
	w.buf.WriteString(s)
	w.buf.WriteByte(0)
}

// Int32s appends a counted sequence of integers.
func (w *Writer) Int32s(v []int32) {
	w.Int32(int32(len(v)))
	for _, x := range v {
		w.Int32(x)
	}
}

// Float32s appends a counted sequence of singles.
func (w *Writer) Float32s(v []float32) {
	w.Int32(int32(len(v)))
	w.buf.Grow(4 * len(v))
	for _, x := range v {
		w.Float32(x)
	}
}

// Strings appends a counted sequence of strings.
func (w *Writer) Strings(v []string) {
	w.Int32(int32(len(v)))
	for _, s := range v {
		w.String(s)
	}
}

// Float32Array appends a fixed-size array without a count.
func (w *Writer) Float32Array(v []float32) {
	for _, x := range v {
		w.Float32(x)
	}
}

// Reader deserializes fields from a packet body. The first error sticks:
// later reads return zero values and Err reports it.
type Reader struct {
	data []byte
	off  int
	err  error
}

// NewReader reads from data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Err returns the first decoding error.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.data) - r.off }

func (r *Reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n > len(r.data)-r.off {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortPacket, n, r.off, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

// Int32 reads a 32-bit signed integer.
func (r *Reader) Int32() int32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b))
}

// Float32 reads an IEEE-754 single.
func (r *Reader) Float32() float32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

// Bool reads a single byte; any non-zero value is true.
func (r *Reader) Bool() bool {
	b := r.next(1)
	return b != nil && b[0] != 0
}

// String reads bytes up to and including the NUL terminator.
func (r *Reader) String() string {
	if r.err != nil {
		return ""
	}
	i := bytes.IndexByte(r.data[r.off:], 0)
	if i < 0 {
		r.err = fmt.Errorf("%w at offset %d", ErrUnterminatedString, r.off)
		return ""
	}
	s := string(r.data[r.off : r.off+i])
	r.off += i + 1
	return s
}

func (r *Reader) count(elem int) int {
	n := int(r.Int32())
	if r.err != nil {
		return 0
	}
	if n < 0 {
		r.err = fmt.Errorf("%w: %d", ErrNegativeLength, n)
		return 0
	}
	if n*elem > r.Remaining() {
		r.err = fmt.Errorf("%w: sequence of %d elements exceeds %d remaining bytes", ErrShortPacket, n, r.Remaining())
		return 0
	}
	return n
}

// Int32s reads a counted sequence of integers.
func (r *Reader) Int32s() []int32 {
	n := r.count(4)
	out := make([]int32, n)
	for i := range out {
		out[i] = r.Int32()
	}
	return out
}

// Float32s reads a counted sequence of singles.
func (r *Reader) Float32s() []float32 {
	n := r.count(4)
	out := make([]float32, n)
	for i := range out {
		out[i] = r.Float32()
	}
	return out
}

// Strings reads a counted sequence of strings.
func (r *Reader) Strings() []string {
	n := r.count(1)
	out := make([]string, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, r.String())
	}
	return out
}

// Float32Array fills dst from a fixed-size array.
func (r *Reader) Float32Array(dst []float32) {
	for i := range dst {
		dst[i] = r.Float32()
	}
}

// WriteFrame writes payload prefixed by its length.
func WriteFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame of at most limit bytes.
func ReadFrame(r io.Reader, limit int) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(hdr[:]))
	if limit > 0 && n > limit {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, n, limit)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return payload, nil
}
