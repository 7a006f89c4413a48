// Package binio provides bounds-checked little-endian access to packed
// binary structures held in byte slices.
package binio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrOutOfBounds = errors.New("binio: access out of bounds")

// RangeError reports an access of Size bytes at Offset into a buffer of Len
// bytes that does not fit.
type RangeError struct {
	Offset uint64
	Size   uint64
	Len    int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("binio: %d bytes at %#x outside buffer of %d bytes", e.Size, e.Offset, e.Len)
}

func (e *RangeError) Unwrap() error { return ErrOutOfBounds }

func check(buf []byte, off, size uint64) error {
	end := off + size
	if end < off || end > uint64(len(buf)) {
		return &RangeError{Offset: off, Size: size, Len: len(buf)}
	}
	return nil
}

// Reader reads fixed-size fields from an immutable byte slice. Offsets need
// not be aligned.
type Reader struct {
	buf []byte
}

func NewReader(buf []byte) Reader {
	return Reader{buf: buf}
}

func (r Reader) Len() int { return len(r.buf) }

func (r Reader) U8(off uint64) (uint8, error) {
	if err := check(r.buf, off, 1); err != nil {
		return 0, err
	}
	return r.buf[off], nil
}

func (r Reader) U16(off uint64) (uint16, error) {
	if err := check(r.buf, off, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(r.buf[off:]), nil
}

func (r Reader) U32(off uint64) (uint32, error) {
	if err := check(r.buf, off, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(r.buf[off:]), nil
}

func (r Reader) U64(off uint64) (uint64, error) {
	if err := check(r.buf, off, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(r.buf[off:]), nil
}

// Bytes returns the n bytes at off. The result aliases the underlying
// buffer and must not be modified.
func (r Reader) Bytes(off, n uint64) ([]byte, error) {
	if err := check(r.buf, off, n); err != nil {
		return nil, err
	}
	return r.buf[off : off+n : off+n], nil
}

// CString returns the NUL-terminated string starting at off. The terminator
// must appear within max bytes.
func (r Reader) CString(off, max uint64) (string, error) {
	if off >= uint64(len(r.buf)) {
		return "", &RangeError{Offset: off, Size: 1, Len: len(r.buf)}
	}
	end := off + max
	if end < off || end > uint64(len(r.buf)) {
		end = uint64(len(r.buf))
	}
	for i := off; i < end; i++ {
		if r.buf[i] == 0 {
			return string(r.buf[off:i]), nil
		}
	}
	return "", fmt.Errorf("binio: unterminated string at %#x (limit %d): %w", off, max, ErrOutOfBounds)
}

// SumU32 returns the wrapping sum of n consecutive 32-bit words at off.
func (r Reader) SumU32(off uint64, n uint64) (uint32, error) {
	if err := check(r.buf, off, n*4); err != nil {
		return 0, err
	}
	var sum uint32
	for i := uint64(0); i < n; i++ {
		sum += binary.LittleEndian.Uint32(r.buf[off+i*4:])
	}
	return sum, nil
}

// Writer stores fixed-size fields into a byte slice it does not grow.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer over a zeroed buffer of size bytes.
func NewWriter(size int) *Writer {
	return &Writer{buf: make([]byte, size)}
}

// WrapWriter returns a Writer over an existing buffer.
func WrapWriter(buf []byte) *Writer {
	return &Writer{buf: buf}
}

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) PutU8(off uint64, v uint8) error {
	if err := check(w.buf, off, 1); err != nil {
		return err
	}
	w.buf[off] = v
	return nil
}

func (w *Writer) PutU16(off uint64, v uint16) error {
	if err := check(w.buf, off, 2); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(w.buf[off:], v)
	return nil
}

func (w *Writer) PutU32(off uint64, v uint32) error {
	if err := check(w.buf, off, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(w.buf[off:], v)
	return nil
}

func (w *Writer) PutU64(off uint64, v uint64) error {
	if err := check(w.buf, off, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(w.buf[off:], v)
	return nil
}

func (w *Writer) PutBytes(off uint64, p []byte) error {
	if err := check(w.buf, off, uint64(len(p))); err != nil {
		return err
	}
	copy(w.buf[off:], p)
	return nil
}

// PutCString stores s followed by a NUL terminator.
func (w *Writer) PutCString(off uint64, s string) error {
	if err := check(w.buf, off, uint64(len(s))+1); err != nil {
		return err
	}
	copy(w.buf[off:], s)
	w.buf[off+uint64(len(s))] = 0
	return nil
}

// AlignUp rounds v up to a multiple of align, which must be a power of two.
// An align of zero leaves v unchanged.
func AlignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	mask := align - 1
	return (v + mask) &^ mask
}

// AlignDown rounds v down to a multiple of align.
func AlignDown(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return v &^ (align - 1)
}
