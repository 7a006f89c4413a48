// Package physmem abstracts the physical memory a boot attempt writes into.
package physmem

import (
	"errors"
	"fmt"
	"io"
)

var ErrOutsideMemory = errors.New("physmem: access outside memory")

// Memory is a window of physical address space. Offsets passed to ReadAt and
// WriteAt are physical addresses, not offsets from Base.
type Memory interface {
	io.ReaderAt
	io.WriterAt

	Base() uint64
	Size() uint64
}

// HostMemory is implemented by memories that are backed by host-addressable
// bytes, which is required to transfer control natively.
type HostMemory interface {
	Memory

	// Slice returns the host bytes backing [addr, addr+size).
	Slice(addr, size uint64) ([]byte, error)
}

func span(m Memory, addr uint64, n int) (uint64, error) {
	if addr < m.Base() {
		return 0, fmt.Errorf("address %#x below memory base %#x: %w", addr, m.Base(), ErrOutsideMemory)
	}
	off := addr - m.Base()
	end := off + uint64(n)
	if end < off || end > m.Size() {
		return 0, fmt.Errorf("range [%#x, %#x) outside memory [%#x, %#x): %w",
			addr, addr+uint64(n), m.Base(), m.Base()+m.Size(), ErrOutsideMemory)
	}
	return off, nil
}

// Buffer is a Memory backed by a Go byte slice.
type Buffer struct {
	mem  []byte
	base uint64
}

// NewBuffer returns a zeroed Buffer covering [base, base+size).
func NewBuffer(base, size uint64) *Buffer {
	return &Buffer{mem: make([]byte, size), base: base}
}

func (b *Buffer) Base() uint64 { return b.base }
func (b *Buffer) Size() uint64 { return uint64(len(b.mem)) }

// Bytes exposes the whole backing slice.
func (b *Buffer) Bytes() []byte { return b.mem }

// ReadAt implements io.ReaderAt.
func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	start, err := span(b, uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, b.mem[start:]), nil
}

// WriteAt implements io.WriterAt.
func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	start, err := span(b, uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(b.mem[start:], p), nil
}

func (b *Buffer) Slice(addr, size uint64) ([]byte, error) {
	start, err := span(b, addr, int(size))
	if err != nil {
		return nil, err
	}
	return b.mem[start : start+size], nil
}

var (
	_ HostMemory = &Buffer{}
)
