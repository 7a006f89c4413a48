//go:build unix

package physmem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mapped is a Memory backed by an mmap(2) region, either anonymous or shared
// with a memory image file so the result can be inspected after a dry run.
type Mapped struct {
	mem  []byte
	base uint64
	file *os.File
}

// MapAnonymous maps size bytes of private zeroed memory.
func MapAnonymous(base, size uint64) (*Mapped, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap anonymous memory: %w", err)
	}
	return &Mapped{mem: mem, base: base}, nil
}

// MapFile maps path as shared memory of size bytes, creating or truncating it
// as needed.
func MapFile(path string, base, size uint64) (*Mapped, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open memory image: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("size memory image: %w", err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap memory image: %w", err)
	}
	return &Mapped{mem: mem, base: base, file: f}, nil
}

func (m *Mapped) Base() uint64 { return m.base }
func (m *Mapped) Size() uint64 { return uint64(len(m.mem)) }

// ReadAt implements io.ReaderAt.
func (m *Mapped) ReadAt(p []byte, off int64) (int, error) {
	start, err := span(m, uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, m.mem[start:]), nil
}

// WriteAt implements io.WriterAt.
func (m *Mapped) WriteAt(p []byte, off int64) (int, error) {
	start, err := span(m, uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(m.mem[start:], p), nil
}

func (m *Mapped) Slice(addr, size uint64) ([]byte, error) {
	start, err := span(m, addr, int(size))
	if err != nil {
		return nil, err
	}
	return m.mem[start : start+size], nil
}

// Protect changes the protection of the pages covering [addr, addr+size).
func (m *Mapped) Protect(addr, size uint64, prot int) error {
	pageSize := uint64(unix.Getpagesize())
	start := (addr - m.base) &^ (pageSize - 1)
	end := (addr - m.base + size + pageSize - 1) &^ (pageSize - 1)
	if addr < m.base || end > uint64(len(m.mem)) {
		return fmt.Errorf("protect [%#x, %#x): %w", addr, addr+size, ErrOutsideMemory)
	}
	if err := unix.Mprotect(m.mem[start:end], prot); err != nil {
		return fmt.Errorf("mprotect [%#x, %#x): %w", m.base+start, m.base+end, err)
	}
	return nil
}

// Close flushes a file-backed mapping and releases it.
func (m *Mapped) Close() error {
	if m.mem == nil {
		return nil
	}
	var firstErr error
	if m.file != nil {
		if err := unix.Msync(m.mem, unix.MS_SYNC); err != nil {
			firstErr = fmt.Errorf("msync memory image: %w", err)
		}
	}
	if err := unix.Munmap(m.mem); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("munmap memory: %w", err)
	}
	m.mem = nil
	if m.file != nil {
		if err := m.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close memory image: %w", err)
		}
	}
	return firstErr
}

var (
	_ HostMemory = &Mapped{}
)
