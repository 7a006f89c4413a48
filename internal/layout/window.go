package layout

import (
	"fmt"
	"io"
)

// Memory is the physical memory a window writes through. Offsets are
// physical addresses.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// Window confines reads and writes to a single planned region. Offsets are
// relative to the region base.
type Window struct {
	mem    Memory
	region Region
}

func NewWindow(mem Memory, region Region) *Window {
	return &Window{mem: mem, region: region}
}

func (w *Window) Region() Region { return w.region }

// Addr converts a region offset to a physical address.
func (w *Window) Addr(off uint64) uint64 { return w.region.Base + off }

func (w *Window) check(off int64, n int) error {
	if off < 0 {
		return fmt.Errorf("layout: negative offset %d in %s: %w", off, w.region, ErrOutsideRegion)
	}
	end := uint64(off) + uint64(n)
	if end < uint64(off) || end > w.region.Size {
		return fmt.Errorf("layout: %d bytes at +%#x outside %s: %w", n, off, w.region, ErrOutsideRegion)
	}
	return nil
}

// WriteAt implements io.WriterAt.
func (w *Window) WriteAt(p []byte, off int64) (int, error) {
	if err := w.check(off, len(p)); err != nil {
		return 0, err
	}
	n, err := w.mem.WriteAt(p, int64(w.region.Base+uint64(off)))
	if err != nil {
		return n, fmt.Errorf("write %s: %w", w.region.Name, err)
	}
	return n, nil
}

// ReadAt implements io.ReaderAt.
func (w *Window) ReadAt(p []byte, off int64) (int, error) {
	if err := w.check(off, len(p)); err != nil {
		return 0, err
	}
	n, err := w.mem.ReadAt(p, int64(w.region.Base+uint64(off)))
	if err != nil {
		return n, fmt.Errorf("read %s: %w", w.region.Name, err)
	}
	return n, nil
}

const zeroChunk = 64 << 10

// Zero clears n bytes at off.
func (w *Window) Zero(off, n uint64) error {
	if err := w.check(int64(off), int(n)); err != nil {
		return err
	}
	buf := make([]byte, min(n, zeroChunk))
	for n > 0 {
		chunk := min(n, uint64(len(buf)))
		if _, err := w.WriteAt(buf[:chunk], int64(off)); err != nil {
			return err
		}
		off += chunk
		n -= chunk
	}
	return nil
}

// Fill writes p at the start of the region and zeroes the rest.
func (w *Window) Fill(p []byte) error {
	if _, err := w.WriteAt(p, 0); err != nil {
		return err
	}
	if rest := w.region.Size - uint64(len(p)); rest > 0 {
		return w.Zero(uint64(len(p)), rest)
	}
	return nil
}

// Windows hands out region-scoped writers for a plan.
type Windows struct {
	mem  Memory
	plan *Plan
}

func NewWindows(mem Memory, plan *Plan) *Windows {
	return &Windows{mem: mem, plan: plan}
}

func (ws *Windows) Plan() *Plan { return ws.plan }

// For returns the window for role, or an error when the plan has no region
// for it.
func (ws *Windows) For(role Role) (*Window, error) {
	region, ok := ws.plan.Region(role)
	if !ok {
		return nil, fmt.Errorf("layout: plan has no %s region: %w", role, ErrInvalid)
	}
	return NewWindow(ws.mem, region), nil
}
