// Package elfload copies the loadable segments of an ELF kernel into a
// planned kernel region.
package elfload

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"sort"

	"github.com/tinyrange/bootload/internal/binio"
	"github.com/tinyrange/bootload/internal/layout"
)

var (
	ErrMalformed      = errors.New("elfload: malformed ELF image")
	ErrSegmentOverlap = errors.New("elfload: overlapping PT_LOAD segments")
)

const (
	// HigherHalfBase is where higher-half kernels are conventionally linked.
	HigherHalfBase = 0xffffffff80000000

	// DefaultKernelBase is the first address probed for a higher-half
	// kernel.
	DefaultKernelBase = 0x200000

	pageSize = 0x1000
)

// MachineError reports an ELF built for another architecture.
type MachineError struct {
	Got  elf.Machine
	Want elf.Machine
}

func (e *MachineError) Error() string {
	return fmt.Sprintf("elfload: image is for %s, want %s", e.Got, e.Want)
}

// Header is what format detection learns from the ELF identification and
// file header alone.
type Header struct {
	Class   elf.Class
	Type    elf.Type
	Machine elf.Machine
	Entry   uint64
}

// Detect recognizes a 64-bit executable ELF image. It returns (nil, nil)
// when the ELF magic is absent, and an ErrMalformed error when the magic
// matches but the class or type is unsupported.
func Detect(image []byte) (*Header, error) {
	return detect(image, false)
}

func detect(image []byte, allow32 bool) (*Header, error) {
	r := binio.NewReader(image)
	magic, err := r.Bytes(0, 4)
	if err != nil || string(magic) != elf.ELFMAG {
		return nil, nil
	}
	class, err := r.U8(uint64(elf.EI_CLASS))
	if err != nil {
		return nil, fmt.Errorf("%w: truncated identification", ErrMalformed)
	}
	h := Header{Class: elf.Class(class)}
	switch {
	case h.Class == elf.ELFCLASS64:
	case h.Class == elf.ELFCLASS32 && allow32:
	default:
		return nil, fmt.Errorf("%w: unsupported class %s", ErrMalformed, h.Class)
	}
	if data, err := r.U8(uint64(elf.EI_DATA)); err != nil || elf.Data(data) != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("%w: not little-endian", ErrMalformed)
	}

	typ, err1 := r.U16(16)
	machine, err2 := r.U16(18)
	if err := errors.Join(err1, err2); err != nil {
		return nil, fmt.Errorf("%w: truncated file header: %w", ErrMalformed, err)
	}
	h.Type = elf.Type(typ)
	h.Machine = elf.Machine(machine)
	if h.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("%w: type %s is not an executable", ErrMalformed, h.Type)
	}
	if h.Class == elf.ELFCLASS64 {
		h.Entry, err = r.U64(24)
	} else {
		var e32 uint32
		e32, err = r.U32(24)
		h.Entry = uint64(e32)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: truncated file header: %w", ErrMalformed, err)
	}
	return &h, nil
}

// Options controls validation and rebasing.
type Options struct {
	// Machine, when set, must match e_machine.
	Machine elf.Machine
	// HigherHalfBase overrides the higher-half link base.
	HigherHalfBase uint64
	// AllowELF32 accepts 32-bit images, as Multiboot kernels often are.
	AllowELF32 bool
}

func (o Options) hhBase() uint64 {
	if o.HigherHalfBase != 0 {
		return o.HigherHalfBase
	}
	return HigherHalfBase
}

// Segment is one PT_LOAD program header.
type Segment struct {
	Index    int
	Vaddr    uint64
	Offset   uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
	Flags    elf.ProgFlag
}

// Image is a validated ELF kernel ready to be placed.
type Image struct {
	Header
	Segments []Segment
	// HigherHalf is set when the segments are linked at or above the
	// higher-half base and must be rebased onto the kernel region.
	HigherHalf bool
	// Min and Max bound the load targets. For a higher-half image they
	// are relative to the kernel region base.
	Min, Max uint64
	// Align is the largest segment alignment, at least one page.
	Align uint64

	raw    []byte
	hhBase uint64
}

// Inspect validates image and its program headers without writing anything.
func Inspect(image []byte, opts Options) (*Image, error) {
	h, err := detect(image, opts.AllowELF32)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("%w: missing ELF magic", ErrMalformed)
	}
	if opts.Machine != elf.EM_NONE && h.Machine != opts.Machine {
		return nil, &MachineError{Got: h.Machine, Want: opts.Machine}
	}

	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	defer f.Close()

	img := &Image{Header: *h, raw: image, hhBase: opts.hhBase(), Align: pageSize}
	var low, high int
	for i, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("%w: segment %d file size %#x exceeds memory size %#x", ErrMalformed, i, prog.Filesz, prog.Memsz)
		}
		if end := prog.Off + prog.Filesz; end < prog.Off || end > uint64(len(image)) {
			return nil, fmt.Errorf("%w: segment %d file range [%#x, %#x) outside image", ErrMalformed, i, prog.Off, end)
		}
		if end := prog.Vaddr + prog.Memsz; end < prog.Vaddr {
			return nil, fmt.Errorf("%w: segment %d wraps the address space", ErrMalformed, i)
		}
		if prog.Vaddr >= img.hhBase {
			high++
		} else {
			low++
		}
		img.Segments = append(img.Segments, Segment{
			Index:    i,
			Vaddr:    prog.Vaddr,
			Offset:   prog.Off,
			FileSize: prog.Filesz,
			MemSize:  prog.Memsz,
			Align:    prog.Align,
			Flags:    prog.Flags,
		})
		if prog.Align > img.Align && prog.Align&(prog.Align-1) == 0 {
			img.Align = prog.Align
		}
	}
	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("%w: no loadable segments", ErrMalformed)
	}
	if high > 0 && low > 0 {
		return nil, fmt.Errorf("%w: mixes higher-half and identity-mapped segments", ErrMalformed)
	}
	img.HigherHalf = high > 0

	if err := checkOverlap(img.Segments); err != nil {
		return nil, err
	}
	for i, s := range img.Segments {
		start := img.rel(s.Vaddr)
		if i == 0 || start < img.Min {
			img.Min = start
		}
		img.Max = max(img.Max, start+s.MemSize)
	}
	if img.HigherHalf {
		// The region starts at the link base itself.
		img.Min = 0
	}
	return img, nil
}

func (img *Image) rel(vaddr uint64) uint64 {
	if img.HigherHalf {
		return vaddr - img.hhBase
	}
	return vaddr
}

func checkOverlap(segs []Segment) error {
	sorted := append([]Segment(nil), segs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Vaddr < sorted[j].Vaddr })
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if cur.Vaddr < prev.Vaddr+prev.MemSize {
			return fmt.Errorf("%w: segment %d [%#x, %#x) and segment %d [%#x, %#x)", ErrSegmentOverlap,
				prev.Index, prev.Vaddr, prev.Vaddr+prev.MemSize, cur.Index, cur.Vaddr, cur.Vaddr+cur.MemSize)
		}
	}
	return nil
}

// Request returns the layout request for the kernel region. Identity-mapped
// kernels are pinned to their link address; higher-half kernels may go
// anywhere from base upwards.
func (img *Image) Request(base uint64) layout.Request {
	if img.HigherHalf {
		if base == 0 {
			base = DefaultKernelBase
		}
		return layout.Request{
			Role:  layout.RoleKernel,
			Size:  binio.AlignUp(img.Max, pageSize),
			Align: img.Align,
			Base:  base,
			Mode:  layout.Probe,
		}
	}
	start := binio.AlignDown(img.Min, pageSize)
	return layout.Request{
		Role:  layout.RoleKernel,
		Size:  binio.AlignUp(img.Max, pageSize) - start,
		Align: pageSize,
		Base:  start,
		Mode:  layout.Fixed,
	}
}

// Phys maps a link-time virtual address to where it lands given the kernel
// region base.
func (img *Image) Phys(vaddr, kernelBase uint64) uint64 {
	if img.HigherHalf && vaddr >= img.hhBase {
		return vaddr - img.hhBase + kernelBase
	}
	return vaddr
}

// VirtBase is the virtual address the kernel region base is linked at.
func (img *Image) VirtBase(kernelBase uint64) uint64 {
	if img.HigherHalf {
		return img.hhBase
	}
	return kernelBase
}

// LoadedSegment records where a segment was copied.
type LoadedSegment struct {
	Index int
	Phys  uint64
	Size  uint64
	Flags elf.ProgFlag
}

// EntryInfo describes a loaded kernel.
type EntryInfo struct {
	Entry      uint64
	EntryVirt  uint64
	KernelPhys uint64
	KernelVirt uint64
	Segments   []LoadedSegment
}

// Load copies every segment into the kernel window in program header order
// and zero-fills the remainder of each segment. All targets are validated
// before the first byte is written.
func (img *Image) Load(kernel *layout.Window) (*EntryInfo, error) {
	region := kernel.Region()
	base := region.Base

	type target struct {
		seg  Segment
		phys uint64
	}
	targets := make([]target, 0, len(img.Segments))
	for _, s := range img.Segments {
		phys := img.Phys(s.Vaddr, base)
		if phys < region.Base || phys+s.MemSize > region.End() {
			return nil, fmt.Errorf("elfload: segment %d [%#x, %#x) outside %s: %w",
				s.Index, phys, phys+s.MemSize, region, layout.ErrOutsideRegion)
		}
		targets = append(targets, target{seg: s, phys: phys})
	}
	for i := range targets {
		for j := i + 1; j < len(targets); j++ {
			a, b := targets[i], targets[j]
			if a.phys < b.phys+b.seg.MemSize && b.phys < a.phys+a.seg.MemSize {
				return nil, fmt.Errorf("%w: segments %d and %d both cover %#x", ErrSegmentOverlap, a.seg.Index, b.seg.Index, max(a.phys, b.phys))
			}
		}
	}

	info := &EntryInfo{
		Entry:      img.Phys(img.Entry, base),
		EntryVirt:  img.Entry,
		KernelPhys: base,
		KernelVirt: img.VirtBase(base),
	}
	for _, t := range targets {
		off := t.phys - base
		if t.seg.FileSize > 0 {
			data := img.raw[t.seg.Offset : t.seg.Offset+t.seg.FileSize]
			if _, err := kernel.WriteAt(data, int64(off)); err != nil {
				return nil, fmt.Errorf("elfload: copy segment %d: %w", t.seg.Index, err)
			}
		}
		if bss := t.seg.MemSize - t.seg.FileSize; bss > 0 {
			if err := kernel.Zero(off+t.seg.FileSize, bss); err != nil {
				return nil, fmt.Errorf("elfload: clear segment %d bss: %w", t.seg.Index, err)
			}
		}
		info.Segments = append(info.Segments, LoadedSegment{Index: t.seg.Index, Phys: t.phys, Size: t.seg.MemSize, Flags: t.seg.Flags})
	}
	return info, nil
}

// Bytes returns the file bytes of segment s.
func (img *Image) Bytes(s Segment) []byte {
	return img.raw[s.Offset : s.Offset+s.FileSize]
}
