package multiboot2

import (
	"errors"
	"fmt"

	"github.com/tinyrange/bootload/internal/binio"
	"github.com/tinyrange/bootload/internal/handoff"
	"github.com/tinyrange/bootload/internal/layout"
	"github.com/tinyrange/bootload/internal/memmap"
	"github.com/tinyrange/bootload/internal/proto/mbload"
)

type tagType uint32

const (
	tagEnd tagType = iota
	tagCmdline
	tagLoaderName
	tagModule
	tagBasicMemInfo
	tagBootDevice
	tagMemoryMap
)

const (
	InfoBase          = 0x1000
	DefaultBootDevice = 0x80

	tagAlign       = 8
	prologueSize   = 8
	memInfoSize    = 16
	bootDevSize    = 20
	mmapHeaderSize = 16
	mmapEntrySize  = 24
	moduleHeader   = 16
	endSize        = 8

	memLowerKiB  = 640
	lowMemoryEnd = 0x100000
	pageSize     = 0x1000

	noPartition = 0xFFFFFFFF
	moduleName  = "initrd"
)

// Params are the machine facts carried in the tag stream.
type Params struct {
	Arch       handoff.Arch
	MemorySize uint64
	MemoryMap  []memmap.Entry
	// BootDevice is the BIOS drive number. Zero selects the first hard disk.
	BootDevice uint32
}

func (p Params) entries() []memmap.Entry {
	if len(p.MemoryMap) > 0 {
		return p.MemoryMap
	}
	return memmap.Default(p.MemorySize)
}

// StreamSize is the total_size of the tag stream Build would write.
func StreamSize(cmdline string, mmapEntries int, initrd bool) uint64 {
	size := uint64(prologueSize) + memInfoSize
	if cmdline != "" {
		size += binio.AlignUp(8+uint64(len(cmdline))+1, tagAlign)
	}
	size += binio.AlignUp(bootDevSize, tagAlign)
	size += binio.AlignUp(mmapHeaderSize+uint64(mmapEntries)*mmapEntrySize, tagAlign)
	if initrd {
		size += binio.AlignUp(moduleHeader+uint64(len(moduleName))+1, tagAlign)
	}
	return size + endSize
}

// Requests describes the regions a Multiboot2 boot needs.
func Requests(h *Header, image, initrd []byte, cmdline string, p Params) ([]layout.Request, error) {
	k, err := mbload.New(image, h.Addresses)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	size := StreamSize(cmdline, len(p.entries()), len(initrd) > 0)
	reqs := []layout.Request{
		k.Request(),
		{Role: layout.RoleInfo, Size: binio.AlignUp(size, pageSize), Align: pageSize, Base: InfoBase, Mode: layout.Fixed},
	}
	if len(initrd) > 0 {
		reqs = append(reqs, layout.Request{Role: layout.RoleInitrd, Size: binio.AlignUp(uint64(len(initrd)), pageSize), Align: pageSize, Mode: layout.Probe})
	}
	return reqs, nil
}

// stream appends 8-byte aligned tags to a fixed buffer.
type stream struct {
	w    *binio.Writer
	pos  uint64
	errs []error
}

// begin writes a tag header and returns the offset of its body.
func (s *stream) begin(typ tagType, size uint32) uint64 {
	start := s.pos
	s.put32(start, uint32(typ))
	s.put32(start+4, size)
	s.pos = binio.AlignUp(start+uint64(size), tagAlign)
	return start + 8
}

func (s *stream) put32(off uint64, v uint32) { s.errs = append(s.errs, s.w.PutU32(off, v)) }
func (s *stream) put64(off uint64, v uint64) { s.errs = append(s.errs, s.w.PutU64(off, v)) }
func (s *stream) str(off uint64, v string)   { s.errs = append(s.errs, s.w.PutCString(off, v)) }

// Build loads the initrd and writes the information tag stream. The kernel
// is copied by Load.
func Build(ws *layout.Windows, h *Header, image, initrd []byte, cmdline string, p Params) (handoff.Descriptor, error) {
	if h.Arch != ArchI386 {
		return handoff.Descriptor{}, fmt.Errorf("multiboot2: %s kernels cannot be booted: %w", h.Arch, handoff.ErrUnsupported)
	}
	k, err := mbload.New(image, h.Addresses)
	if err != nil {
		return handoff.Descriptor{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	info, err := ws.For(layout.RoleInfo)
	if err != nil {
		return handoff.Descriptor{}, err
	}
	var initrdWin *layout.Window
	if len(initrd) > 0 {
		if initrdWin, err = ws.For(layout.RoleInitrd); err != nil {
			return handoff.Descriptor{}, err
		}
	}

	entries := p.entries()
	total := StreamSize(cmdline, len(entries), initrdWin != nil)
	if total > info.Region().Size {
		return handoff.Descriptor{}, fmt.Errorf("multiboot2: tag stream of %#x bytes exceeds info region %s: %w", total, info.Region(), layout.ErrOutsideRegion)
	}
	s := &stream{w: binio.NewWriter(int(total)), pos: prologueSize}
	s.put32(0, uint32(total))
	s.put32(4, 0)

	var upperKiB uint64
	if p.MemorySize > lowMemoryEnd {
		upperKiB = (p.MemorySize - lowMemoryEnd) >> 10
	}
	body := s.begin(tagBasicMemInfo, memInfoSize)
	s.put32(body, memLowerKiB)
	s.put32(body+4, uint32(min(upperKiB, 0xffffffff)))

	if cmdline != "" {
		body = s.begin(tagCmdline, uint32(8+len(cmdline)+1))
		s.str(body, cmdline)
	}

	bootDevice := p.BootDevice
	if bootDevice == 0 {
		bootDevice = DefaultBootDevice
	}
	body = s.begin(tagBootDevice, bootDevSize)
	s.put32(body, bootDevice)
	s.put32(body+4, noPartition)
	s.put32(body+8, noPartition)

	body = s.begin(tagMemoryMap, uint32(mmapHeaderSize+len(entries)*mmapEntrySize))
	s.put32(body, mmapEntrySize)
	s.put32(body+4, 0)
	for i, e := range entries {
		off := body + 8 + uint64(i)*mmapEntrySize
		s.put64(off, e.Addr)
		s.put64(off+8, e.Size)
		s.put32(off+16, e.Type.BIOS())
		s.put32(off+20, 0)
	}

	if initrdWin != nil {
		start := initrdWin.Region().Base
		body = s.begin(tagModule, uint32(moduleHeader+len(moduleName)+1))
		s.put32(body, uint32(start))
		s.put32(body+4, uint32(start+uint64(len(initrd))))
		s.str(body+8, moduleName)
	}

	s.begin(tagEnd, endSize)

	if err := errors.Join(s.errs...); err != nil {
		return handoff.Descriptor{}, fmt.Errorf("multiboot2: fill tags: %w", err)
	}
	if s.pos != total {
		return handoff.Descriptor{}, fmt.Errorf("multiboot2: wrote %#x bytes of tags, expected %#x", s.pos, total)
	}

	entry := k.Entry()
	if h.HasEntry {
		entry = uint64(h.EntryAddr)
	}
	if initrdWin != nil {
		if err := initrdWin.Fill(initrd); err != nil {
			return handoff.Descriptor{}, fmt.Errorf("multiboot2: load initrd: %w", err)
		}
	}
	if err := info.Fill(s.w.Bytes()); err != nil {
		return handoff.Descriptor{}, fmt.Errorf("multiboot2: write tags: %w", err)
	}

	return handoff.NewDescriptor(handoff.ProtocolMultiboot2, p.Arch, entry, BootloaderMagic, info.Region().Base)
}

// Load copies the kernel into its region.
func Load(ws *layout.Windows, h *Header, image []byte) error {
	k, err := mbload.New(image, h.Addresses)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	kernel, err := ws.For(layout.RoleKernel)
	if err != nil {
		return err
	}
	return k.Load(kernel)
}
