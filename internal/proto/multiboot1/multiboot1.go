// Package multiboot1 detects Multiboot version 1 kernels and builds the
// information structure they receive in EBX.
package multiboot1

import (
	"errors"
	"fmt"

	"github.com/tinyrange/bootload/internal/binio"
	"github.com/tinyrange/bootload/internal/handoff"
	"github.com/tinyrange/bootload/internal/layout"
	"github.com/tinyrange/bootload/internal/memmap"
	"github.com/tinyrange/bootload/internal/proto/mbload"
)

var (
	ErrMalformed    = errors.New("multiboot1: malformed header")
	ErrMemoryMapLen = errors.New("multiboot1: memory map too large")
)

const (
	HeaderMagic     = 0x1BADB002
	BootloaderMagic = 0x2BADB002

	// The header must be 4-byte aligned within the first 8 KiB.
	searchLimit = 8192
	headerWords = 8

	headerFlagAOut = 1 << 16

	InfoFlagMemory     = 1 << 0
	InfoFlagBootDevice = 1 << 1
	InfoFlagCmdline    = 1 << 2
	InfoFlagModules    = 1 << 3
	InfoFlagMemoryMap  = 1 << 6
	InfoFlagLoaderName = 1 << 9

	InfoBase          = 0x90000
	DefaultBootDevice = 0x8000

	// Sub-areas of the info region.
	offFlags      = 0
	offMemLower   = 4
	offMemUpper   = 8
	offBootDevice = 12
	offCmdline    = 16
	offModsCount  = 20
	offModsAddr   = 24
	offMmapLength = 44
	offMmapAddr   = 48
	offLoaderName = 64

	areaMmap       = 0x100
	areaModules    = 0x300
	areaModuleName = 0x340
	areaLoaderName = 0x380
	areaCmdline    = 0x400

	mmapEntrySize  = 24
	maxMmapEntries = (areaModules - areaMmap) / mmapEntrySize

	memLowerKiB  = 640
	lowMemoryEnd = 0x100000
	pageSize     = 0x1000

	LoaderName = "bootload"
)

// Header is a validated Multiboot 1 header.
type Header struct {
	// Offset is where the header starts in the image.
	Offset uint64
	Flags  uint32
	// Addresses is non-nil when flag 16 asks for the a.out kludge.
	Addresses *mbload.Addresses
	EntryAddr uint32
}

// Detect scans for the header magic. A bad checksum at offset 0 is
// malformed; a later magic whose checksum fails is kernel code or data and
// is skipped.
func Detect(image []byte) (*Header, error) {
	r := binio.NewReader(image)
	limit := min(uint64(len(image)), searchLimit)
	for off := uint64(0); off+4 <= limit; off += 4 {
		magic, _ := r.U32(off)
		if magic != HeaderMagic {
			continue
		}
		h, err := parse(r, off)
		if err != nil && off != 0 {
			continue
		}
		return h, err
	}
	return nil, nil
}

func parse(r binio.Reader, off uint64) (*Header, error) {
	sum, err := r.SumU32(off, headerWords)
	if err != nil {
		return nil, fmt.Errorf("%w: header at %#x truncated", ErrMalformed, off)
	}
	if sum != 0 {
		return nil, fmt.Errorf("%w: checksum at %#x sums to %#x", ErrMalformed, off, sum)
	}
	flags, _ := r.U32(off + 4)
	h := &Header{Offset: off, Flags: flags}
	if flags&headerFlagAOut != 0 {
		var w [5]uint32
		for i := range w {
			w[i], _ = r.U32(off + 12 + uint64(i)*4)
		}
		h.Addresses = &mbload.Addresses{
			HeaderOffset: off,
			HeaderAddr:   w[0],
			LoadAddr:     w[1],
			LoadEndAddr:  w[2],
			BSSEndAddr:   w[3],
		}
		h.EntryAddr = w[4]
	}
	return h, nil
}

// Params are the machine facts recorded in the info structure.
type Params struct {
	Arch       handoff.Arch
	MemorySize uint64
	MemoryMap  []memmap.Entry
	BootDevice uint32
}

// Requests describes the regions a Multiboot 1 boot needs.
func Requests(h *Header, image, initrd []byte, cmdline string) ([]layout.Request, error) {
	k, err := mbload.New(image, h.Addresses)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	reqs := []layout.Request{
		k.Request(),
		{Role: layout.RoleInfo, Size: infoSize(cmdline), Align: pageSize, Base: InfoBase, Mode: layout.Fixed},
	}
	if len(initrd) > 0 {
		reqs = append(reqs, layout.Request{Role: layout.RoleInitrd, Size: binio.AlignUp(uint64(len(initrd)), pageSize), Align: pageSize, Mode: layout.Probe})
	}
	return reqs, nil
}

func infoSize(cmdline string) uint64 {
	return binio.AlignUp(areaCmdline+uint64(len(cmdline))+1, pageSize)
}

// Build loads the initrd and writes the info structure, memory map, module
// list and strings into the info region. The kernel is copied by Load.
func Build(ws *layout.Windows, h *Header, image, initrd []byte, cmdline string, p Params) (handoff.Descriptor, error) {
	k, err := mbload.New(image, h.Addresses)
	if err != nil {
		return handoff.Descriptor{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	info, err := ws.For(layout.RoleInfo)
	if err != nil {
		return handoff.Descriptor{}, err
	}

	entries := p.MemoryMap
	if len(entries) == 0 {
		entries = memmap.Default(p.MemorySize)
	}
	if len(entries) > maxMmapEntries {
		return handoff.Descriptor{}, fmt.Errorf("%w: %d entries, room for %d", ErrMemoryMapLen, len(entries), maxMmapEntries)
	}

	buf := binio.NewWriter(int(info.Region().Size))
	base := info.Region().Base
	var errs []error
	put32 := func(off uint64, v uint32) { errs = append(errs, buf.PutU32(off, v)) }

	flags := uint32(InfoFlagMemory | InfoFlagBootDevice | InfoFlagMemoryMap | InfoFlagLoaderName)

	var upperKiB uint64
	if p.MemorySize > lowMemoryEnd {
		upperKiB = (p.MemorySize - lowMemoryEnd) >> 10
	}
	put32(offMemLower, memLowerKiB)
	put32(offMemUpper, uint32(min(upperKiB, 0xffffffff)))

	bootDevice := p.BootDevice
	if bootDevice == 0 {
		bootDevice = DefaultBootDevice
	}
	put32(offBootDevice, bootDevice)

	if cmdline != "" {
		flags |= InfoFlagCmdline
		errs = append(errs, buf.PutCString(areaCmdline, cmdline))
		put32(offCmdline, uint32(base+areaCmdline))
	}

	for i, e := range entries {
		off := uint64(areaMmap + i*mmapEntrySize)
		errs = append(errs,
			buf.PutU32(off, mmapEntrySize-4),
			buf.PutU64(off+4, e.Addr),
			buf.PutU64(off+12, e.Size),
			buf.PutU32(off+20, e.Type.BIOS()),
		)
	}
	put32(offMmapLength, uint32(len(entries)*mmapEntrySize))
	put32(offMmapAddr, uint32(base+areaMmap))

	errs = append(errs, buf.PutCString(areaLoaderName, LoaderName))
	put32(offLoaderName, uint32(base+areaLoaderName))

	var initrdWin *layout.Window
	if len(initrd) > 0 {
		if initrdWin, err = ws.For(layout.RoleInitrd); err != nil {
			return handoff.Descriptor{}, err
		}
		start := initrdWin.Region().Base
		flags |= InfoFlagModules
		put32(offModsCount, 1)
		put32(offModsAddr, uint32(base+areaModules))
		put32(areaModules, uint32(start))
		put32(areaModules+4, uint32(start+uint64(len(initrd))))
		put32(areaModules+8, uint32(base+areaModuleName))
		errs = append(errs, buf.PutCString(areaModuleName, "initrd"))
	}
	put32(offFlags, flags)

	if err := errors.Join(errs...); err != nil {
		return handoff.Descriptor{}, fmt.Errorf("multiboot1: fill info: %w", err)
	}

	entry := k.Entry()
	if h.Addresses != nil {
		entry = uint64(h.EntryAddr)
	}
	if initrdWin != nil {
		if err := initrdWin.Fill(initrd); err != nil {
			return handoff.Descriptor{}, fmt.Errorf("multiboot1: load initrd: %w", err)
		}
	}
	if err := info.Fill(buf.Bytes()); err != nil {
		return handoff.Descriptor{}, fmt.Errorf("multiboot1: write info: %w", err)
	}

	return handoff.NewDescriptor(handoff.ProtocolMultiboot1, p.Arch, entry, BootloaderMagic, base)
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
