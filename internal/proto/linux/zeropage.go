package linux

import (
	"errors"
	"fmt"

	"github.com/tinyrange/bootload/internal/binio"
	"github.com/tinyrange/bootload/internal/handoff"
	"github.com/tinyrange/bootload/internal/layout"
	"github.com/tinyrange/bootload/internal/memmap"
)

var (
	ErrCmdlineTooLong = errors.New("linux: command line too long")
	ErrInitrdTooHigh  = errors.New("linux: initrd above initrd_addr_max")
	ErrMemoryMapSize  = errors.New("linux: memory map does not fit the zero page")
)

const (
	DefaultKernelBase = 0x00100000
	ZeroPageBase      = 0x00090000

	zeroPageSize  = 0xa000
	cmdlineOffset = 0x9800
	maxCmdline    = 2047

	oldCmdlineMagic    = 0xa33f
	offOldCmdlineMagic = 0x020
	offOldCmdlineOff   = 0x022

	defaultKernelAlign = 0x200000
	pageSize           = 0x1000
	lowMemoryEnd       = 0x100000
)

// Params carries the machine facts the zero page records.
type Params struct {
	Arch handoff.Arch
	// MemorySize is the amount of RAM starting at physical address zero.
	MemorySize uint64
	// MemoryMap overrides the synthesized e820 table.
	MemoryMap []memmap.Entry
}

// KernelSize is the number of bytes the protected-mode kernel needs,
// including the decompression scratch space advertised by init_size.
func (h *Header) KernelSize(image []byte) uint64 {
	size := uint64(len(image)) - h.SetupSize()
	size = max(size, uint64(h.InitSize))
	return binio.AlignUp(size, pageSize)
}

// Requests describes the regions a bzImage boot needs. The zero page is
// always at ZeroPageBase and carries the command line inside it.
func Requests(h *Header, image, initrd []byte) []layout.Request {
	kernel := layout.Request{
		Role:  layout.RoleKernel,
		Size:  h.KernelSize(image),
		Align: pageSize,
		Base:  DefaultKernelBase,
		Mode:  layout.Fixed,
	}
	if h.Relocatable() {
		kernel.Mode = layout.Probe
		kernel.Align = uint64(h.KernelAlignment)
		if kernel.Align == 0 {
			kernel.Align = defaultKernelAlign
		}
		if h.PrefAddress != 0 {
			kernel.Base = h.PrefAddress
		}
	}

	reqs := []layout.Request{
		kernel,
		{Role: layout.RoleInfo, Size: zeroPageSize, Align: pageSize, Base: ZeroPageBase, Mode: layout.Fixed},
	}
	if len(initrd) > 0 {
		reqs = append(reqs, layout.Request{
			Role:  layout.RoleInitrd,
			Size:  binio.AlignUp(uint64(len(initrd)), pageSize),
			Align: pageSize,
			Mode:  layout.Probe,
		})
	}
	return reqs
}

// Build copies the kernel and initrd into their regions and writes the zero
// page. The returned descriptor enters the kernel with the zero page address
// as its only argument.
func Build(ws *layout.Windows, h *Header, image, initrd []byte, cmdline string, p Params) (handoff.Descriptor, error) {
	kernel, err := ws.For(layout.RoleKernel)
	if err != nil {
		return handoff.Descriptor{}, err
	}
	info, err := ws.For(layout.RoleInfo)
	if err != nil {
		return handoff.Descriptor{}, err
	}

	limit := uint64(maxCmdline)
	if h.CmdlineSize != 0 && uint64(h.CmdlineSize) < limit {
		limit = uint64(h.CmdlineSize)
	}
	if uint64(len(cmdline)) > limit {
		return handoff.Descriptor{}, fmt.Errorf("%w: %d bytes, limit %d", ErrCmdlineTooLong, len(cmdline), limit)
	}

	zp := binio.NewWriter(zeroPageSize)
	setup := h.SetupSize()
	if err := zp.PutBytes(0, image[:setup]); err != nil {
		return handoff.Descriptor{}, fmt.Errorf("copy setup header: %w", err)
	}

	var initrdWin *layout.Window
	var initrdRegion layout.Region
	if len(initrd) > 0 {
		initrdWin, err = ws.For(layout.RoleInitrd)
		if err != nil {
			return handoff.Descriptor{}, err
		}
		initrdRegion = initrdWin.Region()
		last := initrdRegion.Base + uint64(len(initrd)) - 1
		if h.InitrdAddrMax != 0 && last > uint64(h.InitrdAddrMax) {
			return handoff.Descriptor{}, fmt.Errorf("%w: ends at %#x, limit %#x", ErrInitrdTooHigh, last, h.InitrdAddrMax)
		}
	}

	if err := writeZeroPage(zp, h, info.Region(), kernel.Region(), initrdRegion, uint64(len(initrd)), cmdline, p); err != nil {
		return handoff.Descriptor{}, err
	}

	if err := kernel.Fill(image[setup:]); err != nil {
		return handoff.Descriptor{}, fmt.Errorf("load kernel: %w", err)
	}
	if initrdWin != nil {
		if err := initrdWin.Fill(initrd); err != nil {
			return handoff.Descriptor{}, fmt.Errorf("load initrd: %w", err)
		}
	}
	if err := info.Fill(zp.Bytes()); err != nil {
		return handoff.Descriptor{}, fmt.Errorf("write zero page: %w", err)
	}

	return handoff.NewDescriptor(handoff.ProtocolLinux, p.Arch, kernel.Region().Base, info.Region().Base)
}

func writeZeroPage(zp *binio.Writer, h *Header, info, kernel, initrd layout.Region, initrdSize uint64, cmdline string, p Params) error {
	var errs []error
	put8 := func(off uint64, v uint8) { errs = append(errs, zp.PutU8(off, v)) }
	put16 := func(off uint64, v uint16) { errs = append(errs, zp.PutU16(off, v)) }
	put32 := func(off uint64, v uint32) { errs = append(errs, zp.PutU32(off, v)) }

	put16(offBootFlag, bootFlag)
	put8(offTypeOfLoader, loaderTypeUndefined)
	put32(offCode32Start, uint32(kernel.Base))

	loadFlags := h.LoadFlags | loadFlagLoadedHigh
	if h.Version >= 0x0201 {
		loadFlags |= loadFlagCanUseHeap
		put16(offHeapEndPtr, cmdlineOffset-0x200)
	}
	put8(offLoadFlags, loadFlags)

	cmdAddr := info.Base + cmdlineOffset
	errs = append(errs, zp.PutCString(cmdlineOffset, cmdline))
	if h.Version >= 0x0202 {
		put32(offCmdLinePtr, uint32(cmdAddr))
		put32(offExtCmdLinePtr, uint32(cmdAddr>>32))
	} else {
		put16(offOldCmdlineMagic, oldCmdlineMagic)
		put16(offOldCmdlineOff, cmdlineOffset)
	}

	if initrdSize > 0 {
		put32(offRamdiskImage, uint32(initrd.Base))
		put32(offRamdiskSize, uint32(initrdSize))
		put32(offExtRamdiskImage, uint32(initrd.Base>>32))
		put32(offExtRamdiskSize, uint32(initrdSize>>32))
	}

	var extK uint64
	if p.MemorySize > lowMemoryEnd {
		extK = (p.MemorySize - lowMemoryEnd) >> 10
	}
	put16(offExtMemK, uint16(min(extK, 0xffff)))
	put32(offAltMemK, uint32(min(extK, 0xffffffff)))

	entries := p.MemoryMap
	if len(entries) == 0 {
		entries = memmap.E820(0, p.MemorySize)
	}
	if len(entries) > maxE820Entries {
		return fmt.Errorf("%w: %d entries, limit %d", ErrMemoryMapSize, len(entries), maxE820Entries)
	}
	put8(offE820Entries, uint8(len(entries)))
	for i, e := range entries {
		off := uint64(offE820Table + i*e820EntrySize)
		errs = append(errs,
			zp.PutU64(off, e.Addr),
			zp.PutU64(off+8, e.Size),
			zp.PutU32(off+16, e.Type.BIOS()),
		)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("fill zero page: %w", err)
	}
	return nil
}
