package linux

import (
	"errors"
	"fmt"

	"github.com/tinyrange/bootload/internal/binio"
	"github.com/tinyrange/bootload/internal/fdt"
	"github.com/tinyrange/bootload/internal/handoff"
	"github.com/tinyrange/bootload/internal/layout"
)

const (
	imageHeaderSize  = 64
	imageMagicOffset = 0x38

	MagicARM64           = 0x644d5241 // "ARM\x64"
	MagicRISCV64         = 0x05435352 // "RSC\x05"
	MagicLoongArch64     = 0x818223cd
	MagicLoongArchLegacy = 0x4c4f4f4e // "NOOL"

	imageAlign = 0x200000

	paramsSize = 11 * 8
	dtbMax     = 0x10000
)

// ImageHeader is the 64-byte header that starts a flat kernel Image on the
// device-tree architectures.
type ImageHeader struct {
	Arch handoff.Arch
	// TextOffset is where inside its 2 MiB aligned region the image must be
	// loaded.
	TextOffset uint64
	ImageSize  uint64
	Flags      uint64
	// KernelEntry is the LoongArch absolute entry address, zero elsewhere.
	KernelEntry uint64
}

// DetectImage checks for an arm64, riscv64 or loongarch64 Image header. It
// returns (nil, nil) when none of the magics match.
func DetectImage(image []byte) (*ImageHeader, error) {
	r := binio.NewReader(image)
	magic, err := r.U32(imageMagicOffset)
	if err != nil {
		return nil, nil
	}
	var h ImageHeader
	switch magic {
	case MagicARM64:
		h.Arch = handoff.ArchARM64
	case MagicRISCV64:
		h.Arch = handoff.ArchRISCV64
	case MagicLoongArch64, MagicLoongArchLegacy:
		h.Arch = handoff.ArchLoongArch64
	default:
		return nil, nil
	}
	if len(image) < imageHeaderSize {
		return nil, fmt.Errorf("%w: %s image header truncated", ErrMalformed, h.Arch)
	}

	word0, _ := r.U64(0x08)
	h.ImageSize, _ = r.U64(0x10)
	h.Flags, _ = r.U64(0x18)
	if h.Arch == handoff.ArchLoongArch64 && magic == MagicLoongArch64 {
		// The PE-style LoongArch header stores the entry at 0x08 and the
		// load offset at 0x18.
		h.KernelEntry = word0
		h.TextOffset = h.Flags
		h.Flags = 0
	} else {
		h.TextOffset = word0
	}
	if h.TextOffset >= imageAlign {
		return nil, fmt.Errorf("%w: text_offset %#x beyond the 2 MiB load window", ErrMalformed, h.TextOffset)
	}
	if h.ImageSize != 0 && h.ImageSize < uint64(len(image)) {
		// Older kernels leave image_size zero; a non-zero value smaller
		// than the file is a corrupt header.
		return nil, fmt.Errorf("%w: image_size %#x smaller than file (%d bytes)", ErrMalformed, h.ImageSize, len(image))
	}
	return &h, nil
}

// LoadSize is the number of bytes the kernel occupies from its region base.
func (h *ImageHeader) LoadSize(image []byte) uint64 {
	return binio.AlignUp(h.TextOffset+max(h.ImageSize, uint64(len(image))), pageSize)
}

// ImageParams carries the facts the parameter block and device tree record.
type ImageParams struct {
	KernelBase uint64
	MemoryBase uint64
	MemorySize uint64
	// Arch0 and Arch1 are the last two words of the parameter block:
	// hartid and fdt address on riscv64, ACPI RSDP and EFI system table on
	// loongarch64. A zero Arch1 on riscv64 is replaced by the DTB address.
	Arch0 uint64
	Arch1 uint64
}

// ImageRequests describes the regions an Image boot needs. The parameter
// block uses the info role and the device tree uses the module table role.
func ImageRequests(h *ImageHeader, image, initrd []byte, cmdline string, p ImageParams) []layout.Request {
	reqs := []layout.Request{
		{Role: layout.RoleKernel, Size: h.LoadSize(image), Align: imageAlign, Base: p.KernelBase, Mode: layout.Probe},
		{Role: layout.RoleInfo, Size: pageSize, Align: pageSize, Mode: layout.Probe},
		{Role: layout.RoleModuleTable, Size: dtbMax, Align: 8, Mode: layout.Probe},
	}
	if len(initrd) > 0 {
		reqs = append(reqs, layout.Request{Role: layout.RoleInitrd, Size: binio.AlignUp(uint64(len(initrd)), pageSize), Align: pageSize, Mode: layout.Probe})
	}
	if cmdline != "" {
		reqs = append(reqs, layout.Request{Role: layout.RoleCmdline, Size: binio.AlignUp(uint64(len(cmdline))+1, 8), Align: 8, Mode: layout.Probe})
	}
	return reqs
}

// BuildImage loads the Image, writes the device tree and the parameter
// block, and returns a three-register descriptor (0, dtb, params).
func BuildImage(ws *layout.Windows, h *ImageHeader, image, initrd []byte, cmdline string, p ImageParams) (handoff.Descriptor, error) {
	kernel, err := ws.For(layout.RoleKernel)
	if err != nil {
		return handoff.Descriptor{}, err
	}
	params, err := ws.For(layout.RoleInfo)
	if err != nil {
		return handoff.Descriptor{}, err
	}
	dtbWin, err := ws.For(layout.RoleModuleTable)
	if err != nil {
		return handoff.Descriptor{}, err
	}

	var initrdWin, cmdWin *layout.Window
	var initrdAddr, cmdAddr, cmdSize uint64
	if len(initrd) > 0 {
		if initrdWin, err = ws.For(layout.RoleInitrd); err != nil {
			return handoff.Descriptor{}, err
		}
		initrdAddr = initrdWin.Region().Base
	}
	if cmdline != "" {
		if cmdWin, err = ws.For(layout.RoleCmdline); err != nil {
			return handoff.Descriptor{}, err
		}
		cmdAddr = cmdWin.Region().Base
		cmdSize = uint64(len(cmdline)) + 1
	}

	dtb, err := deviceTree(h.Arch, cmdline, initrdAddr, uint64(len(initrd)), p)
	if err != nil {
		return handoff.Descriptor{}, err
	}
	if uint64(len(dtb)) > dtbWin.Region().Size {
		return handoff.Descriptor{}, fmt.Errorf("linux: device tree of %d bytes overflows %s", len(dtb), dtbWin.Region())
	}

	kernelBase := kernel.Region().Base
	arch1 := p.Arch1
	if h.Arch == handoff.ArchRISCV64 && arch1 == 0 {
		arch1 = dtbWin.Region().Base
	}
	pw := binio.NewWriter(paramsSize)
	var errs []error
	for i, v := range []uint64{
		dtbWin.Region().Base,
		initrdAddr,
		uint64(len(initrd)),
		cmdAddr,
		cmdSize,
		kernelBase + h.TextOffset,
		uint64(len(image)),
		p.MemoryBase,
		p.MemorySize,
		p.Arch0,
		arch1,
	} {
		errs = append(errs, pw.PutU64(uint64(i*8), v))
	}
	if err := errors.Join(errs...); err != nil {
		return handoff.Descriptor{}, fmt.Errorf("fill parameter block: %w", err)
	}

	if err := kernel.Zero(0, kernel.Region().Size); err != nil {
		return handoff.Descriptor{}, fmt.Errorf("clear kernel: %w", err)
	}
	if _, err := kernel.WriteAt(image, int64(h.TextOffset)); err != nil {
		return handoff.Descriptor{}, fmt.Errorf("load kernel: %w", err)
	}
	if initrdWin != nil {
		if err := initrdWin.Fill(initrd); err != nil {
			return handoff.Descriptor{}, fmt.Errorf("load initrd: %w", err)
		}
	}
	if cmdWin != nil {
		if err := cmdWin.Fill(append([]byte(cmdline), 0)); err != nil {
			return handoff.Descriptor{}, fmt.Errorf("write command line: %w", err)
		}
	}
	if err := dtbWin.Fill(dtb); err != nil {
		return handoff.Descriptor{}, fmt.Errorf("write device tree: %w", err)
	}
	if err := params.Fill(pw.Bytes()); err != nil {
		return handoff.Descriptor{}, fmt.Errorf("write parameter block: %w", err)
	}

	entry := kernelBase + h.TextOffset
	if h.KernelEntry != 0 {
		entry = h.KernelEntry
	}
	return handoff.NewDescriptor(handoff.ProtocolLinuxImage, h.Arch, entry, 0, dtbWin.Region().Base, params.Region().Base)
}

func deviceTree(arch handoff.Arch, cmdline string, initrdAddr, initrdSize uint64, p ImageParams) ([]byte, error) {
	b := fdt.NewBuilder()
	b.BeginNode("")
	b.AddPropertyU32("#address-cells", 2)
	b.AddPropertyU32("#size-cells", 2)
	b.AddPropertyString("compatible", "linux,dummy-"+string(arch))

	b.BeginNode("chosen")
	b.AddPropertyString("bootargs", cmdline)
	if initrdSize > 0 {
		b.AddPropertyU64("linux,initrd-start", initrdAddr)
		b.AddPropertyU64("linux,initrd-end", initrdAddr+initrdSize)
	}
	b.EndNode()

	b.BeginNode(fmt.Sprintf("memory@%x", p.MemoryBase))
	b.AddPropertyString("device_type", "memory")
	b.AddPropertyU64Pair("reg", p.MemoryBase, p.MemorySize)
	b.EndNode()

	b.EndNode()
	blob, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("linux: build device tree: %w", err)
	}
	return blob, nil
}
