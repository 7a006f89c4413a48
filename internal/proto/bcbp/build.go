package bcbp

import (
	"errors"
	"fmt"

	"github.com/tinyrange/bootload/internal/binio"
	"github.com/tinyrange/bootload/internal/handoff"
	"github.com/tinyrange/bootload/internal/layout"
)

var ErrMalformed = errors.New("bcbp: malformed image header")

const (
	DefaultKernelBase = 0x100000
	pageSize          = 0x1000
	tableAlign        = 8
)

// ImageHeader is the BCBP header found at the start of a kernel image built
// for this protocol.
type ImageHeader struct {
	Version uint32
	// Entry of zero means the kernel base.
	Entry uint64
	Flags uint64
}

// Detect matches the magic at offset 0 and rejects unsupported major
// versions.
func Detect(image []byte) (*ImageHeader, error) {
	r := binio.NewReader(image)
	magic, err := r.U32(offMagic)
	if err != nil || magic != Magic {
		return nil, nil
	}
	if len(image) < offFlags+8 {
		return nil, fmt.Errorf("%w: %d bytes is too short for a header", ErrMalformed, len(image))
	}
	h := &ImageHeader{}
	h.Version, _ = r.U32(offVersion)
	h.Entry, _ = r.U64(offEntry)
	h.Flags, _ = r.U64(offFlags)
	if h.Version>>16 > Version>>16 {
		return nil, fmt.Errorf("%w: major version %d not supported", ErrMalformed, h.Version>>16)
	}
	return h, nil
}

// Params carry the firmware facts the header advertises.
type Params struct {
	Arch handoff.Arch
	// KernelBase is where the image is copied. Zero selects 1 MiB.
	KernelBase uint64
	// InfoBase is where probing for the header starts.
	InfoBase   uint64
	BootDevice uint64

	ACPIRSDP    uint64
	SMBIOS      uint64
	Framebuffer uint64
	SecureBoot  bool
	TPM         bool
	UEFI64      bool
}

func (p Params) kernelBase() uint64 {
	if p.KernelBase == 0 {
		return DefaultKernelBase
	}
	return p.KernelBase
}

type moduleSpec struct {
	Module
	data []byte
}

// modules lists the records a boot carries: the kernel always, the initrd
// when present.
func modules(image, initrd []byte, cmdline string) []moduleSpec {
	mods := []moduleSpec{{Module: Module{Name: "kernel", Type: ModuleKernel, Cmdline: cmdline, Size: uint64(len(image))}, data: image}}
	if len(initrd) > 0 {
		mods = append(mods, moduleSpec{Module: Module{Name: "initrd", Type: ModuleInitrd, Size: uint64(len(initrd))}, data: initrd})
	}
	return mods
}

func stringBytes(mods []moduleSpec) uint64 {
	var n uint64
	for _, m := range mods {
		n += uint64(len(m.Name)) + 1
		if m.Cmdline != "" {
			n += uint64(len(m.Cmdline)) + 1
		}
	}
	return n
}

// Requests places the image at the kernel base, the header by probing from
// InfoBase and the module table directly after the header.
func Requests(h *ImageHeader, image, initrd []byte, cmdline string, p Params) []layout.Request {
	mods := modules(image, initrd, cmdline)
	reqs := []layout.Request{
		{Role: layout.RoleKernel, Size: binio.AlignUp(uint64(len(image)), pageSize), Align: pageSize, Base: p.kernelBase(), Mode: layout.Fixed},
		{Role: layout.RoleInfo, Size: HeaderSize, Align: pageSize, Base: p.InfoBase, Mode: layout.Probe},
		{Role: layout.RoleModuleTable, Size: TableSize(len(mods), stringBytes(mods)), Align: tableAlign, Mode: layout.Adjacent},
	}
	if len(initrd) > 0 {
		reqs = append(reqs, layout.Request{Role: layout.RoleInitrd, Size: binio.AlignUp(uint64(len(initrd)), pageSize), Align: pageSize, Mode: layout.Probe})
	}
	return reqs
}

// Build copies the image and initrd, then writes and validates the header
// and module table before committing them.
func Build(ws *layout.Windows, h *ImageHeader, image, initrd []byte, cmdline string, p Params) (handoff.Descriptor, error) {
	kernel, err := ws.For(layout.RoleKernel)
	if err != nil {
		return handoff.Descriptor{}, err
	}
	info, err := ws.For(layout.RoleInfo)
	if err != nil {
		return handoff.Descriptor{}, err
	}
	table, err := ws.For(layout.RoleModuleTable)
	if err != nil {
		return handoff.Descriptor{}, err
	}
	if table.Region().Base != info.Region().Base+HeaderSize {
		return handoff.Descriptor{}, fmt.Errorf("bcbp: module table %s does not follow header %s: %w", table.Region(), info.Region(), layout.ErrOutsideRegion)
	}
	var initrdWin *layout.Window
	if len(initrd) > 0 {
		if initrdWin, err = ws.For(layout.RoleInitrd); err != nil {
			return handoff.Descriptor{}, err
		}
	}

	entry := h.Entry
	if entry == 0 {
		entry = kernel.Region().Base
	}

	mods := modules(image, initrd, cmdline)
	mods[0].Start = kernel.Region().Base
	if initrdWin != nil {
		mods[1].Start = initrdWin.Region().Base
	}

	base := info.Region().Base
	buf := make([]byte, HeaderSize+table.Region().Size)
	blk, err := New(buf, base, len(mods), entry, p.BootDevice)
	if err != nil {
		return handoff.Descriptor{}, err
	}
	for _, m := range mods {
		if err := blk.AddModule(m.Module); err != nil {
			return handoff.Descriptor{}, fmt.Errorf("bcbp: add %s: %w", m.Name, err)
		}
	}
	blk.SetFlags(h.Flags)
	blk.SetACPIRSDP(p.ACPIRSDP)
	blk.SetSMBIOS(p.SMBIOS)
	blk.SetFramebuffer(p.Framebuffer)
	blk.SetSecureBoot(p.SecureBoot)
	blk.SetTPMAvailable(p.TPM)
	blk.SetUEFI64(p.UEFI64)

	if err := Validate(buf, base); err != nil {
		return handoff.Descriptor{}, err
	}

	if err := kernel.Fill(image); err != nil {
		return handoff.Descriptor{}, fmt.Errorf("bcbp: load kernel: %w", err)
	}
	if initrdWin != nil {
		if err := initrdWin.Fill(initrd); err != nil {
			return handoff.Descriptor{}, fmt.Errorf("bcbp: load initrd: %w", err)
		}
	}
	if err := info.Fill(buf[:HeaderSize]); err != nil {
		return handoff.Descriptor{}, fmt.Errorf("bcbp: write header: %w", err)
	}
	if err := table.Fill(buf[HeaderSize:]); err != nil {
		return handoff.Descriptor{}, fmt.Errorf("bcbp: write module table: %w", err)
	}

	return handoff.NewDescriptor(handoff.ProtocolBCBP, p.Arch, entry, base)
}
