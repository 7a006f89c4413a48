// Package linux loads Linux kernels: x86 bzImages through the zero page, and
// arm64/riscv64/loongarch64 Images through a device tree and a parameter
// block.
package linux

import (
	"errors"
	"fmt"

	"github.com/tinyrange/bootload/internal/binio"
)

var ErrMalformed = errors.New("linux: malformed kernel header")

const (
	HeaderMagic = 0x53726448 // "HdrS"

	minProtocolVersion = 0x0200
	relocatableVersion = 0x0205

	setupHeaderOffset = 0x1f1
	sectorSize        = 512
	defaultSetupSects = 4
	// The real-mode setup code has to fit below the command line area
	// inside the zero page.
	maxSetupSize = 0x8000

	offSetupSects        = setupHeaderOffset
	offBootFlag          = 0x1fe
	offHeaderMagic       = 0x202
	offVersion           = 0x206
	offTypeOfLoader      = 0x210
	offLoadFlags         = 0x211
	offCode32Start       = 0x214
	offRamdiskImage      = 0x218
	offRamdiskSize       = 0x21c
	offHeapEndPtr        = 0x224
	offCmdLinePtr        = 0x228
	offInitrdAddrMax     = 0x22c
	offKernelAlignment   = 0x230
	offRelocatableKernel = 0x234
	offCmdlineSize       = 0x238
	offPrefAddress       = 0x258
	offInitSize          = 0x260

	offExtMemK          = 0x002
	offExtRamdiskImage  = 0x0c0
	offExtRamdiskSize   = 0x0c4
	offExtCmdLinePtr    = 0x0c8
	offAltMemK          = 0x1e0
	offE820Entries      = 0x1e8
	offE820Table        = 0x2d0
	e820EntrySize       = 20
	maxE820Entries      = 128
	bootFlag            = 0xaa55
	loaderTypeUndefined = 0xff

	loadFlagLoadedHigh = 0x01
	loadFlagCanUseHeap = 0x80
)

// Header is the parsed x86 setup header.
type Header struct {
	SetupSects        uint8
	Version           uint16
	LoadFlags         uint8
	Code32Start       uint32
	InitrdAddrMax     uint32
	KernelAlignment   uint32
	RelocatableKernel uint8
	CmdlineSize       uint32
	PrefAddress       uint64
	InitSize          uint32
}

// SetupSize is the size of the real-mode part of the image, which is
// reused as the start of the zero page.
func (h *Header) SetupSize() uint64 {
	sects := uint64(h.SetupSects)
	if sects == 0 {
		sects = defaultSetupSects
	}
	return (sects + 1) * sectorSize
}

// Relocatable reports whether the kernel may be loaded anywhere that
// satisfies KernelAlignment.
func (h *Header) Relocatable() bool {
	return h.Version >= relocatableVersion && h.RelocatableKernel != 0
}

// Detect checks for the HdrS signature. It returns (nil, nil) when the image
// is not a bzImage.
func Detect(image []byte) (*Header, error) {
	r := binio.NewReader(image)
	magic, err := r.U32(offHeaderMagic)
	if err != nil || magic != HeaderMagic {
		return nil, nil
	}

	var h Header
	var errs []error
	read8 := func(off uint64, dst *uint8) {
		v, err := r.U8(off)
		errs = append(errs, err)
		*dst = v
	}
	read16 := func(off uint64, dst *uint16) {
		v, err := r.U16(off)
		errs = append(errs, err)
		*dst = v
	}
	read32 := func(off uint64, dst *uint32) {
		v, err := r.U32(off)
		errs = append(errs, err)
		*dst = v
	}

	read8(offSetupSects, &h.SetupSects)
	read16(offVersion, &h.Version)
	read8(offLoadFlags, &h.LoadFlags)
	read32(offCode32Start, &h.Code32Start)
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%w: truncated setup header: %w", ErrMalformed, err)
	}
	if h.Version < minProtocolVersion {
		return nil, fmt.Errorf("%w: boot protocol %d.%02d is older than 2.00", ErrMalformed, h.Version>>8, h.Version&0xff)
	}

	// Fields appended by later protocol revisions.
	if h.Version >= 0x0203 {
		read32(offInitrdAddrMax, &h.InitrdAddrMax)
	}
	if h.Version >= 0x0205 {
		read32(offKernelAlignment, &h.KernelAlignment)
		read8(offRelocatableKernel, &h.RelocatableKernel)
	}
	if h.Version >= 0x0206 {
		read32(offCmdlineSize, &h.CmdlineSize)
	}
	if h.Version >= 0x020a {
		v, err := r.U64(offPrefAddress)
		errs = append(errs, err)
		h.PrefAddress = v
		read32(offInitSize, &h.InitSize)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%w: truncated setup header: %w", ErrMalformed, err)
	}

	setup := h.SetupSize()
	if setup > maxSetupSize {
		return nil, fmt.Errorf("%w: setup area of %d bytes exceeds %d", ErrMalformed, setup, maxSetupSize)
	}
	if setup > uint64(len(image)) {
		return nil, fmt.Errorf("%w: setup area of %d bytes exceeds image size %d", ErrMalformed, setup, len(image))
	}
	if h.KernelAlignment != 0 && h.KernelAlignment&(h.KernelAlignment-1) != 0 {
		return nil, fmt.Errorf("%w: kernel_alignment %#x is not a power of 2", ErrMalformed, h.KernelAlignment)
	}
	return &h, nil
}
