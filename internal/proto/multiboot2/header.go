// Package multiboot2 detects Multiboot2 kernels and builds the boot
// information tag stream they receive in EBX.
package multiboot2

import (
	"errors"
	"fmt"

	"github.com/tinyrange/bootload/internal/binio"
	"github.com/tinyrange/bootload/internal/proto/mbload"
)

var ErrMalformed = errors.New("multiboot2: malformed header")

const (
	HeaderMagic     = 0xE85250D6
	BootloaderMagic = 0x36D76289

	// The header must be 8-byte aligned within the first 32 KiB.
	searchLimit = 32768
	headerAlign = 8
	fixedLen    = 16
)

// Architecture is the header's target architecture field.
type Architecture uint32

const (
	ArchI386   Architecture = 0
	ArchMIPS32 Architecture = 4
)

func (a Architecture) String() string {
	switch a {
	case ArchI386:
		return "i386"
	case ArchMIPS32:
		return "mips32"
	default:
		return fmt.Sprintf("arch(%d)", uint32(a))
	}
}

type headerTagType uint16

const (
	headerTagEnd headerTagType = iota
	headerTagInfoRequest
	headerTagAddress
	headerTagEntry
	headerTagConsoleFlags
	headerTagFramebuffer
	headerTagModuleAlign
)

// HeaderTag is one entry of the header's tag list as found in the image.
type HeaderTag struct {
	Type     uint16
	Optional bool
	Offset   uint64
	Size     uint32
}

// FramebufferRequest is the kernel's preferred video mode. Zero fields mean
// no preference.
type FramebufferRequest struct {
	Width, Height, Depth uint32
}

// Header is a validated Multiboot2 header.
type Header struct {
	Offset uint64
	Arch   Architecture
	Length uint32
	Tags   []HeaderTag

	// InfoRequests lists the information tag types the kernel asked for.
	InfoRequests []uint32
	// Addresses is set by an address tag.
	Addresses *mbload.Addresses
	// EntryAddr is valid when HasEntry is set by an entry address tag.
	EntryAddr    uint32
	HasEntry     bool
	ConsoleFlags uint32
	Framebuffer  *FramebufferRequest
	ModuleAlign  bool
}

// Detect scans for the header magic and walks its tags. An inconsistent
// header at offset 0 is malformed; a later magic that does not check out is
// kernel code or data and is skipped.
func Detect(image []byte) (*Header, error) {
	r := binio.NewReader(image)
	limit := min(uint64(len(image)), searchLimit)
	for off := uint64(0); off+4 <= limit; off += headerAlign {
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
	if off+fixedLen > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: header at %#x truncated", ErrMalformed, off)
	}
	arch, _ := r.U32(off + 4)
	length, _ := r.U32(off + 8)

	h := &Header{Offset: off, Arch: Architecture(arch), Length: length}
	switch h.Arch {
	case ArchI386, ArchMIPS32:
	default:
		return nil, fmt.Errorf("%w: unsupported architecture %d", ErrMalformed, arch)
	}
	if length < 8 || uint64(length) > uint64(r.Len()) || off+uint64(length) > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: header_length %#x out of range", ErrMalformed, length)
	}
	if length%4 != 0 {
		return nil, fmt.Errorf("%w: header_length %#x not a multiple of 4", ErrMalformed, length)
	}
	// The checksum covers the whole header, tags included.
	sum, _ := r.SumU32(off, uint64(length)/4)
	if sum != 0 {
		return nil, fmt.Errorf("%w: checksum sums to %#x", ErrMalformed, sum)
	}

	end := off + uint64(length)
	pos := off + fixedLen
	for {
		if pos+8 > end {
			return nil, fmt.Errorf("%w: tag list truncated at %#x", ErrMalformed, pos)
		}
		typ, _ := r.U16(pos)
		flags, _ := r.U16(pos + 2)
		size, _ := r.U32(pos + 4)
		if size < 8 {
			return nil, fmt.Errorf("%w: tag %d at %#x has size %d", ErrMalformed, typ, pos, size)
		}
		if pos+uint64(size) > end {
			return nil, fmt.Errorf("%w: tag %d at %#x overruns the header", ErrMalformed, typ, pos)
		}
		tag := HeaderTag{Type: typ, Optional: flags&1 != 0, Offset: pos, Size: size}
		h.Tags = append(h.Tags, tag)
		if headerTagType(typ) == headerTagEnd {
			break
		}
		if err := h.decodeTag(r, tag); err != nil {
			return nil, err
		}
		pos += binio.AlignUp(uint64(size), headerAlign)
	}
	return h, nil
}

func (h *Header) decodeTag(r binio.Reader, tag HeaderTag) error {
	need := func(n uint32) error {
		if tag.Size < n {
			return fmt.Errorf("%w: tag %d is %d bytes, want at least %d", ErrMalformed, tag.Type, tag.Size, n)
		}
		return nil
	}
	body := tag.Offset + 8
	switch headerTagType(tag.Type) {
	case headerTagInfoRequest:
		for p := body; p+4 <= tag.Offset+uint64(tag.Size); p += 4 {
			v, _ := r.U32(p)
			h.InfoRequests = append(h.InfoRequests, v)
		}
	case headerTagAddress:
		if err := need(24); err != nil {
			return err
		}
		var w [4]uint32
		for i := range w {
			w[i], _ = r.U32(body + uint64(i)*4)
		}
		h.Addresses = &mbload.Addresses{
			HeaderOffset: h.Offset,
			HeaderAddr:   w[0],
			LoadAddr:     w[1],
			LoadEndAddr:  w[2],
			BSSEndAddr:   w[3],
		}
	case headerTagEntry:
		if err := need(12); err != nil {
			return err
		}
		h.EntryAddr, _ = r.U32(body)
		h.HasEntry = true
	case headerTagConsoleFlags:
		if err := need(12); err != nil {
			return err
		}
		h.ConsoleFlags, _ = r.U32(body)
	case headerTagFramebuffer:
		if err := need(20); err != nil {
			return err
		}
		fb := &FramebufferRequest{}
		fb.Width, _ = r.U32(body)
		fb.Height, _ = r.U32(body + 4)
		fb.Depth, _ = r.U32(body + 8)
		h.Framebuffer = fb
	case headerTagModuleAlign:
		h.ModuleAlign = true
	}
	return nil
}
