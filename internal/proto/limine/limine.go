// Package limine boots ELF64 kernels with the Limine protocol: the kernel
// embeds request structures in its loaded image and the loader answers each
// one by pointing it at a response.
package limine

import (
	"debug/elf"
	"fmt"

	"github.com/tinyrange/bootload/internal/binio"
	"github.com/tinyrange/bootload/internal/elfload"
)

// Every request starts with these two words followed by a per-kind pair.
const (
	CommonMagic0 = 0xc7b1dd30df4c8b88
	CommonMagic1 = 0x0a82e883a194f07b

	requestAlign   = 8
	offID2         = 16
	offRevision    = 32
	offResponse    = 40
	offEntryField  = 48
	minRequestSize = 48
)

// Kind identifies a request by its third id word.
type Kind int

const (
	KindUnknown Kind = iota
	KindBootloaderInfo
	KindHHDM
	KindMemmap
	KindKernelFile
	KindModule
	KindRSDP
	KindSMBIOS
	KindBootTime
	KindKernelAddress
	KindEntryPoint
)

var kindIDs = map[uint64]Kind{
	0xf55038d8e2a1202f: KindBootloaderInfo,
	0x48dcf1cb8ad2b852: KindHHDM,
	0x67cf3d9d378a806f: KindMemmap,
	0xad97e90e83f1ed67: KindKernelFile,
	0x3e7e279702be32af: KindModule,
	0xc5e77b6b397e7b43: KindRSDP,
	0x9a904e30eb8c97c9: KindSMBIOS,
	0x502746e184c088aa: KindBootTime,
	0x71ba76863cc55f63: KindKernelAddress,
	0x13a86c035aa1c6d5: KindEntryPoint,
}

// ID2 returns the third id word for k, for building test images.
func ID2(k Kind) uint64 {
	for id, kind := range kindIDs {
		if kind == k {
			return id
		}
	}
	return 0
}

func (k Kind) String() string {
	switch k {
	case KindBootloaderInfo:
		return "bootloader-info"
	case KindHHDM:
		return "hhdm"
	case KindMemmap:
		return "memmap"
	case KindKernelFile:
		return "kernel-file"
	case KindModule:
		return "module"
	case KindRSDP:
		return "rsdp"
	case KindSMBIOS:
		return "smbios"
	case KindBootTime:
		return "boot-time"
	case KindKernelAddress:
		return "kernel-address"
	case KindEntryPoint:
		return "entry-point"
	default:
		return "unknown"
	}
}

// Request is a request structure found in a loadable segment.
type Request struct {
	Kind     Kind
	Vaddr    uint64
	Revision uint64
	// Entry is the requested entry point for KindEntryPoint.
	Entry uint64
}

// Image is an ELF64 kernel with its Limine requests.
type Image struct {
	ELF      *elfload.Image
	Requests []Request
}

// EntryVaddr is the ELF entry point as linked.
func (img *Image) EntryVaddr() uint64 { return img.ELF.Entry }

// Has reports whether the kernel asked for k.
func (img *Image) Has(k Kind) bool {
	for _, r := range img.Requests {
		if r.Kind == k {
			return true
		}
	}
	return false
}

// Detect matches ELF64 executables. Malformed program headers and
// overlapping segments are reported as errors.
func Detect(image []byte) (*Image, error) {
	return DetectFor(image, elf.EM_NONE)
}

// DetectFor is Detect for a known target machine. An image built for
// another machine fails with *elfload.MachineError before its program
// headers are read.
func DetectFor(image []byte, machine elf.Machine) (*Image, error) {
	h, err := elfload.Detect(image)
	if err != nil || h == nil {
		return nil, err
	}
	img, err := elfload.Inspect(image, elfload.Options{Machine: machine})
	if err != nil {
		return nil, err
	}
	out := &Image{ELF: img}
	for _, s := range img.Segments {
		reqs, err := scan(img.Bytes(s), s.Vaddr)
		if err != nil {
			return nil, fmt.Errorf("%w: segment %d: %w", elfload.ErrMalformed, s.Index, err)
		}
		out.Requests = append(out.Requests, reqs...)
	}
	return out, nil
}

// scan walks data at 8-byte steps looking for the common magic. Requests
// with an unrecognized id are skipped.
func scan(data []byte, vaddr uint64) ([]Request, error) {
	r := binio.NewReader(data)
	var out []Request
	// Requests must be 8-byte aligned in memory, which for a segment whose
	// vaddr is not 8-aligned means an unaligned file offset.
	start := binio.AlignUp(vaddr, requestAlign) - vaddr
	for off := start; off+minRequestSize <= uint64(len(data)); off += requestAlign {
		m0, _ := r.U64(off)
		if m0 != CommonMagic0 {
			continue
		}
		if m1, _ := r.U64(off + 8); m1 != CommonMagic1 {
			continue
		}
		id2, _ := r.U64(off + offID2)
		kind, ok := kindIDs[id2]
		if !ok {
			continue
		}
		req := Request{Kind: kind, Vaddr: vaddr + off}
		req.Revision, _ = r.U64(off + offRevision)
		if kind == KindEntryPoint {
			var err error
			if req.Entry, err = r.U64(off + offEntryField); err != nil {
				return nil, fmt.Errorf("entry point request at %#x truncated", req.Vaddr)
			}
		}
		out = append(out, req)
	}
	return out, nil
}
