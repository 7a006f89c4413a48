// Package boot recognizes a kernel image, plans where its pieces go, builds
// the boot information its protocol expects and hands control to it.
package boot

import (
	"errors"

	"github.com/tinyrange/bootload/internal/elfload"
	"github.com/tinyrange/bootload/internal/handoff"
	"github.com/tinyrange/bootload/internal/proto/bcbp"
	"github.com/tinyrange/bootload/internal/proto/limine"
	"github.com/tinyrange/bootload/internal/proto/linux"
	"github.com/tinyrange/bootload/internal/proto/multiboot1"
	"github.com/tinyrange/bootload/internal/proto/multiboot2"
)

type Format string

const (
	FormatBCBP       Format = "bcbp"
	FormatLinux      Format = "linux"
	FormatLinuxImage Format = "linux-image"
	FormatMultiboot2 Format = "multiboot2"
	FormatMultiboot1 Format = "multiboot1"
	FormatELF        Format = "elf"
)

// Protocol is the recognized image: a format tag and the one header that
// format parsed.
type Protocol struct {
	Format Format

	Linux      *linux.Header
	Image      *linux.ImageHeader
	Multiboot1 *multiboot1.Header
	Multiboot2 *multiboot2.Header
	Limine     *limine.Image
	BCBP       *bcbp.ImageHeader
}

// Handoff is the boot protocol the format enters the kernel with.
func (p Protocol) Handoff() handoff.Protocol {
	switch p.Format {
	case FormatBCBP:
		return handoff.ProtocolBCBP
	case FormatLinux:
		return handoff.ProtocolLinux
	case FormatLinuxImage:
		return handoff.ProtocolLinuxImage
	case FormatMultiboot2:
		return handoff.ProtocolMultiboot2
	case FormatMultiboot1:
		return handoff.ProtocolMultiboot1
	case FormatELF:
		return handoff.ProtocolLimine
	}
	return ""
}

type detector struct {
	format Format
	detect func(image []byte, arch handoff.Arch, p *Protocol) (bool, error)
}

func probe[H any](f Format, detect func([]byte) (*H, error), set func(*Protocol, *H)) detector {
	return detector{format: f, detect: func(image []byte, _ handoff.Arch, p *Protocol) (bool, error) {
		h, err := detect(image)
		if err != nil || h == nil {
			return false, err
		}
		set(p, h)
		return true, nil
	}}
}

// detectELF checks the target machine before reading program headers.
func detectELF(image []byte, arch handoff.Arch, p *Protocol) (bool, error) {
	img, err := limine.DetectFor(image, machineForArch(arch))
	if err != nil || img == nil {
		return false, err
	}
	p.Limine = img
	return true, nil
}

// detectors is the recognition priority. Formats that carry an explicit
// magic at a fixed offset come before those found by scanning, and plain
// ELF comes last since Multiboot kernels are often ELF too.
var detectors = []detector{
	probe(FormatBCBP, bcbp.Detect, func(p *Protocol, h *bcbp.ImageHeader) { p.BCBP = h }),
	probe(FormatLinux, linux.Detect, func(p *Protocol, h *linux.Header) { p.Linux = h }),
	probe(FormatLinuxImage, linux.DetectImage, func(p *Protocol, h *linux.ImageHeader) { p.Image = h }),
	probe(FormatMultiboot2, multiboot2.Detect, func(p *Protocol, h *multiboot2.Header) { p.Multiboot2 = h }),
	probe(FormatMultiboot1, multiboot1.Detect, func(p *Protocol, h *multiboot1.Header) { p.Multiboot1 = h }),
	{format: FormatELF, detect: detectELF},
}

// Detect returns the first format whose header matches. A matching magic
// with a bad header stops detection with a *MalformedHeaderError; later
// formats are not tried.
func Detect(image []byte) (Protocol, error) {
	return DetectFor(image, "")
}

// DetectFor is Detect for a known target architecture. An ELF kernel built
// for another machine is reported as *ArchMismatchError, ahead of any
// problem with its program headers.
func DetectFor(image []byte, arch handoff.Arch) (Protocol, error) {
	for _, d := range detectors {
		var p Protocol
		ok, err := d.detect(image, arch, &p)
		var machineErr *elfload.MachineError
		if errors.As(err, &machineErr) {
			return Protocol{}, &ArchMismatchError{Format: d.format, Arch: arch, Image: machineErr.Got.String()}
		}
		if err != nil {
			return Protocol{}, &MalformedHeaderError{Format: d.format, Reason: err.Error(), Err: err}
		}
		if ok {
			p.Format = d.format
			return p, nil
		}
	}
	return Protocol{}, ErrUnrecognizedFormat
}
