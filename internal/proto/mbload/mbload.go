// Package mbload places Multiboot kernels, which either describe their load
// addresses in the header, are ELF executables, or are flat binaries loaded
// at 1 MiB.
package mbload

import (
	"debug/elf"
	"errors"
	"fmt"

	"github.com/tinyrange/bootload/internal/elfload"
	"github.com/tinyrange/bootload/internal/layout"
)

var ErrMalformed = errors.New("mbload: inconsistent load addresses")

const (
	DefaultLoadAddr = 0x100000
	pageSize        = 0x1000
)

// Addresses is the load information a Multiboot header may carry: the a.out
// kludge words in version 1, the address tag in version 2.
type Addresses struct {
	// HeaderOffset is where the Multiboot header sits in the file.
	HeaderOffset uint64
	HeaderAddr   uint32
	LoadAddr     uint32
	// LoadEndAddr of zero loads the rest of the file.
	LoadEndAddr uint32
	// BSSEndAddr of zero means no BSS.
	BSSEndAddr uint32
}

// Kernel is a Multiboot kernel with its load strategy resolved.
type Kernel struct {
	image []byte
	addrs *Addresses
	elf   *elfload.Image

	fileOff  uint64
	fileSize uint64
	memSize  uint64
	base     uint64
}

// New resolves how image is loaded. addrs takes precedence over an ELF
// header, matching what the header asks for.
func New(image []byte, addrs *Addresses) (*Kernel, error) {
	k := &Kernel{image: image, addrs: addrs}
	switch {
	case addrs != nil:
		if err := k.resolveAddresses(); err != nil {
			return nil, err
		}
	case isELF(image):
		img, err := elfload.Inspect(image, elfload.Options{AllowELF32: true})
		if err != nil {
			return nil, err
		}
		if img.Machine != elf.EM_386 && img.Machine != elf.EM_X86_64 {
			return nil, &elfload.MachineError{Got: img.Machine, Want: elf.EM_386}
		}
		if img.HigherHalf {
			return nil, fmt.Errorf("%w: multiboot ELF kernel linked in the higher half", ErrMalformed)
		}
		k.elf = img
	default:
		k.base = DefaultLoadAddr
		k.fileSize = uint64(len(image))
		k.memSize = k.fileSize
	}
	return k, nil
}

func isELF(image []byte) bool {
	return len(image) >= 4 && string(image[:4]) == elf.ELFMAG
}

func (k *Kernel) resolveAddresses() error {
	a := k.addrs
	if a.HeaderAddr < a.LoadAddr {
		return fmt.Errorf("%w: header_addr %#x below load_addr %#x", ErrMalformed, a.HeaderAddr, a.LoadAddr)
	}
	delta := uint64(a.HeaderAddr - a.LoadAddr)
	if delta > a.HeaderOffset {
		return fmt.Errorf("%w: load_addr %#x precedes the start of the file", ErrMalformed, a.LoadAddr)
	}
	k.fileOff = a.HeaderOffset - delta
	avail := uint64(len(k.image)) - k.fileOff

	k.fileSize = avail
	if a.LoadEndAddr != 0 {
		if a.LoadEndAddr < a.LoadAddr {
			return fmt.Errorf("%w: load_end_addr %#x below load_addr %#x", ErrMalformed, a.LoadEndAddr, a.LoadAddr)
		}
		k.fileSize = uint64(a.LoadEndAddr - a.LoadAddr)
		if k.fileSize > avail {
			return fmt.Errorf("%w: load range of %#x bytes exceeds the %#x bytes in the file", ErrMalformed, k.fileSize, avail)
		}
	}
	k.memSize = k.fileSize
	if a.BSSEndAddr != 0 {
		loadEnd := uint64(a.LoadAddr) + k.fileSize
		if uint64(a.BSSEndAddr) < loadEnd {
			return fmt.Errorf("%w: bss_end_addr %#x below end of load %#x", ErrMalformed, a.BSSEndAddr, loadEnd)
		}
		k.memSize = uint64(a.BSSEndAddr) - uint64(a.LoadAddr)
	}
	k.base = uint64(a.LoadAddr)
	return nil
}

// Request is always a fixed placement: Multiboot kernels are not
// relocatable.
func (k *Kernel) Request() layout.Request {
	if k.elf != nil {
		return k.elf.Request(0)
	}
	return layout.Request{
		Role:  layout.RoleKernel,
		Size:  max(k.memSize, 1),
		Align: 1,
		Base:  k.base,
		Mode:  layout.Fixed,
	}
}

// Entry is the default entry point: the ELF entry, or the load address for
// the other strategies. Multiboot ELF kernels are identity mapped.
func (k *Kernel) Entry() uint64 {
	if k.elf != nil {
		return k.elf.Phys(k.elf.Entry, 0)
	}
	return k.base
}

// Load copies the kernel into its window and clears its BSS.
func (k *Kernel) Load(w *layout.Window) error {
	if k.elf != nil {
		_, err := k.elf.Load(w)
		return err
	}
	off := k.base - w.Region().Base
	if _, err := w.WriteAt(k.image[k.fileOff:k.fileOff+k.fileSize], int64(off)); err != nil {
		return fmt.Errorf("mbload: copy kernel: %w", err)
	}
	if bss := k.memSize - k.fileSize; bss > 0 {
		if err := w.Zero(off+k.fileSize, bss); err != nil {
			return fmt.Errorf("mbload: clear bss: %w", err)
		}
	}
	return nil
}

// IsELF reports whether the kernel is loaded from ELF program headers.
func (k *Kernel) IsELF() bool { return k.elf != nil }
