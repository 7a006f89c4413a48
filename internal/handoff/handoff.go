// Package handoff transfers control from the loader to a kernel entry point
// using the calling convention its boot protocol and architecture require.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrReturned is reported when an entry point gives control back. No
	// supported kernel ever returns to its loader.
	ErrReturned    = errors.New("handoff: kernel entry returned")
	ErrUnsupported = errors.New("handoff: unsupported protocol/architecture")
)

type Arch string

const (
	ArchInvalid     Arch = "invalid"
	ArchI386        Arch = "i386"
	ArchX86_64      Arch = "x86_64"
	ArchARM64       Arch = "arm64"
	ArchRISCV64     Arch = "riscv64"
	ArchLoongArch64 Arch = "loongarch64"
)

// ParseArch accepts the canonical names and the common aliases used by
// toolchains and firmware.
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "i386", "i686", "ia32", "x86", "386":
		return ArchI386, nil
	case "x86_64", "amd64", "x64":
		return ArchX86_64, nil
	case "arm64", "aarch64":
		return ArchARM64, nil
	case "riscv64", "rv64":
		return ArchRISCV64, nil
	case "loongarch64", "loong64":
		return ArchLoongArch64, nil
	}
	return ArchInvalid, fmt.Errorf("handoff: unknown architecture %q", s)
}

// X86 reports whether a is one of the PC architectures.
func (a Arch) X86() bool { return a == ArchI386 || a == ArchX86_64 }

type Protocol string

const (
	ProtocolLinux      Protocol = "linux"
	ProtocolLinuxImage Protocol = "linux-image"
	ProtocolMultiboot1 Protocol = "multiboot1"
	ProtocolMultiboot2 Protocol = "multiboot2"
	ProtocolBCBP       Protocol = "bcbp"
	ProtocolLimine     Protocol = "limine"
)

// Shape is the register-argument layout of an entry call.
type Shape int

const (
	ShapeInvalid Shape = iota
	// ShapeTwoRegister passes (magic, info pointer).
	ShapeTwoRegister
	// ShapeSinglePointer passes one info pointer.
	ShapeSinglePointer
	// ShapeThreeRegister passes (reserved zero, device tree or info pointer,
	// secondary info pointer).
	ShapeThreeRegister
	// ShapeEntryOnly passes nothing; the kernel finds its data itself.
	ShapeEntryOnly
)

func (s Shape) String() string {
	switch s {
	case ShapeTwoRegister:
		return "two-register"
	case ShapeSinglePointer:
		return "single-pointer"
	case ShapeThreeRegister:
		return "three-register"
	case ShapeEntryOnly:
		return "entry-only"
	default:
		return "invalid"
	}
}

// Args reports how many argument values a shape carries.
func (s Shape) Args() int {
	switch s {
	case ShapeTwoRegister:
		return 2
	case ShapeSinglePointer:
		return 1
	case ShapeThreeRegister:
		return 3
	default:
		return 0
	}
}

// Resolve maps a protocol and architecture to its calling convention.
func Resolve(p Protocol, a Arch) (Shape, error) {
	switch p {
	case ProtocolMultiboot1, ProtocolMultiboot2:
		if a.X86() {
			return ShapeTwoRegister, nil
		}
	case ProtocolLinux:
		if a.X86() {
			return ShapeSinglePointer, nil
		}
	case ProtocolBCBP:
		switch a {
		case ArchI386, ArchX86_64, ArchARM64, ArchRISCV64, ArchLoongArch64:
			return ShapeSinglePointer, nil
		}
	case ProtocolLinuxImage:
		switch a {
		case ArchARM64, ArchRISCV64, ArchLoongArch64:
			return ShapeThreeRegister, nil
		}
	case ProtocolLimine:
		switch a {
		case ArchX86_64, ArchARM64, ArchRISCV64, ArchLoongArch64:
			return ShapeEntryOnly, nil
		}
	}
	return ShapeInvalid, fmt.Errorf("handoff: %s on %s: %w", p, a, ErrUnsupported)
}

// Descriptor is everything needed to enter a kernel. It is consumed exactly
// once by an Executor.
type Descriptor struct {
	Protocol Protocol
	Arch     Arch
	Shape    Shape
	Entry    uint64
	Args     []uint64
}

// NewDescriptor resolves the shape for p on a and checks args against it.
func NewDescriptor(p Protocol, a Arch, entry uint64, args ...uint64) (Descriptor, error) {
	shape, err := Resolve(p, a)
	if err != nil {
		return Descriptor{}, err
	}
	if len(args) != shape.Args() {
		return Descriptor{}, fmt.Errorf("handoff: %s takes %d arguments, got %d", shape, shape.Args(), len(args))
	}
	return Descriptor{
		Protocol: p,
		Arch:     a,
		Shape:    shape,
		Entry:    entry,
		Args:     append([]uint64(nil), args...),
	}, nil
}

func (d Descriptor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s/%s entry=%#x %s", d.Protocol, d.Arch, d.Entry, d.Shape)
	for i, a := range d.Args {
		fmt.Fprintf(&sb, " arg%d=%#x", i, a)
	}
	return sb.String()
}

// Executor performs the final jump. Execute must not return on success; any
// return, with or without an error, is a failed boot.
type Executor interface {
	Execute(ctx context.Context, d Descriptor) error
}

// Quiesce stops an event source the loader owns before control leaves it.
type Quiesce func() error

// Execute runs the quiesce hooks and then hands d to ex. It always returns
// an error wrapping ErrReturned, since reaching the end means the kernel did
// not take over.
func Execute(ctx context.Context, ex Executor, d Descriptor, hooks ...Quiesce) error {
	if ex == nil {
		return errors.New("handoff: no executor")
	}
	if d.Shape == ShapeInvalid {
		return fmt.Errorf("handoff: descriptor has no calling convention: %w", ErrUnsupported)
	}
	for _, hook := range hooks {
		if err := hook(); err != nil {
			return fmt.Errorf("handoff: quiesce: %w", err)
		}
	}
	err := ex.Execute(ctx, d)
	if err == nil {
		return ErrReturned
	}
	if errors.Is(err, ErrReturned) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrReturned, err)
}
