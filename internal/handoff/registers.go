package handoff

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

type Register uint64

const (
	RegisterInvalid Register = iota

	// x86. 32-bit entries use the low halves.
	RegisterX86Rax
	RegisterX86Rbx
	RegisterX86Rcx
	RegisterX86Rdx
	RegisterX86Rsi
	RegisterX86Rdi
	RegisterX86Rip
	RegisterX86Rflags

	RegisterARM64X0
	RegisterARM64X1
	RegisterARM64X2
	RegisterARM64X3
	RegisterARM64Pc

	RegisterRISCVA0
	RegisterRISCVA1
	RegisterRISCVA2
	RegisterRISCVPc

	RegisterLoongArchA0
	RegisterLoongArchA1
	RegisterLoongArchA2
	RegisterLoongArchPc
)

var registerNames = map[Register]string{
	RegisterX86Rax:      "rax",
	RegisterX86Rbx:      "rbx",
	RegisterX86Rcx:      "rcx",
	RegisterX86Rdx:      "rdx",
	RegisterX86Rsi:      "rsi",
	RegisterX86Rdi:      "rdi",
	RegisterX86Rip:      "rip",
	RegisterX86Rflags:   "rflags",
	RegisterARM64X0:     "x0",
	RegisterARM64X1:     "x1",
	RegisterARM64X2:     "x2",
	RegisterARM64X3:     "x3",
	RegisterARM64Pc:     "pc",
	RegisterRISCVA0:     "a0",
	RegisterRISCVA1:     "a1",
	RegisterRISCVA2:     "a2",
	RegisterRISCVPc:     "pc",
	RegisterLoongArchA0: "a0",
	RegisterLoongArchA1: "a1",
	RegisterLoongArchA2: "a2",
	RegisterLoongArchPc: "pc",
}

func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reg(%d)", uint64(r))
}

// RegisterFile is the initial CPU state for a handoff.
type RegisterFile map[Register]uint64

// Sorted returns the registers in a stable order for display.
func (rf RegisterFile) Sorted() []Register {
	regs := make([]Register, 0, len(rf))
	for r := range rf {
		regs = append(regs, r)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i] < regs[j] })
	return regs
}

// flagsReserved is the always-one bit of EFLAGS; IF stays clear so the
// kernel starts with interrupts masked.
const flagsReserved = 0x2

type archRegs struct {
	pc   Register
	args [3]Register
}

var threeRegister = map[Arch]archRegs{
	ArchARM64:       {pc: RegisterARM64Pc, args: [3]Register{RegisterARM64X0, RegisterARM64X1, RegisterARM64X2}},
	ArchRISCV64:     {pc: RegisterRISCVPc, args: [3]Register{RegisterRISCVA0, RegisterRISCVA1, RegisterRISCVA2}},
	ArchLoongArch64: {pc: RegisterLoongArchPc, args: [3]Register{RegisterLoongArchA0, RegisterLoongArchA1, RegisterLoongArchA2}},
}

// Registers maps d onto the registers its calling convention uses.
func Registers(d Descriptor) (RegisterFile, error) {
	if len(d.Args) != d.Shape.Args() {
		return nil, fmt.Errorf("handoff: %s takes %d arguments, got %d", d.Shape, d.Shape.Args(), len(d.Args))
	}

	if d.Arch.X86() {
		regs := RegisterFile{
			RegisterX86Rip:    d.Entry,
			RegisterX86Rflags: flagsReserved,
		}
		if d.Arch == ArchI386 && d.Entry > 0xffffffff {
			return nil, fmt.Errorf("handoff: entry %#x beyond 32-bit address space", d.Entry)
		}
		switch d.Shape {
		case ShapeTwoRegister:
			regs[RegisterX86Rax] = d.Args[0]
			regs[RegisterX86Rbx] = d.Args[1]
		case ShapeSinglePointer:
			switch {
			case d.Protocol == ProtocolLinux:
				regs[RegisterX86Rsi] = d.Args[0]
			case d.Arch == ArchI386:
				regs[RegisterX86Rax] = d.Args[0]
			default:
				regs[RegisterX86Rdi] = d.Args[0]
			}
		case ShapeEntryOnly:
		default:
			return nil, fmt.Errorf("handoff: %s on %s: %w", d.Shape, d.Arch, ErrUnsupported)
		}
		return regs, nil
	}

	ar, ok := threeRegister[d.Arch]
	if !ok {
		return nil, fmt.Errorf("handoff: no register map for %s: %w", d.Arch, ErrUnsupported)
	}
	regs := RegisterFile{ar.pc: d.Entry}
	switch d.Shape {
	case ShapeThreeRegister:
		for i, r := range ar.args {
			regs[r] = d.Args[i]
		}
	case ShapeSinglePointer:
		regs[ar.args[0]] = d.Args[0]
	case ShapeEntryOnly:
	default:
		return nil, fmt.Errorf("handoff: %s on %s: %w", d.Shape, d.Arch, ErrUnsupported)
	}
	return regs, nil
}

// RegisterExecutor hands the initial register state to Apply, typically a
// virtual CPU that then runs the kernel.
type RegisterExecutor struct {
	Apply func(ctx context.Context, regs RegisterFile) error
}

// Execute implements Executor.
func (e *RegisterExecutor) Execute(ctx context.Context, d Descriptor) error {
	if e.Apply == nil {
		return errors.New("handoff: register executor has no sink")
	}
	regs, err := Registers(d)
	if err != nil {
		return err
	}
	if err := e.Apply(ctx, regs); err != nil {
		return fmt.Errorf("apply registers: %w", err)
	}
	return nil
}

var (
	_ Executor = &RegisterExecutor{}
)
