package boot

import (
	"debug/elf"
	"fmt"

	"github.com/tinyrange/bootload/internal/handoff"
)

// Profile holds the per-architecture placement conventions.
type Profile struct {
	Arch handoff.Arch
	// MemoryBase is where RAM starts.
	MemoryBase uint64
	// MemorySize is the RAM size assumed when the caller gives none.
	MemorySize uint64
	// KernelBase is where flat kernels (BCBP) are copied.
	KernelBase uint64
	// ImageBase is where probing for relocatable kernels starts: Linux
	// Image files and higher-half ELF kernels.
	ImageBase uint64
	// InfoBase is where probing for boot information starts.
	InfoBase uint64
	Machine  elf.Machine
}

type Profiles map[handoff.Arch]Profile

const defaultMemorySize = 2 << 30

// DefaultProfiles returns the conventional layout for every supported
// architecture.
func DefaultProfiles() Profiles {
	return Profiles{
		handoff.ArchI386: {
			Arch:       handoff.ArchI386,
			MemorySize: defaultMemorySize,
			KernelBase: 0x100000,
			ImageBase:  0x200000,
			InfoBase:   0x10000,
			Machine:    elf.EM_386,
		},
		handoff.ArchX86_64: {
			Arch:       handoff.ArchX86_64,
			MemorySize: defaultMemorySize,
			KernelBase: 0x100000,
			ImageBase:  0x200000,
			InfoBase:   0x10000,
			Machine:    elf.EM_X86_64,
		},
		handoff.ArchARM64: {
			Arch:       handoff.ArchARM64,
			MemoryBase: 0x40000000,
			MemorySize: defaultMemorySize,
			KernelBase: 0x40200000,
			ImageBase:  0x40200000,
			InfoBase:   0x40010000,
			Machine:    elf.EM_AARCH64,
		},
		handoff.ArchRISCV64: {
			Arch:       handoff.ArchRISCV64,
			MemoryBase: 0x80000000,
			MemorySize: defaultMemorySize,
			KernelBase: 0x80200000,
			ImageBase:  0x80200000,
			InfoBase:   0x80010000,
			Machine:    elf.EM_RISCV,
		},
		handoff.ArchLoongArch64: {
			Arch:       handoff.ArchLoongArch64,
			MemoryBase: 0x9000000000000000,
			MemorySize: defaultMemorySize,
			KernelBase: 0x9000000000200000,
			ImageBase:  0x9000000000200000,
			InfoBase:   0x9000000000010000,
			Machine:    elf.EM_LOONGARCH,
		},
	}
}

// Lookup returns the profile for a.
func (ps Profiles) Lookup(a handoff.Arch) (Profile, error) {
	p, ok := ps[a]
	if !ok {
		return Profile{}, fmt.Errorf("boot: no profile for %s: %w", a, handoff.ErrUnsupported)
	}
	return p, nil
}

// archForMachine maps an ELF machine back to the architecture it runs on.
func archForMachine(m elf.Machine) handoff.Arch {
	switch m {
	case elf.EM_386:
		return handoff.ArchI386
	case elf.EM_X86_64:
		return handoff.ArchX86_64
	case elf.EM_AARCH64:
		return handoff.ArchARM64
	case elf.EM_RISCV:
		return handoff.ArchRISCV64
	case elf.EM_LOONGARCH:
		return handoff.ArchLoongArch64
	}
	return handoff.ArchInvalid
}

// machineForArch is the ELF machine a kernel for a must carry. An empty or
// unknown architecture maps to EM_NONE, which matches any machine.
func machineForArch(a handoff.Arch) elf.Machine {
	switch a {
	case handoff.ArchI386:
		return elf.EM_386
	case handoff.ArchX86_64:
		return elf.EM_X86_64
	case handoff.ArchARM64:
		return elf.EM_AARCH64
	case handoff.ArchRISCV64:
		return elf.EM_RISCV
	case handoff.ArchLoongArch64:
		return elf.EM_LOONGARCH
	}
	return elf.EM_NONE
}
