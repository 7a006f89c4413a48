// Package elftest builds small ELF images for tests.
package elftest

import (
	"debug/elf"
	"encoding/binary"
)

// Segment is a PT_LOAD program header plus its file contents. Data shorter
// than MemSize leaves the rest as BSS.
type Segment struct {
	Vaddr   uint64
	Data    []byte
	MemSize uint64
	Align   uint64
	Flags   elf.ProgFlag
}

const (
	ehdrSize = 64
	phdrSize = 56
)

// Build returns a little-endian ELF64 executable. Segment data is laid out
// after the program header table in order, each at a 16-byte aligned offset.
func Build(machine elf.Machine, entry uint64, segs ...Segment) []byte {
	return BuildType(elf.ET_EXEC, machine, entry, segs...)
}

func BuildType(typ elf.Type, machine elf.Machine, entry uint64, segs ...Segment) []byte {
	le := binary.LittleEndian
	phoff := uint64(ehdrSize)
	off := phoff + uint64(len(segs))*phdrSize
	offsets := make([]uint64, len(segs))
	for i, s := range segs {
		off = (off + 15) &^ 15
		offsets[i] = off
		off += uint64(len(s.Data))
	}

	out := make([]byte, off)
	copy(out, elf.ELFMAG)
	out[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	out[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	out[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	le.PutUint16(out[16:], uint16(typ))
	le.PutUint16(out[18:], uint16(machine))
	le.PutUint32(out[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(out[24:], entry)
	le.PutUint64(out[32:], phoff)
	le.PutUint16(out[52:], ehdrSize)
	le.PutUint16(out[54:], phdrSize)
	le.PutUint16(out[56:], uint16(len(segs)))
	le.PutUint16(out[58:], 64)

	for i, s := range segs {
		ph := out[phoff+uint64(i)*phdrSize:]
		flags := s.Flags
		if flags == 0 {
			flags = elf.PF_R | elf.PF_X
		}
		memsz := max(s.MemSize, uint64(len(s.Data)))
		le.PutUint32(ph[0:], uint32(elf.PT_LOAD))
		le.PutUint32(ph[4:], uint32(flags))
		le.PutUint64(ph[8:], offsets[i])
		le.PutUint64(ph[16:], s.Vaddr)
		le.PutUint64(ph[24:], s.Vaddr)
		le.PutUint64(ph[32:], uint64(len(s.Data)))
		le.PutUint64(ph[40:], memsz)
		le.PutUint64(ph[48:], s.Align)
		copy(out[offsets[i]:], s.Data)
	}
	return out
}
