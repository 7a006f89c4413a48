// Package memmap describes physical memory maps as reported by firmware or
// synthesized by the loader.
package memmap

import (
	"fmt"
	"sort"
)

// Type uses the BIOS e820 numbering, which Multiboot shares.
type Type uint32

const (
	TypeUsable      Type = 1
	TypeReserved    Type = 2
	TypeACPI        Type = 3
	TypeNVS         Type = 4
	TypeBad         Type = 5
	TypeLoader      Type = 0x1000 // loader-owned, reclaimable once booted
	TypeKernel      Type = 0x1001 // kernel and modules
	typeCustomFirst Type = TypeLoader
)

func (t Type) String() string {
	switch t {
	case TypeUsable:
		return "usable"
	case TypeReserved:
		return "reserved"
	case TypeACPI:
		return "acpi"
	case TypeNVS:
		return "nvs"
	case TypeBad:
		return "bad"
	case TypeLoader:
		return "loader"
	case TypeKernel:
		return "kernel"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// BIOS folds loader-specific types back to values a kernel expecting e820
// semantics understands.
func (t Type) BIOS() uint32 {
	if t >= typeCustomFirst {
		return uint32(TypeReserved)
	}
	return uint32(t)
}

// Entry describes a single memory map range.
type Entry struct {
	Addr uint64
	Size uint64
	Type Type
}

func (e Entry) End() uint64 { return e.Addr + e.Size }

const (
	lowMemoryEnd = 0x00100000
	pageSize     = 0x1000
)

// Default returns the minimal two-entry map handed to kernels when no
// firmware map is available: the low 1 MiB and everything above it up to
// memSize, both usable.
func Default(memSize uint64) []Entry {
	if memSize <= lowMemoryEnd {
		return []Entry{{Addr: 0, Size: memSize, Type: TypeUsable}}
	}
	return []Entry{
		{Addr: 0, Size: lowMemoryEnd, Type: TypeUsable},
		{Addr: lowMemoryEnd, Size: memSize - lowMemoryEnd, Type: TypeUsable},
	}
}

// E820 returns a PC-style map for RAM in [memStart, memEnd) with the ISA
// hole between 0x9f000 and 1 MiB reserved.
func E820(memStart, memEnd uint64) []Entry {
	const (
		isaMemEnd     = 0x0009f000
		biosRegionEnd = lowMemoryEnd
	)

	memStart = alignDown(memStart, pageSize)
	memEnd = alignDown(memEnd, pageSize)
	if memEnd <= memStart {
		return nil
	}

	var entries []Entry

	lowEnd := min(memEnd, isaMemEnd)
	if lowEnd > memStart {
		entries = append(entries, Entry{Addr: memStart, Size: lowEnd - memStart, Type: TypeUsable})
	}

	if memEnd > isaMemEnd {
		reserveStart := max(isaMemEnd, memStart)
		reserveEnd := min(memEnd, biosRegionEnd)
		if reserveEnd > reserveStart {
			entries = append(entries, Entry{Addr: reserveStart, Size: reserveEnd - reserveStart, Type: TypeReserved})
		}
	}

	highStart := alignUp(max(biosRegionEnd, memStart), pageSize)
	if memEnd > highStart {
		entries = append(entries, Entry{Addr: highStart, Size: memEnd - highStart, Type: TypeUsable})
	}

	return entries
}

// Unusable returns the entries the loader must not place anything in.
func Unusable(entries []Entry) []Entry {
	var out []Entry
	for _, e := range entries {
		if e.Type != TypeUsable && e.Size != 0 {
			out = append(out, e)
		}
	}
	return out
}

// TotalUsable sums the usable bytes in entries.
func TotalUsable(entries []Entry) uint64 {
	var total uint64
	for _, e := range entries {
		if e.Type == TypeUsable {
			total += e.Size
		}
	}
	return total
}

// Carve returns a sorted copy of entries in which [addr, addr+size) is
// relabelled as typ wherever it overlaps usable memory. Non-usable ranges
// keep their type.
func Carve(entries []Entry, addr, size uint64, typ Type) []Entry {
	if size == 0 {
		return Sorted(entries)
	}
	end := addr + size
	var out []Entry
	for _, e := range entries {
		if e.Type != TypeUsable || e.End() <= addr || e.Addr >= end {
			out = append(out, e)
			continue
		}
		if e.Addr < addr {
			out = append(out, Entry{Addr: e.Addr, Size: addr - e.Addr, Type: e.Type})
		}
		lo := max(e.Addr, addr)
		hi := min(e.End(), end)
		out = append(out, Entry{Addr: lo, Size: hi - lo, Type: typ})
		if e.End() > end {
			out = append(out, Entry{Addr: end, Size: e.End() - end, Type: e.Type})
		}
	}
	return Sorted(out)
}

// Sorted returns a copy of entries ordered by address.
func Sorted(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

func alignUp(value, align uint64) uint64 {
	mask := align - 1
	return (value + mask) &^ mask
}

func alignDown(value, align uint64) uint64 {
	return value &^ (align - 1)
}
