// Package bcbp implements the BloodChain Boot Protocol: a header followed by
// a table of module records and a trailing string area, all addressed by
// physical pointers.
package bcbp

import (
	"errors"
	"fmt"

	"github.com/tinyrange/bootload/internal/binio"
)

const (
	Magic   = 0x424C4348 // "BLCH"
	Version = 0x00010000

	HeaderSize = 152
	ModuleSize = 40

	MaxModules    = 1024
	MaxNameLen    = 256
	MaxCmdlineLen = 4096
)

// Header field offsets.
const (
	offMagic       = 0
	offVersion     = 4
	offEntry       = 8
	offFlags       = 16
	offBootDevice  = 24
	offACPIRSDP    = 32
	offSMBIOS      = 40
	offFramebuffer = 48
	offModuleCount = 56
	offModules     = 64
	offSecureBoot  = 72
	offTPM         = 73
	offUEFI64      = 74
	offSignature   = 80
	signatureSize  = 64
)

// Module record field offsets.
const (
	modStart   = 0
	modSize    = 8
	modCmdline = 16
	modName    = 24
	modType    = 32
)

// ModuleType classifies a module record.
type ModuleType uint8

const (
	ModuleKernel     ModuleType = 0x01
	ModuleInitrd     ModuleType = 0x02
	ModuleACPI       ModuleType = 0x03
	ModuleSMBIOS     ModuleType = 0x04
	ModuleDeviceTree ModuleType = 0x05
	ModuleEFI        ModuleType = 0x06
	ModuleConfig     ModuleType = 0x07
	ModuleDriver     ModuleType = 0x08
)

func (t ModuleType) String() string {
	switch t {
	case ModuleKernel:
		return "kernel"
	case ModuleInitrd:
		return "initrd"
	case ModuleACPI:
		return "acpi"
	case ModuleSMBIOS:
		return "smbios"
	case ModuleDeviceTree:
		return "devicetree"
	case ModuleEFI:
		return "efi"
	case ModuleConfig:
		return "config"
	case ModuleDriver:
		return "driver"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

var (
	ErrBadMagic           = errors.New("bcbp: header magic not set")
	ErrTableFull          = errors.New("bcbp: module table full")
	ErrStringAreaOverflow = errors.New("bcbp: string area overflow")
	ErrInvalidModule      = errors.New("bcbp: invalid module")
)

// Module is a decoded module record. Addresses are physical.
type Module struct {
	Start   uint64
	Size    uint64
	Name    string
	Cmdline string
	Type    ModuleType
}

// Block is a header, its module table and string area laid out in one
// buffer that will live at physical address Base.
type Block struct {
	base     uint64
	buf      []byte
	capacity int
	cursor   uint64
}

// TableSize is the bytes needed after the header for capacity module records
// and strings totalling stringBytes, terminators included.
func TableSize(capacity int, stringBytes uint64) uint64 {
	return uint64(capacity)*ModuleSize + stringBytes
}

// New initializes a block in buf, which will be placed at base. The module
// table starts right after the header with room for capacity records; the
// rest of buf is the string area.
func New(buf []byte, base uint64, capacity int, entry, bootDevice uint64) (*Block, error) {
	if capacity < 0 || capacity > MaxModules {
		return nil, fmt.Errorf("bcbp: capacity %d outside [0, %d]", capacity, MaxModules)
	}
	tableEnd := uint64(HeaderSize) + uint64(capacity)*ModuleSize
	if uint64(len(buf)) < tableEnd {
		return nil, fmt.Errorf("bcbp: buffer of %d bytes cannot hold %d modules: %w", len(buf), capacity, ErrStringAreaOverflow)
	}
	clear(buf[:HeaderSize])
	b := &Block{base: base, buf: buf, capacity: capacity, cursor: tableEnd}
	w := binio.WrapWriter(buf)
	err := errors.Join(
		w.PutU32(offMagic, Magic),
		w.PutU32(offVersion, Version),
		w.PutU64(offEntry, entry),
		w.PutU64(offBootDevice, bootDevice),
		w.PutU64(offModuleCount, 0),
		w.PutU64(offModules, base+HeaderSize),
	)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Base is the physical address of the header.
func (b *Block) Base() uint64 { return b.base }

// Bytes returns the header, table and the strings written so far.
func (b *Block) Bytes() []byte { return b.buf[:b.cursor] }

func (b *Block) reader() binio.Reader { return binio.NewReader(b.buf) }

func (b *Block) u64(off uint64) uint64 {
	v, _ := b.reader().U64(off)
	return v
}

func (b *Block) valid() bool {
	m, err := b.reader().U32(offMagic)
	return err == nil && m == Magic
}

// Count is the header's module_count.
func (b *Block) Count() int { return int(b.u64(offModuleCount)) }

// Entry is the header's entry_point.
func (b *Block) Entry() uint64 { return b.u64(offEntry) }

// putString stores s at the string cursor and returns its physical address.
func (b *Block) putString(s string) (uint64, error) {
	need := uint64(len(s)) + 1
	if b.cursor+need > uint64(len(b.buf)) {
		return 0, fmt.Errorf("%w: %d bytes at %#x, area ends at %#x", ErrStringAreaOverflow, need, b.cursor, len(b.buf))
	}
	off := b.cursor
	copy(b.buf[off:], s)
	b.buf[off+uint64(len(s))] = 0
	b.cursor += need
	return b.base + off, nil
}

// AddModule appends a record and its strings. An empty cmdline leaves the
// record's cmdline pointer zero.
func (b *Block) AddModule(m Module) error {
	if !b.valid() {
		return ErrBadMagic
	}
	if m.Name == "" || m.Size == 0 {
		return fmt.Errorf("%w: %q needs a name and a non-zero size", ErrInvalidModule, m.Name)
	}
	count := b.Count()
	if count >= b.capacity {
		return fmt.Errorf("%w: %d of %d records used", ErrTableFull, count, b.capacity)
	}

	name, err := b.putString(m.Name)
	if err != nil {
		return err
	}
	var cmdline uint64
	if m.Cmdline != "" {
		if cmdline, err = b.putString(m.Cmdline); err != nil {
			return err
		}
	}

	rec := uint64(HeaderSize) + uint64(count)*ModuleSize
	w := binio.WrapWriter(b.buf)
	return errors.Join(
		w.PutU64(rec+modStart, m.Start),
		w.PutU64(rec+modSize, m.Size),
		w.PutU64(rec+modCmdline, cmdline),
		w.PutU64(rec+modName, name),
		w.PutU8(rec+modType, uint8(m.Type)),
		w.PutU64(offModuleCount, uint64(count+1)),
	)
}

// The setters below leave a header without a valid magic untouched.

func (b *Block) setU64(off, v uint64) {
	if b.valid() {
		_ = binio.WrapWriter(b.buf).PutU64(off, v)
	}
}

func (b *Block) setFlag(off uint64, v bool) {
	if !b.valid() {
		return
	}
	var x uint8
	if v {
		x = 1
	}
	_ = binio.WrapWriter(b.buf).PutU8(off, x)
}

func (b *Block) SetFlags(flags uint64) { b.setU64(offFlags, flags) }
func (b *Block) SetACPIRSDP(addr uint64) { b.setU64(offACPIRSDP, addr) }
func (b *Block) SetSMBIOS(addr uint64) { b.setU64(offSMBIOS, addr) }
func (b *Block) SetFramebuffer(addr uint64) { b.setU64(offFramebuffer, addr) }
func (b *Block) SetSecureBoot(enabled bool) { b.setFlag(offSecureBoot, enabled) }
func (b *Block) SetTPMAvailable(present bool) { b.setFlag(offTPM, present) }
func (b *Block) SetUEFI64(uefi64 bool) { b.setFlag(offUEFI64, uefi64) }

// SetSignature copies up to 64 bytes into the signature field.
func (b *Block) SetSignature(sig []byte) {
	if b.valid() {
		copy(b.buf[offSignature:offSignature+signatureSize], sig)
	}
}

// Module decodes record i.
func (b *Block) Module(i int) (Module, error) {
	if i < 0 || i >= b.Count() {
		return Module{}, fmt.Errorf("bcbp: module %d out of range", i)
	}
	return decodeModule(b.buf, b.base, b.u64(offModules)-b.base+uint64(i)*ModuleSize)
}

// FindModule returns the first module whose name equals name.
func (b *Block) FindModule(name string) (Module, bool) {
	if !b.valid() {
		return Module{}, false
	}
	for i := range b.Count() {
		m, err := b.Module(i)
		if err != nil {
			return Module{}, false
		}
		if m.Name == name {
			return m, true
		}
	}
	return Module{}, false
}

func decodeModule(buf []byte, base, off uint64) (Module, error) {
	r := binio.NewReader(buf)
	var m Module
	var err error
	if m.Start, err = r.U64(off + modStart); err != nil {
		return Module{}, err
	}
	m.Size, _ = r.U64(off + modSize)
	cmdline, _ := r.U64(off + modCmdline)
	name, _ := r.U64(off + modName)
	t, _ := r.U8(off + modType)
	m.Type = ModuleType(t)
	if name >= base {
		m.Name, _ = r.CString(name-base, MaxNameLen)
	}
	if cmdline >= base {
		m.Cmdline, _ = r.CString(cmdline-base, MaxCmdlineLen)
	}
	return m, nil
}
