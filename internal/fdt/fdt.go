// Package fdt writes and reads Flattened Device Tree blobs, which is how
// kernels on the non-PC architectures learn about memory, the command line
// and the initial ramdisk.
package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	Magic         = 0xd00dfeed
	Version       = 17
	LastCompatVer = 16

	headerSize = 40

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenNop       = 0x4
	tokenEnd       = 0x9
)

var (
	ErrUnbalanced = errors.New("fdt: unbalanced nodes")
	ErrMalformed  = errors.New("fdt: malformed blob")
	ErrNotFound   = errors.New("fdt: not found")
)

// Builder emits a device tree in document order.
type Builder struct {
	structure bytes.Buffer
	strs      bytes.Buffer
	stringOff map[string]uint32
	depth     int
	err       error
}

func NewBuilder() *Builder {
	return &Builder{stringOff: make(map[string]uint32)}
}

func (b *Builder) BeginNode(name string) {
	b.token(tokenBeginNode)
	b.structure.WriteString(name)
	b.structure.WriteByte(0)
	b.pad()
	b.depth++
}

func (b *Builder) EndNode() {
	if b.depth == 0 {
		b.err = ErrUnbalanced
		return
	}
	b.token(tokenEndNode)
	b.depth--
}

func (b *Builder) AddPropertyEmpty(name string) { b.prop(name, nil) }

func (b *Builder) AddPropertyString(name, value string) {
	b.prop(name, append([]byte(value), 0))
}

func (b *Builder) AddPropertyStringList(name string, values []string) {
	var data []byte
	for _, v := range values {
		data = append(data, v...)
		data = append(data, 0)
	}
	b.prop(name, data)
}

func (b *Builder) AddPropertyU32(name string, values ...uint32) {
	data := make([]byte, 0, 4*len(values))
	for _, v := range values {
		data = binary.BigEndian.AppendUint32(data, v)
	}
	b.prop(name, data)
}

func (b *Builder) AddPropertyU64(name string, values ...uint64) {
	data := make([]byte, 0, 8*len(values))
	for _, v := range values {
		data = binary.BigEndian.AppendUint64(data, v)
	}
	b.prop(name, data)
}

// AddPropertyU64Pair adds a reg-style (address, size) pair for a parent with
// two address and two size cells.
func (b *Builder) AddPropertyU64Pair(name string, addr, size uint64) {
	b.AddPropertyU64(name, addr, size)
}

func (b *Builder) AddPropertyBytes(name string, data []byte) { b.prop(name, data) }

// Build terminates the structure block and lays out the blob: header, an
// empty reservation map, structure, then strings.
func (b *Builder) Build() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.depth != 0 {
		return nil, fmt.Errorf("%w: %d nodes left open", ErrUnbalanced, b.depth)
	}
	b.token(tokenEnd)

	const rsvmapOff = headerSize
	const rsvmapSize = 16
	structOff := uint32(rsvmapOff + rsvmapSize)
	structSize := uint32(b.structure.Len())
	stringsOff := structOff + structSize
	stringsSize := uint32(b.strs.Len())
	total := stringsOff + stringsSize

	blob := make([]byte, total)
	be := binary.BigEndian
	be.PutUint32(blob[0:], Magic)
	be.PutUint32(blob[4:], total)
	be.PutUint32(blob[8:], structOff)
	be.PutUint32(blob[12:], stringsOff)
	be.PutUint32(blob[16:], rsvmapOff)
	be.PutUint32(blob[20:], Version)
	be.PutUint32(blob[24:], LastCompatVer)
	be.PutUint32(blob[28:], 0)
	be.PutUint32(blob[32:], stringsSize)
	be.PutUint32(blob[36:], structSize)
	copy(blob[structOff:], b.structure.Bytes())
	copy(blob[stringsOff:], b.strs.Bytes())
	return blob, nil
}

func (b *Builder) prop(name string, value []byte) {
	if b.depth == 0 {
		b.err = fmt.Errorf("fdt: property %q outside any node", name)
		return
	}
	b.token(tokenProp)
	b.u32(uint32(len(value)))
	b.u32(b.stringOffset(name))
	b.structure.Write(value)
	b.pad()
}

func (b *Builder) stringOffset(name string) uint32 {
	if off, ok := b.stringOff[name]; ok {
		return off
	}
	off := uint32(b.strs.Len())
	b.strs.WriteString(name)
	b.strs.WriteByte(0)
	b.stringOff[name] = off
	return off
}

func (b *Builder) token(t uint32) { b.u32(t) }

func (b *Builder) u32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.structure.Write(tmp[:])
}

func (b *Builder) pad() {
	for b.structure.Len()%4 != 0 {
		b.structure.WriteByte(0)
	}
}

// Property returns the raw value of prop on the node at path, where path is
// "/" for the root or a slash-separated list of node names.
func Property(blob []byte, path, prop string) ([]byte, error) {
	if len(blob) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(blob))
	}
	be := binary.BigEndian
	if be.Uint32(blob[0:]) != Magic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrMalformed, be.Uint32(blob[0:]))
	}
	total := be.Uint32(blob[4:])
	structOff := be.Uint32(blob[8:])
	stringsOff := be.Uint32(blob[12:])
	structSize := be.Uint32(blob[36:])
	if uint64(total) > uint64(len(blob)) || uint64(structOff)+uint64(structSize) > uint64(total) || stringsOff > total {
		return nil, fmt.Errorf("%w: offsets outside blob", ErrMalformed)
	}
	st := blob[structOff : structOff+structSize]
	strs := blob[stringsOff:total]

	want := splitPath(path)
	var stack []string
	for off := 0; off+4 <= len(st); {
		tok := be.Uint32(st[off:])
		off += 4
		switch tok {
		case tokenBeginNode:
			end := bytes.IndexByte(st[off:], 0)
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated node name", ErrMalformed)
			}
			stack = append(stack, string(st[off:off+end]))
			off = align4(off + end + 1)
		case tokenEndNode:
			if len(stack) == 0 {
				return nil, ErrUnbalanced
			}
			stack = stack[:len(stack)-1]
		case tokenProp:
			if off+8 > len(st) {
				return nil, fmt.Errorf("%w: truncated property", ErrMalformed)
			}
			n := int(be.Uint32(st[off:]))
			nameOff := int(be.Uint32(st[off+4:]))
			off += 8
			if off+n > len(st) || nameOff >= len(strs) {
				return nil, fmt.Errorf("%w: property outside blob", ErrMalformed)
			}
			name := strs[nameOff:]
			if i := bytes.IndexByte(name, 0); i >= 0 {
				name = name[:i]
			}
			if string(name) == prop && samePath(stack, want) {
				return st[off : off+n], nil
			}
			off = align4(off + n)
		case tokenNop:
		case tokenEnd:
			return nil, fmt.Errorf("%s:%s: %w", path, prop, ErrNotFound)
		default:
			return nil, fmt.Errorf("%w: unknown token %#x", ErrMalformed, tok)
		}
	}
	return nil, fmt.Errorf("%w: missing end token", ErrMalformed)
}

func splitPath(path string) []string {
	var out []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// samePath compares a node stack (whose first entry is the unnamed root)
// with a split path.
func samePath(stack, want []string) bool {
	if len(stack) != len(want)+1 {
		return false
	}
	for i, w := range want {
		if stack[i+1] != w {
			return false
		}
	}
	return true
}

func align4(v int) int { return (v + 3) &^ 3 }
