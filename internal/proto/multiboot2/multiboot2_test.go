package multiboot2

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/bootload/internal/handoff"
	"github.com/tinyrange/bootload/internal/layout"
	"github.com/tinyrange/bootload/internal/physmem"
)

type headerTag struct {
	typ   uint16
	flags uint16
	body  []uint32
}

// header writes a Multiboot2 header with the given tags plus an end tag at
// off and returns its length.
func header(image []byte, off int, arch uint32, tags ...headerTag) int {
	le := binary.LittleEndian
	pos := off + fixedLen
	for _, t := range append(tags, headerTag{}) {
		size := 8 + 4*len(t.body)
		le.PutUint16(image[pos:], t.typ)
		le.PutUint16(image[pos+2:], t.flags)
		le.PutUint32(image[pos+4:], uint32(size))
		for i, v := range t.body {
			le.PutUint32(image[pos+8+4*i:], v)
		}
		pos += (size + 7) &^ 7
	}
	length := uint32(pos - off)
	le.PutUint32(image[off:], HeaderMagic)
	le.PutUint32(image[off+4:], arch)
	le.PutUint32(image[off+8:], length)
	seal(image, off)
	return int(length)
}

// seal sets the checksum so the header_length/4 words at off sum to zero.
func seal(image []byte, off int) {
	le := binary.LittleEndian
	length := int(le.Uint32(image[off+8:]))
	le.PutUint32(image[off+12:], 0)
	var sum uint32
	for i := 0; i+4 <= length && off+i+4 <= len(image); i += 4 {
		sum += le.Uint32(image[off+i:])
	}
	le.PutUint32(image[off+12:], -sum)
}

func TestDetect(t *testing.T) {
	image := make([]byte, 0x2000)
	header(image, 0x100, uint32(ArchI386),
		headerTag{typ: uint16(headerTagInfoRequest), body: []uint32{4, 6}},
		headerTag{typ: uint16(headerTagEntry), flags: 1, body: []uint32{0x100040}},
	)
	h, err := Detect(image)
	if err != nil || h == nil {
		t.Fatalf("Detect = %v, %v", h, err)
	}
	if h.Offset != 0x100 {
		t.Fatalf("offset = %#x, want 0x100", h.Offset)
	}
	if !h.HasEntry || h.EntryAddr != 0x100040 {
		t.Fatalf("entry = %v %#x", h.HasEntry, h.EntryAddr)
	}
	if len(h.InfoRequests) != 2 || h.InfoRequests[1] != 6 {
		t.Fatalf("info requests = %v", h.InfoRequests)
	}
	if len(h.Tags) != 3 || !h.Tags[1].Optional {
		t.Fatalf("tags = %+v", h.Tags)
	}

	if h, err := Detect(make([]byte, 0x2000)); h != nil || err != nil {
		t.Fatalf("Detect(zeros) = %v, %v", h, err)
	}
}

func TestDetectMalformed(t *testing.T) {
	le := binary.LittleEndian
	tests := []struct {
		name   string
		mutate func(image []byte, length int)
	}{
		{"checksum", func(image []byte, _ int) { le.PutUint32(image[12:], le.Uint32(image[12:])+1) }},
		{"tag word outside fixed fields", func(image []byte, _ int) {
			// The fixed four words still sum to zero.
			le.PutUint32(image[fixedLen+8:], le.Uint32(image[fixedLen+8:])+0x40)
		}},
		{"arch", func(image []byte, _ int) {
			le.PutUint32(image[4:], 7)
			seal(image, 0)
		}},
		{"short length", func(image []byte, _ int) {
			le.PutUint32(image[8:], 4)
			seal(image, 0)
		}},
		{"unaligned length", func(image []byte, length int) {
			le.PutUint32(image[8:], uint32(length+2))
			seal(image, 0)
		}},
		{"tiny tag", func(image []byte, _ int) {
			le.PutUint32(image[fixedLen+4:], 4)
			seal(image, 0)
		}},
		{"truncated walk", func(image []byte, _ int) {
			// Drop the end tag from the declared length.
			le.PutUint32(image[8:], fixedLen+16)
			seal(image, 0)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			image := make([]byte, 256)
			length := header(image, 0, uint32(ArchI386), headerTag{typ: uint16(headerTagEntry), body: []uint32{0x100000}})
			tt.mutate(image, length)
			if _, err := Detect(image); !errors.Is(err, ErrMalformed) {
				t.Fatalf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestDetectSkipsStrayMagic(t *testing.T) {
	le := binary.LittleEndian
	image := make([]byte, 0x1000)
	// A magic in kernel data with nothing valid around it.
	le.PutUint32(image[0x100:], HeaderMagic)
	le.PutUint32(image[0x104:], 0x12345678)
	if h, err := Detect(image); h != nil || err != nil {
		t.Fatalf("stray magic: Detect = %v, %v; want no match", h, err)
	}

	header(image, 0x200, uint32(ArchI386))
	h, err := Detect(image)
	if err != nil || h == nil {
		t.Fatalf("Detect = %v, %v", h, err)
	}
	if h.Offset != 0x200 {
		t.Fatalf("offset = %#x, want 0x200", h.Offset)
	}
}

func plan(t *testing.T, h *Header, image, initrd []byte, cmdline string, p Params) (*physmem.Buffer, *layout.Plan, handoff.Descriptor) {
	t.Helper()
	reqs, err := Requests(h, image, initrd, cmdline, p)
	if err != nil {
		t.Fatalf("Requests: %v", err)
	}
	pl, err := layout.New(layout.Options{}).Plan(reqs, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	mem := physmem.NewBuffer(0, p.MemorySize)
	ws := layout.NewWindows(mem, pl)
	d, err := Build(ws, h, image, initrd, cmdline, p)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := Load(ws, h, image); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return mem, pl, d
}

func TestCmdlineTagPadding(t *testing.T) {
	image := make([]byte, 0x1000)
	header(image, 0, uint32(ArchI386))
	h, err := Detect(image)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	cmdline := strings.Repeat("c", 37)
	mem, _, d := plan(t, h, image, nil, cmdline, Params{Arch: handoff.ArchI386, MemorySize: 4 << 20})

	if d.Args[0] != BootloaderMagic || d.Args[1] != InfoBase {
		t.Fatalf("args = %#x", d.Args)
	}
	if d.Entry != 0x100000 {
		t.Fatalf("entry = %#x, want 0x100000", d.Entry)
	}

	le := binary.LittleEndian
	stream := mem.Bytes()[InfoBase:]
	// The cmdline tag follows the prologue and the 16-byte meminfo tag.
	const cmdTag = prologueSize + memInfoSize
	if typ := le.Uint32(stream[cmdTag:]); typ != uint32(tagCmdline) {
		t.Fatalf("tag at %#x has type %d, want %d", cmdTag, typ, tagCmdline)
	}
	if size := le.Uint32(stream[cmdTag+4:]); size != 46 {
		t.Fatalf("cmdline tag size = %d, want 46", size)
	}
	if got := string(stream[cmdTag+8 : cmdTag+8+38]); got != cmdline+"\x00" {
		t.Fatalf("cmdline = %q", got)
	}
	if typ := le.Uint32(stream[cmdTag+48:]); typ != uint32(tagBootDevice) {
		t.Fatalf("tag at cmdline+48 has type %d, want %d", typ, tagBootDevice)
	}
}

func TestStreamLayout(t *testing.T) {
	const memSize = 16 << 20
	image := make([]byte, 0x1000)
	header(image, 0, uint32(ArchI386))
	h, err := Detect(image)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	initrd := []byte("initrd contents")
	mem, pl, _ := plan(t, h, image, initrd, "", Params{Arch: handoff.ArchX86_64, MemorySize: memSize})

	le := binary.LittleEndian
	stream := mem.Bytes()[InfoBase:]
	total := le.Uint32(stream[0:])
	if want := StreamSize("", 2, true); uint64(total) != want {
		t.Fatalf("total_size = %d, want %d", total, want)
	}

	var types []uint32
	var sum uint32 = prologueSize
	for off := uint32(prologueSize); off < total; {
		typ, size := le.Uint32(stream[off:]), le.Uint32(stream[off+4:])
		types = append(types, typ)
		switch tagType(typ) {
		case tagBasicMemInfo:
			if lower, upper := le.Uint32(stream[off+8:]), le.Uint32(stream[off+12:]); lower != 640 || upper != (memSize-lowMemoryEnd)>>10 {
				t.Fatalf("meminfo = %d/%#x", lower, upper)
			}
		case tagBootDevice:
			if dev, part := le.Uint32(stream[off+8:]), le.Uint32(stream[off+12:]); dev != 0x80 || part != noPartition {
				t.Fatalf("bootdev = %#x/%#x", dev, part)
			}
		case tagMemoryMap:
			if entrySize := le.Uint32(stream[off+8:]); entrySize != mmapEntrySize {
				t.Fatalf("entry_size = %d", entrySize)
			}
			second := stream[off+16+mmapEntrySize:]
			if addr, length, typ := le.Uint64(second[0:]), le.Uint64(second[8:]), le.Uint32(second[16:]); addr != lowMemoryEnd || length != memSize-lowMemoryEnd || typ != 1 {
				t.Fatalf("mmap[1] = {%#x %#x %d}", addr, length, typ)
			}
		case tagModule:
			r, _ := pl.Region(layout.RoleInitrd)
			if start, end := le.Uint32(stream[off+8:]), le.Uint32(stream[off+12:]); uint64(start) != r.Base || end-start != uint32(len(initrd)) {
				t.Fatalf("module = [%#x, %#x)", start, end)
			}
			if name := string(stream[off+16 : off+23]); name != "initrd\x00" {
				t.Fatalf("module string = %q", name)
			}
		}
		step := (size + 7) &^ 7
		sum += step
		off += step
	}
	want := []uint32{uint32(tagBasicMemInfo), uint32(tagBootDevice), uint32(tagMemoryMap), uint32(tagModule), uint32(tagEnd)}
	if len(types) != len(want) {
		t.Fatalf("tag types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("tag types = %v, want %v", types, want)
		}
	}
	if sum != total {
		t.Fatalf("tag sizes sum to %d, total_size = %d", sum, total)
	}
}

func TestAddressTag(t *testing.T) {
	image := make([]byte, 0x3000)
	for i := range image {
		image[i] = 0x90
	}
	// Header at file offset 0x20, loaded at 0x200000 with 0x1000 of BSS and
	// an explicit entry.
	header(image, 0x20, uint32(ArchI386),
		headerTag{typ: uint16(headerTagAddress), body: []uint32{0x200020, 0x200000, 0, 0x204000}},
		headerTag{typ: uint16(headerTagEntry), body: []uint32{0x200100}},
	)
	h, err := Detect(image)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if h.Addresses == nil || h.Addresses.LoadAddr != 0x200000 {
		t.Fatalf("addresses = %+v", h.Addresses)
	}
	mem, pl, d := plan(t, h, image, nil, "", Params{Arch: handoff.ArchI386, MemorySize: 8 << 20})
	if d.Entry != 0x200100 {
		t.Fatalf("entry = %#x, want 0x200100", d.Entry)
	}
	r, _ := pl.Region(layout.RoleKernel)
	if r.Base != 0x200000 || r.Size != 0x4000 {
		t.Fatalf("kernel region = %s", r)
	}
	if got := mem.Bytes()[0x202fff]; got != 0x90 {
		t.Fatalf("last kernel byte = %#x, want 0x90", got)
	}
}

func TestMIPSNotBootable(t *testing.T) {
	image := make([]byte, 0x1000)
	header(image, 0, uint32(ArchMIPS32))
	h, err := Detect(image)
	if err != nil || h == nil || h.Arch != ArchMIPS32 {
		t.Fatalf("Detect = %+v, %v", h, err)
	}
	reqs, _ := Requests(h, image, nil, "", Params{MemorySize: 4 << 20})
	pl, err := layout.New(layout.Options{}).Plan(reqs, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	mem := physmem.NewBuffer(0, 4<<20)
	if _, err := Build(layout.NewWindows(mem, pl), h, image, nil, "", Params{Arch: handoff.ArchI386, MemorySize: 4 << 20}); !errors.Is(err, handoff.ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
	for i, b := range mem.Bytes() {
		if b != 0 {
			t.Fatalf("byte %#x written", i)
		}
	}
}
