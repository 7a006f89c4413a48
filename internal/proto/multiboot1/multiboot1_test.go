package multiboot1

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/bootload/internal/elfload/elftest"
	"github.com/tinyrange/bootload/internal/handoff"
	"github.com/tinyrange/bootload/internal/layout"
	"github.com/tinyrange/bootload/internal/physmem"
)

// header writes a Multiboot 1 header at off with a correct checksum.
func header(image []byte, off int, flags uint32, aout ...uint32) {
	le := binary.LittleEndian
	le.PutUint32(image[off:], HeaderMagic)
	le.PutUint32(image[off+4:], flags)
	le.PutUint32(image[off+8:], -(uint32(HeaderMagic) + flags))
	for i, v := range aout {
		le.PutUint32(image[off+12+4*i:], v)
	}
	// The a.out words are outside the 3-word checksum but inside the
	// 8-word sum, so fold them back in.
	var sum uint32
	for i := 0; i < headerWords; i++ {
		sum += le.Uint32(image[off+4*i:])
	}
	le.PutUint32(image[off+8:], le.Uint32(image[off+8:])-sum)
}

func TestChecksum(t *testing.T) {
	image := make([]byte, 4096)
	header(image, 0, 0)
	if _, err := Detect(image); err != nil {
		t.Fatalf("Detect: %v", err)
	}

	for _, delta := range []uint32{1, 0xffffffff, 0x100} {
		bad := append([]byte(nil), image...)
		le := binary.LittleEndian
		le.PutUint32(bad[8:], le.Uint32(bad[8:])+delta)
		if _, err := Detect(bad); !errors.Is(err, ErrMalformed) {
			t.Fatalf("checksum off by %#x: err = %v, want ErrMalformed", delta, err)
		}
	}
}

func TestDetectScansAligned(t *testing.T) {
	image := make([]byte, 8192)
	header(image, 0x40, 0)
	h, err := Detect(image)
	if err != nil || h == nil {
		t.Fatalf("Detect = %v, %v", h, err)
	}
	if h.Offset != 0x40 {
		t.Fatalf("offset = %#x, want 0x40", h.Offset)
	}

	late := make([]byte, 16384)
	header(late, 8192, 0)
	if h, err := Detect(late); h != nil || err != nil {
		t.Fatalf("header past 8 KiB: Detect = %v, %v", h, err)
	}
}

func TestDetectSkipsStrayMagic(t *testing.T) {
	le := binary.LittleEndian
	image := make([]byte, 8192)
	le.PutUint32(image[0xc0:], HeaderMagic)
	if h, err := Detect(image); h != nil || err != nil {
		t.Fatalf("stray magic: Detect = %v, %v; want no match", h, err)
	}

	header(image, 0x100, 0)
	h, err := Detect(image)
	if err != nil || h == nil {
		t.Fatalf("Detect = %v, %v", h, err)
	}
	if h.Offset != 0x100 {
		t.Fatalf("offset = %#x, want 0x100", h.Offset)
	}
}

func TestBuildAOut(t *testing.T) {
	const memSize = 8 << 20
	image := make([]byte, 0x3000)
	for i := range image {
		image[i] = 0xee
	}
	// Header at 0x10 describes a load at 1 MiB with 0x2000 bytes of BSS.
	header(image, 0x10, headerFlagAOut, 0x100010, 0x100000, 0x103000, 0x105000, 0x100020)

	h, err := Detect(image)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	initrd := []byte("module bytes")
	cmdline := "root=/dev/sda1"
	reqs, err := Requests(h, image, initrd, cmdline)
	if err != nil {
		t.Fatalf("Requests: %v", err)
	}
	p, err := layout.New(layout.Options{}).Plan(reqs, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	mem := physmem.NewBuffer(0, memSize)
	for i := 0x103000; i < 0x105000; i++ {
		mem.Bytes()[i] = 0xaa
	}

	ws := layout.NewWindows(mem, p)
	d, err := Build(ws, h, image, initrd, cmdline, Params{Arch: handoff.ArchI386, MemorySize: memSize})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if d.Entry != 0x100020 {
		t.Fatalf("entry = %#x, want %#x", d.Entry, 0x100020)
	}
	if d.Args[0] != BootloaderMagic || d.Args[1] != InfoBase {
		t.Fatalf("args = %#x", d.Args)
	}

	raw := mem.Bytes()
	if raw[0x100000] != 0 || raw[0x103000] != 0xaa {
		t.Fatalf("kernel region written before Load")
	}
	if err := Load(ws, h, image); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if raw[0x100000] != 0xee || raw[0x102fff] != 0xee {
		t.Fatalf("kernel not copied")
	}
	if raw[0x103000] != 0 || raw[0x104fff] != 0 {
		t.Fatalf("bss not cleared")
	}

	le := binary.LittleEndian
	info := raw[InfoBase:]
	flags := le.Uint32(info[offFlags:])
	for _, f := range []uint32{InfoFlagMemory, InfoFlagBootDevice, InfoFlagCmdline, InfoFlagMemoryMap, InfoFlagModules} {
		if flags&f == 0 {
			t.Fatalf("flags = %#x, missing %#x", flags, f)
		}
	}
	if got := le.Uint32(info[offMemLower:]); got != 640 {
		t.Fatalf("mem_lower = %d, want 640", got)
	}
	if got, want := le.Uint32(info[offMemUpper:]), uint32((memSize-lowMemoryEnd)>>10); got != want {
		t.Fatalf("mem_upper = %#x, want %#x", got, want)
	}
	if got := le.Uint32(info[offBootDevice:]); got != DefaultBootDevice {
		t.Fatalf("boot_device = %#x, want %#x", got, DefaultBootDevice)
	}
	cmdAddr := le.Uint32(info[offCmdline:])
	if got := string(raw[cmdAddr : cmdAddr+uint32(len(cmdline))+1]); got != cmdline+"\x00" {
		t.Fatalf("cmdline = %q", got)
	}

	if got := le.Uint32(info[offMmapLength:]); got != 2*mmapEntrySize {
		t.Fatalf("mmap_length = %d, want %d", got, 2*mmapEntrySize)
	}
	mmap := raw[le.Uint32(info[offMmapAddr:]):]
	if size := le.Uint32(mmap[0:]); size != 20 {
		t.Fatalf("mmap[0].size = %d, want 20", size)
	}
	if addr, length := le.Uint64(mmap[mmapEntrySize+4:]), le.Uint64(mmap[mmapEntrySize+12:]); addr != lowMemoryEnd || length != memSize-lowMemoryEnd {
		t.Fatalf("mmap[1] = {%#x, %#x}", addr, length)
	}

	initrdRegion, _ := p.Region(layout.RoleInitrd)
	mods := raw[le.Uint32(info[offModsAddr:]):]
	if start, end := le.Uint32(mods[0:]), le.Uint32(mods[4:]); uint64(start) != initrdRegion.Base || end-start != uint32(len(initrd)) {
		t.Fatalf("module = [%#x, %#x)", start, end)
	}
	name := le.Uint32(mods[8:])
	if got := string(raw[name : name+7]); got != "initrd\x00" {
		t.Fatalf("module string = %q", got)
	}
}

func TestBuildELFKernel(t *testing.T) {
	kernel := elftest.Build(elf.EM_X86_64, 0x100040, elftest.Segment{Vaddr: 0x100000, Data: make([]byte, 0x100), Align: 0x1000})
	// Embed the header in the first segment's bytes.
	off := 0x80
	header(kernel, off, 0)

	h, err := Detect(kernel)
	if err != nil || h == nil {
		t.Fatalf("Detect = %v, %v", h, err)
	}
	reqs, err := Requests(h, kernel, nil, "")
	if err != nil {
		t.Fatalf("Requests: %v", err)
	}
	if reqs[0].Base != 0x100000 || reqs[0].Mode != layout.Fixed {
		t.Fatalf("kernel request = %+v", reqs[0])
	}
	p, err := layout.New(layout.Options{}).Plan(reqs, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	mem := physmem.NewBuffer(0, 4<<20)
	ws := layout.NewWindows(mem, p)
	d, err := Build(ws, h, kernel, nil, "", Params{Arch: handoff.ArchX86_64, MemorySize: 4 << 20})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if d.Entry != 0x100040 {
		t.Fatalf("entry = %#x, want %#x", d.Entry, 0x100040)
	}
	if err := Load(ws, h, kernel); err != nil {
		t.Fatalf("Load: %v", err)
	}
	// The segment starts at file offset 0x80, so the header loads at its base.
	if got := binary.LittleEndian.Uint32(mem.Bytes()[0x100000:]); got != HeaderMagic {
		t.Fatalf("loaded header word = %#x, want %#x", got, HeaderMagic)
	}
}
