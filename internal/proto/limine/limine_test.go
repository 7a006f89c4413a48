package limine

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/bootload/internal/elfload"
	"github.com/tinyrange/bootload/internal/elfload/elftest"
	"github.com/tinyrange/bootload/internal/handoff"
	"github.com/tinyrange/bootload/internal/layout"
	"github.com/tinyrange/bootload/internal/physmem"
)

var le = binary.LittleEndian

// request writes a request of kind k at off within data.
func request(data []byte, off int, k Kind) {
	le.PutUint64(data[off:], CommonMagic0)
	le.PutUint64(data[off+8:], CommonMagic1)
	le.PutUint64(data[off+offID2:], ID2(k))
	le.PutUint64(data[off+24:], 0xdeadbeefcafef00d)
}

const (
	hhdmAt     = 0x100
	memmapAt   = 0x140
	entryAt    = 0x180
	addressAt  = 0x1c0
	moduleAt   = 0x200
	rsdpAt     = 0x240
	fileAt     = 0x280
	bootInfoAt = 0x2c0
)

func kernelImage() []byte {
	data := make([]byte, 0x1000)
	request(data, hhdmAt, KindHHDM)
	request(data, memmapAt, KindMemmap)
	request(data, entryAt, KindEntryPoint)
	le.PutUint64(data[entryAt+offEntryField:], elfload.HigherHalfBase+0x40)
	request(data, addressAt, KindKernelAddress)
	request(data, moduleAt, KindModule)
	request(data, rsdpAt, KindRSDP)
	request(data, fileAt, KindKernelFile)
	request(data, bootInfoAt, KindBootloaderInfo)
	return elftest.Build(elf.EM_X86_64, elfload.HigherHalfBase+0x10,
		elftest.Segment{Vaddr: elfload.HigherHalfBase, Data: data, Align: 0x1000, Flags: elf.PF_R | elf.PF_W | elf.PF_X})
}

func TestDetectRequests(t *testing.T) {
	img, err := Detect(kernelImage())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	want := []struct {
		kind Kind
		at   uint64
	}{
		{KindHHDM, hhdmAt},
		{KindMemmap, memmapAt},
		{KindEntryPoint, entryAt},
		{KindKernelAddress, addressAt},
		{KindModule, moduleAt},
		{KindRSDP, rsdpAt},
		{KindKernelFile, fileAt},
		{KindBootloaderInfo, bootInfoAt},
	}
	if len(img.Requests) != len(want) {
		t.Fatalf("found %d requests, want %d", len(img.Requests), len(want))
	}
	for i, w := range want {
		got := img.Requests[i]
		if got.Kind != w.kind || got.Vaddr != elfload.HigherHalfBase+w.at {
			t.Fatalf("request %d = %s at %#x, want %s at %#x", i, got.Kind, got.Vaddr, w.kind, elfload.HigherHalfBase+w.at)
		}
	}
	if e := img.Requests[2].Entry; e != elfload.HigherHalfBase+0x40 {
		t.Fatalf("entry point request = %#x", e)
	}
}

func TestDetectSkipsUnknownIDs(t *testing.T) {
	data := make([]byte, 0x100)
	request(data, 0x40, KindHHDM)
	le.PutUint64(data[0x40+offID2:], 0x1111111111111111)
	image := elftest.Build(elf.EM_X86_64, 0x100000, elftest.Segment{Vaddr: 0x100000, Data: data})
	img, err := Detect(image)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(img.Requests) != 0 {
		t.Fatalf("requests = %+v, want none", img.Requests)
	}
}

func TestDetectNotELF(t *testing.T) {
	if img, err := Detect(make([]byte, 256)); img != nil || err != nil {
		t.Fatalf("Detect(zeros) = %v, %v", img, err)
	}
}

func TestDetectOverlap(t *testing.T) {
	image := elftest.Build(elf.EM_X86_64, 0x100000,
		elftest.Segment{Vaddr: 0x100000, Data: make([]byte, 0x2000)},
		elftest.Segment{Vaddr: 0x101000, Data: make([]byte, 0x10)},
	)
	if _, err := Detect(image); !errors.Is(err, elfload.ErrSegmentOverlap) {
		t.Fatalf("err = %v, want ErrSegmentOverlap", err)
	}
}

func TestDetectForChecksMachineFirst(t *testing.T) {
	image := elftest.Build(elf.EM_X86_64, 0x100000,
		elftest.Segment{Vaddr: 0x100000, Data: make([]byte, 0x2000)},
		elftest.Segment{Vaddr: 0x101000, Data: make([]byte, 0x10)},
	)
	_, err := DetectFor(image, elf.EM_AARCH64)
	var me *elfload.MachineError
	if !errors.As(err, &me) {
		t.Fatalf("err = %v, want *elfload.MachineError", err)
	}
	if me.Got != elf.EM_X86_64 || me.Want != elf.EM_AARCH64 {
		t.Fatalf("machine error = %+v", me)
	}

	if _, err := DetectFor(image, elf.EM_X86_64); !errors.Is(err, elfload.ErrSegmentOverlap) {
		t.Fatalf("matching machine: err = %v, want ErrSegmentOverlap", err)
	}
}

func TestBuild(t *testing.T) {
	image := kernelImage()
	img, err := Detect(image)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	initrd := []byte("initramfs contents")
	p := Params{Arch: handoff.ArchX86_64, MemorySize: 16 << 20, BootTime: 1700000000}

	pl, err := layout.New(layout.Options{}).Plan(Requests(img, image, initrd, "console=ttyS0", p), nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	mem := physmem.NewBuffer(0, 16<<20)
	ws := layout.NewWindows(mem, pl)
	d, err := Build(ws, img, image, initrd, "console=ttyS0", p)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	raw := mem.Bytes()
	kernel, _ := pl.Region(layout.RoleKernel)
	if got := le.Uint64(raw[kernel.Base+hhdmAt+24:]); got != 0 {
		t.Fatalf("kernel written before Load: %#x", got)
	}
	if err := Load(ws, img, image, initrd, "console=ttyS0", p); err != nil {
		t.Fatalf("Load: %v", err)
	}
	info, _ := pl.Region(layout.RoleInfo)
	initrdRegion, _ := pl.Region(layout.RoleInitrd)

	if kernel.Base != elfload.DefaultKernelBase {
		t.Fatalf("kernel at %#x, want %#x", kernel.Base, elfload.DefaultKernelBase)
	}
	if d.Protocol != handoff.ProtocolLimine || d.Entry != kernel.Base+0x40 || len(d.Args) != 0 {
		t.Fatalf("descriptor = %s", d)
	}

	// response returns the physical address of the response for the
	// request at off, checking it lies in the info region.
	response := func(off uint64) uint64 {
		t.Helper()
		ptr := le.Uint64(raw[kernel.Base+off+offResponse:])
		if ptr == 0 {
			return 0
		}
		phys := ptr - DefaultHHDMOffset
		if phys < info.Base || phys >= info.End() {
			t.Fatalf("response %#x for request at %#x outside %s", ptr, off, info)
		}
		return phys
	}

	hhdm := response(hhdmAt)
	if got := le.Uint64(raw[hhdm+8:]); got != DefaultHHDMOffset {
		t.Fatalf("hhdm offset = %#x", got)
	}

	addr := response(addressAt)
	if phys, virt := le.Uint64(raw[addr+8:]), le.Uint64(raw[addr+16:]); phys != kernel.Base || virt != elfload.HigherHalfBase {
		t.Fatalf("kernel address = %#x/%#x", phys, virt)
	}

	if response(rsdpAt) != 0 {
		t.Fatalf("rsdp answered without an RSDP")
	}

	mm := response(memmapAt)
	count := le.Uint64(raw[mm+8:])
	ptrs := le.Uint64(raw[mm+16:]) - DefaultHHDMOffset
	var sawKernel, sawLoader bool
	var total uint64
	for i := uint64(0); i < count; i++ {
		rec := le.Uint64(raw[ptrs+8*i:]) - DefaultHHDMOffset
		base, length, typ := le.Uint64(raw[rec:]), le.Uint64(raw[rec+8:]), le.Uint64(raw[rec+16:])
		total += length
		switch {
		case typ == MemmapKernelAndModules && base == kernel.Base:
			sawKernel = true
		case typ == MemmapBootloaderReclaimable && base == info.Base:
			sawLoader = true
		}
	}
	if !sawKernel || !sawLoader {
		t.Fatalf("memmap missing kernel (%v) or loader (%v) entry", sawKernel, sawLoader)
	}
	if total != 16<<20 {
		t.Fatalf("memmap covers %#x bytes, want %#x", total, 16<<20)
	}

	mod := response(moduleAt)
	if n := le.Uint64(raw[mod+8:]); n != 1 {
		t.Fatalf("module count = %d", n)
	}
	list := le.Uint64(raw[mod+16:]) - DefaultHHDMOffset
	file := le.Uint64(raw[list:]) - DefaultHHDMOffset
	if a, n := le.Uint64(raw[file+8:]), le.Uint64(raw[file+16:]); a != initrdRegion.Base+DefaultHHDMOffset || n != uint64(len(initrd)) {
		t.Fatalf("module file = %#x+%#x", a, n)
	}
	if got := string(raw[initrdRegion.Base : initrdRegion.Base+uint64(len(initrd))]); got != string(initrd) {
		t.Fatalf("initrd contents = %q", got)
	}

	kf := response(fileAt)
	kfile := le.Uint64(raw[kf+8:]) - DefaultHHDMOffset
	cmd := le.Uint64(raw[kfile+32:]) - DefaultHHDMOffset
	if got := string(raw[cmd : cmd+uint64(len("console=ttyS0"))]); got != "console=ttyS0" {
		t.Fatalf("kernel file cmdline = %q", got)
	}
	copyRegion, _ := pl.Region(layout.RoleModuleTable)
	if a := le.Uint64(raw[kfile+8:]); a != copyRegion.Base+DefaultHHDMOffset {
		t.Fatalf("kernel file address = %#x, want %#x", a, copyRegion.Base+DefaultHHDMOffset)
	}
	if raw[copyRegion.Base] != 0x7f || raw[copyRegion.Base+1] != 'E' {
		t.Fatalf("kernel file copy missing ELF magic")
	}

	bi := response(bootInfoAt)
	name := le.Uint64(raw[bi+8:]) - DefaultHHDMOffset
	if got := string(raw[name : name+uint64(len(LoaderName))]); got != LoaderName {
		t.Fatalf("loader name = %q", got)
	}

	// The id words outside the response pointer must survive loading.
	if got := le.Uint64(raw[kernel.Base+hhdmAt+24:]); got != 0xdeadbeefcafef00d {
		t.Fatalf("request id overwritten: %#x", got)
	}
}

func TestBuildIdentityKernel(t *testing.T) {
	data := make([]byte, 0x100)
	request(data, 0x80, KindHHDM)
	image := elftest.Build(elf.EM_X86_64, 0x100000, elftest.Segment{Vaddr: 0x100000, Data: data})
	img, err := Detect(image)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	p := Params{Arch: handoff.ArchX86_64, MemorySize: 8 << 20, HHDMOffset: 0xffff000000000000}
	pl, err := layout.New(layout.Options{}).Plan(Requests(img, image, nil, "", p), nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	mem := physmem.NewBuffer(0, 8<<20)
	ws := layout.NewWindows(mem, pl)
	d, err := Build(ws, img, image, nil, "", p)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := Load(ws, img, image, nil, "", p); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d.Entry != 0x100000 {
		t.Fatalf("entry = %#x", d.Entry)
	}
	ptr := le.Uint64(mem.Bytes()[0x100000+0x80+offResponse:])
	if ptr < 0xffff000000000000 {
		t.Fatalf("response pointer %#x not in the direct map", ptr)
	}
	if _, ok := pl.Region(layout.RoleInitrd); ok {
		t.Fatalf("initrd region planned without an initrd")
	}
}
